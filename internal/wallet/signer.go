package wallet

import (
	"context"

	"github.com/sawpanic/solrun/internal/exec"
	"github.com/sawpanic/solrun/internal/jupiter"
)

// Signer composes the aggregator's transaction builder with the managed
// wallet's signing and broadcast endpoints, satisfying the coordinator's
// Wallet contract: the aggregator assembles the route's unsigned
// transaction, the wallet service signs it and later broadcasts it.
type Signer struct {
	jup    *jupiter.Client
	wallet *Client
}

// NewSigner wires the two halves together.
func NewSigner(jup *jupiter.Client, wallet *Client) *Signer {
	return &Signer{jup: jup, wallet: wallet}
}

// BuildAndSign assembles and signs the transaction for a quote's route.
func (s *Signer) BuildAndSign(ctx context.Context, q *exec.Quote) (exec.SignedTx, error) {
	unsigned, err := s.jup.BuildSwapTransaction(ctx, q, s.wallet.Address())
	if err != nil {
		return exec.SignedTx{}, err
	}
	signed, err := s.wallet.SignTransaction(ctx, unsigned)
	if err != nil {
		return exec.SignedTx{}, err
	}
	return exec.SignedTx{Payload: signed, Ref: q.Ref}, nil
}

// Submit broadcasts the signed transaction and returns its signature.
func (s *Signer) Submit(ctx context.Context, tx exec.SignedTx) (string, error) {
	return s.wallet.SendRawTransaction(ctx, tx.Payload)
}
