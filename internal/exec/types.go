package exec

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sawpanic/solrun/internal/market"
)

// Collaborator error taxonomy. Adapters wrap these sentinels so the
// coordinator can branch on failure class without knowing the transport.
var (
	// ErrNoRoute: the aggregator has no path for the requested legs.
	ErrNoRoute = errors.New("no route")
	// ErrServiceUnavailable: transient aggregator failure, retryable.
	ErrServiceUnavailable = errors.New("aggregator unavailable")
	// ErrAuthFailure: wallet rejected our credentials. Fatal for the key.
	ErrAuthFailure = errors.New("wallet auth failure")
	// ErrInvalidRoute: wallet refused to build the route.
	ErrInvalidRoute = errors.New("invalid route")
	// ErrNetwork: transient submission failure, retryable with backoff.
	ErrNetwork = errors.New("network error")

	// ErrDuplicateActive: a non-terminal execution already holds the key.
	ErrDuplicateActive = errors.New("duplicate active execution")
)

// RouteRequest describes the swap route to be quoted: legs in route order
// and the size of the first leg in base units.
type RouteRequest struct {
	Legs        []market.Instrument
	Size        float64
	SlippageBps int
}

// Quote is an aggregator response. OutAmount is the expected proceeds in
// quote currency; WorstOut is the slippage-bounded minimum the aggregator
// contractually honors, and is what edge re-validation uses.
type Quote struct {
	Ref         string          `json:"ref"`
	InAmount    float64         `json:"in_amount"`
	OutAmount   float64         `json:"out_amount"`
	WorstOut    float64         `json:"worst_out"`
	SlippageBps int             `json:"slippage_bps"`
	PriceImpact float64         `json:"price_impact"`
	Route       json.RawMessage `json:"route"`
	Expiry      time.Time       `json:"expiry"`
}

// Expired reports whether the quote can no longer be acted on.
func (q *Quote) Expired(now time.Time) bool {
	return !now.Before(q.Expiry)
}

// SignedTx is a wallet-signed transaction ready for submission.
type SignedTx struct {
	Payload string `json:"payload"` // base64 signed transaction
	Ref     string `json:"ref"`
}

// Aggregator obtains routes and quotes for a swap.
type Aggregator interface {
	GetQuote(ctx context.Context, req RouteRequest) (*Quote, error)
}

// Wallet builds, signs and submits transactions through the managed wallet
// service.
type Wallet interface {
	BuildAndSign(ctx context.Context, q *Quote) (SignedTx, error)
	Submit(ctx context.Context, tx SignedTx) (string, error) // returns submission handle
}

// TransitionSink observes state transitions for telemetry. Sink failures
// must never block the state machine; implementations are fire-and-forget.
type TransitionSink interface {
	ExecutionTransition(execID, key string, from, to State)
}
