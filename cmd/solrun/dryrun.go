package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/solrun/internal/chain"
	"github.com/sawpanic/solrun/internal/exec"
	"github.com/sawpanic/solrun/internal/market"
)

// dryAggregator quotes against the live snapshot instead of a remote
// service: the route's out-leg price, haircut by the requested slippage.
type dryAggregator struct {
	view *market.View
	ttl  time.Duration
}

func (d *dryAggregator) GetQuote(_ context.Context, req exec.RouteRequest) (*exec.Quote, error) {
	if len(req.Legs) == 0 {
		return nil, fmt.Errorf("dry aggregator: %w", exec.ErrNoRoute)
	}
	snap := d.view.Current()
	out := req.Legs[len(req.Legs)-1]
	tick, ok := snap.Tick(out)
	if !ok {
		return nil, fmt.Errorf("dry aggregator: %s not in snapshot: %w", out, exec.ErrNoRoute)
	}

	ttl := d.ttl
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	proceeds := req.Size * tick.Price
	worst := proceeds * (1 - float64(req.SlippageBps)/1e4)
	return &exec.Quote{
		Ref:         uuid.NewString(),
		InAmount:    req.Size,
		OutAmount:   proceeds,
		WorstOut:    worst,
		SlippageBps: req.SlippageBps,
		Expiry:      time.Now().Add(ttl),
	}, nil
}

// dryWallet signs nothing and settles everything: each submission is
// reported filled through the stub notifier shortly after acceptance.
type dryWallet struct {
	notifier *chain.StubNotifier
}

func (d *dryWallet) BuildAndSign(_ context.Context, q *exec.Quote) (exec.SignedTx, error) {
	return exec.SignedTx{Payload: "dry:" + q.Ref, Ref: q.Ref}, nil
}

func (d *dryWallet) Submit(_ context.Context, tx exec.SignedTx) (string, error) {
	handle := "drytx-" + uuid.NewString()
	go func() {
		time.Sleep(300 * time.Millisecond)
		d.notifier.Publish(chain.FinalityEvent{
			Handle:         handle,
			Outcome:        chain.OutcomeFilled,
			FilledFraction: 1,
		})
	}()
	return handle, nil
}
