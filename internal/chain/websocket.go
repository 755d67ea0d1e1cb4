package chain

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WSNotifier streams finality signals from an RPC websocket endpoint. It
// reconnects with backoff on transport failure; the event channel stays
// open across reconnects and closes only when the context ends.
type WSNotifier struct {
	url       string
	dialer    *websocket.Dialer
	events    chan FinalityEvent
	retryBase time.Duration
}

// wsFrame is the wire shape of one finality notification.
type wsFrame struct {
	Signature      string  `json:"signature"`
	Status         string  `json:"status"` // "finalized", "partial", "reverted"
	FilledFraction float64 `json:"filled_fraction"`
	Slot           int64   `json:"slot"`
}

// NewWSNotifier creates a notifier for the given websocket URL.
func NewWSNotifier(url string) *WSNotifier {
	return &WSNotifier{
		url:       url,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		events:    make(chan FinalityEvent, 64),
		retryBase: time.Second,
	}
}

func (n *WSNotifier) Events() <-chan FinalityEvent { return n.events }

// Run maintains the subscription until ctx ends, then closes the stream.
func (n *WSNotifier) Run(ctx context.Context) error {
	defer close(n.events)

	wait := n.retryBase
	for {
		if err := n.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Dur("retry_in", wait).Msg("finality stream dropped, reconnecting")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (n *WSNotifier) readLoop(ctx context.Context) error {
	conn, _, err := n.dialer.DialContext(ctx, n.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Str("url", n.url).Msg("finality stream connected")

	// Unblock the read on cancellation; done reaps the watcher when this
	// connection ends so reconnects don't accumulate goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		ev, ok := frame.toEvent()
		if !ok {
			log.Debug().Str("status", frame.Status).Str("signature", frame.Signature).
				Msg("dropping unrecognized finality frame")
			continue
		}
		select {
		case n.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f wsFrame) toEvent() (FinalityEvent, bool) {
	var outcome Outcome
	fraction := f.FilledFraction
	switch f.Status {
	case "finalized":
		outcome, fraction = OutcomeFilled, 1.0
	case "partial":
		outcome = OutcomePartiallyFilled
	case "reverted":
		outcome, fraction = OutcomeReverted, 0
	default:
		return FinalityEvent{}, false
	}
	return FinalityEvent{
		Handle:         f.Signature,
		Outcome:        outcome,
		FilledFraction: fraction,
		Slot:           f.Slot,
	}, true
}

// MarshalFrame is the inverse of the read path, used by test fixtures and
// the synthetic chain in dry-run mode.
func MarshalFrame(ev FinalityEvent) ([]byte, error) {
	status := "finalized"
	switch ev.Outcome {
	case OutcomePartiallyFilled:
		status = "partial"
	case OutcomeReverted:
		status = "reverted"
	}
	return json.Marshal(wsFrame{
		Signature:      ev.Handle,
		Status:         status,
		FilledFraction: ev.FilledFraction,
		Slot:           ev.Slot,
	})
}
