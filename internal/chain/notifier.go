package chain

import (
	"sync"
)

// Outcome is the chain-level settlement result for one submission.
type Outcome string

const (
	OutcomeFilled          Outcome = "filled"
	OutcomePartiallyFilled Outcome = "partially_filled"
	OutcomeReverted        Outcome = "reverted"
)

// FinalityEvent reports the irreversible outcome of a submitted
// transaction. The notifier may deliver the same handle more than once;
// consumers must treat duplicates as no-ops.
type FinalityEvent struct {
	Handle         string  `json:"handle"` // submission handle (tx signature)
	Outcome        Outcome `json:"outcome"`
	FilledFraction float64 `json:"filled_fraction"` // 1.0 for full fills
	Slot           int64   `json:"slot,omitempty"`
}

// Notifier is a finality subscription. Events blocks until the stream is
// started; the channel closes when the notifier shuts down.
type Notifier interface {
	Events() <-chan FinalityEvent
}

// StubNotifier is a channel-backed notifier for tests and dry-run mode.
type StubNotifier struct {
	ch     chan FinalityEvent
	closed sync.Once
}

// NewStubNotifier creates a notifier with a buffered event stream.
func NewStubNotifier() *StubNotifier {
	return &StubNotifier{ch: make(chan FinalityEvent, 64)}
}

func (s *StubNotifier) Events() <-chan FinalityEvent { return s.ch }

// Publish injects one finality event. Safe to call with duplicate handles.
func (s *StubNotifier) Publish(ev FinalityEvent) {
	s.ch <- ev
}

// Close terminates the stream.
func (s *StubNotifier) Close() {
	s.closed.Do(func() { close(s.ch) })
}
