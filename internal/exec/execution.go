package exec

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/solrun/internal/ledger"
	"github.com/sawpanic/solrun/internal/scan"
)

// Execution is one attempt (with retries) to realize an opportunity. It is
// owned by the coordinator for its lifetime; once terminal it is written to
// the outcome ledger and becomes immutable history.
type Execution struct {
	ID       string
	Key      string
	Opp      scan.Opportunity
	Size     float64 // approved size, ≤ Opp.Size
	Notional float64

	mu             sync.Mutex
	state          State
	attempts       int // external call attempts (quotes + submissions)
	quoteRef       string
	handle         string
	outcome        ledger.Outcome
	filledFraction float64
	committed      bool // exposure reservation held
	createdAt      time.Time
	transitions    []Transition
}

func newExecution(opp scan.Opportunity, size float64) *Execution {
	notional := opp.Notional
	if opp.Size > 0 && size < opp.Size {
		notional = opp.Notional * size / opp.Size
	}
	return &Execution{
		ID:        uuid.NewString(),
		Key:       opp.Key,
		Opp:       opp,
		Size:      size,
		Notional:  notional,
		state:     StatePending,
		createdAt: time.Now(),
	}
}

// State returns the current lifecycle position.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Outcome returns the terminal outcome, empty until terminal.
func (e *Execution) Outcome() ledger.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome
}

// Attempts returns the number of external call attempts made.
func (e *Execution) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// Transitions returns a copy of the recorded transition history.
func (e *Execution) Transitions() []Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transition, len(e.transitions))
	copy(out, e.transitions)
	return out
}

func (e *Execution) record() ledger.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ledger.Record{
		ID:             e.ID,
		Key:            e.Key,
		Kind:           string(e.Opp.Kind),
		Outcome:        e.outcome,
		Size:           e.Size,
		Notional:       e.Notional,
		FilledFraction: e.filledFraction,
		Attempts:       e.attempts,
		QuoteRef:       e.quoteRef,
		TxRef:          e.handle,
		CreatedAt:      e.createdAt,
		ResolvedAt:     time.Now(),
	}
}
