package exec

import "time"

// State is the execution lifecycle position. Terminal states are absorbing:
// the first transition into any of them wins and later signals are
// discarded.
type State int

const (
	StatePending State = iota
	StateQuoted
	StateSubmitted
	StateConfirming
	StateFilled
	StatePartiallyFilled
	StateReverted
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateQuoted:
		return "quoted"
	case StateSubmitted:
		return "submitted"
	case StateConfirming:
		return "confirming"
	case StateFilled:
		return "filled"
	case StatePartiallyFilled:
		return "partially_filled"
	case StateReverted:
		return "reverted"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is an absorbing outcome state.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StatePartiallyFilled, StateReverted, StateAbandoned:
		return true
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}
