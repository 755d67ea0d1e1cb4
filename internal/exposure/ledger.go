package exposure

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sawpanic/solrun/internal/market"
)

// ErrCeilingExceeded is returned by Commit when the reservation would push
// total at-risk capital over the configured ceiling.
var ErrCeilingExceeded = errors.New("capital ceiling exceeded")

// Ledger tracks committed capital per instrument and per opportunity key.
// All mutation funnels through Commit and Release; there are no other
// write paths. The coordinator calls Commit exactly once when capital goes
// at risk and Release exactly once on terminal resolution; Release is
// nevertheless idempotent per key so a duplicate terminal signal cannot
// double-free a reservation.
type Ledger struct {
	mu           sync.Mutex
	ceiling      float64
	byInstrument map[market.Instrument]float64
	byKey        map[string]reservation
}

type reservation struct {
	inst   market.Instrument
	amount float64
}

// NewLedger creates a ledger with the given capital ceiling (quote
// currency).
func NewLedger(ceiling float64) *Ledger {
	return &Ledger{
		ceiling:      ceiling,
		byInstrument: make(map[market.Instrument]float64),
		byKey:        make(map[string]reservation),
	}
}

// Commit reserves amount against the ceiling for the given key. A second
// commit for a live key is a programming error and is rejected.
func (l *Ledger) Commit(key string, inst market.Instrument, amount float64) error {
	if amount <= 0 {
		return fmt.Errorf("commit %s: non-positive amount %f", key, amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.byKey[key]; exists {
		return fmt.Errorf("commit %s: reservation already held", key)
	}
	if l.atRiskLocked()+amount > l.ceiling {
		return fmt.Errorf("commit %s for %f: %w (at risk %f, ceiling %f)",
			key, amount, ErrCeilingExceeded, l.atRiskLocked(), l.ceiling)
	}
	l.byKey[key] = reservation{inst: inst, amount: amount}
	l.byInstrument[inst] += amount
	return nil
}

// Release frees the reservation held by key. Returns the freed amount and
// whether a reservation was actually held; releasing an unknown key is a
// no-op.
func (l *Ledger) Release(key string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.byKey[key]
	if !ok {
		return 0, false
	}
	delete(l.byKey, key)
	l.byInstrument[res.inst] -= res.amount
	if l.byInstrument[res.inst] <= 0 {
		delete(l.byInstrument, res.inst)
	}
	return res.amount, true
}

// AtRisk returns total committed capital.
func (l *Ledger) AtRisk() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.atRiskLocked()
}

// Ceiling returns the configured capital ceiling.
func (l *Ledger) Ceiling() float64 { return l.ceiling }

// Headroom returns remaining uncommitted capacity.
func (l *Ledger) Headroom() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.ceiling - l.atRiskLocked()
	if h < 0 {
		return 0
	}
	return h
}

// Snapshot returns committed capital per instrument.
func (l *Ledger) Snapshot() map[market.Instrument]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[market.Instrument]float64, len(l.byInstrument))
	for k, v := range l.byInstrument {
		out[k] = v
	}
	return out
}

func (l *Ledger) atRiskLocked() float64 {
	var sum float64
	for _, res := range l.byKey {
		sum += res.amount
	}
	return sum
}
