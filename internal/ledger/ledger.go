package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Outcome is the terminal result of an execution.
type Outcome string

const (
	OutcomeFilled          Outcome = "filled"
	OutcomePartiallyFilled Outcome = "partially_filled"
	OutcomeReverted        Outcome = "reverted"
	OutcomeAbandoned       Outcome = "abandoned"
)

// Record is one immutable terminal entry. Corrections never mutate history;
// a late reconciliation is appended as a new record whose Supersedes field
// references the original execution ID.
type Record struct {
	ID             string    `json:"id" db:"id"`
	Key            string    `json:"key" db:"opportunity_key"`
	Kind           string    `json:"kind" db:"strategy_kind"`
	Outcome        Outcome   `json:"outcome" db:"outcome"`
	Size           float64   `json:"size" db:"size"`
	Notional       float64   `json:"notional" db:"notional"`
	FilledFraction float64   `json:"filled_fraction" db:"filled_fraction"`
	Attempts       int       `json:"attempts" db:"attempts"`
	QuoteRef       string    `json:"quote_ref" db:"quote_ref"`
	TxRef          string    `json:"tx_ref" db:"tx_ref"`
	Supersedes     string    `json:"supersedes,omitempty" db:"supersedes"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	ResolvedAt     time.Time `json:"resolved_at" db:"resolved_at"`
}

// Store persists records outside the process. Persistence is best-effort:
// a store failure is logged and never blocks recording.
type Store interface {
	Insert(ctx context.Context, rec Record) error
}

// ResolutionCache remembers recently resolved keys across restarts.
type ResolutionCache interface {
	MarkResolved(ctx context.Context, key string, ttl time.Duration) error
	WasResolved(ctx context.Context, key string) (bool, error)
}

// Ledger is the append-only outcome history. It feeds the scanner's
// cooldown suppression and the risk filter's re-submission guard.
type Ledger struct {
	mu           sync.RWMutex
	records      []Record
	byKey        map[string][]int
	lastResolved map[string]time.Time

	store Store           // optional
	cache ResolutionCache // optional
}

// New creates an in-memory ledger. store and cache may be nil.
func New(store Store, cache ResolutionCache) *Ledger {
	return &Ledger{
		byKey:        make(map[string][]int),
		lastResolved: make(map[string]time.Time),
		store:        store,
		cache:        cache,
	}
}

// Record appends one terminal entry. The in-memory append always succeeds;
// store and cache writes are best-effort.
func (l *Ledger) Record(ctx context.Context, rec Record) {
	if rec.ResolvedAt.IsZero() {
		rec.ResolvedAt = time.Now()
	}

	l.mu.Lock()
	idx := len(l.records)
	l.records = append(l.records, rec)
	l.byKey[rec.Key] = append(l.byKey[rec.Key], idx)
	if prev, ok := l.lastResolved[rec.Key]; !ok || rec.ResolvedAt.After(prev) {
		l.lastResolved[rec.Key] = rec.ResolvedAt
	}
	l.mu.Unlock()

	log.Info().Str("key", rec.Key).Str("outcome", string(rec.Outcome)).
		Str("execution", rec.ID).Int("attempts", rec.Attempts).
		Msg("terminal outcome recorded")

	if l.store != nil {
		if err := l.store.Insert(ctx, rec); err != nil {
			log.Warn().Err(err).Str("execution", rec.ID).Msg("outcome store insert failed")
		}
	}
	if l.cache != nil {
		if err := l.cache.MarkResolved(ctx, rec.Key, 24*time.Hour); err != nil {
			log.Warn().Err(err).Str("key", rec.Key).Msg("resolution cache write failed")
		}
	}
}

// Warm seeds the in-memory history from persisted records, typically the
// last day of outcomes at startup. Store and cache are not re-written.
func (l *Ledger) Warm(recs []Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, rec := range recs {
		idx := len(l.records)
		l.records = append(l.records, rec)
		l.byKey[rec.Key] = append(l.byKey[rec.Key], idx)
		if prev, ok := l.lastResolved[rec.Key]; !ok || rec.ResolvedAt.After(prev) {
			l.lastResolved[rec.Key] = rec.ResolvedAt
		}
	}
}

// RecentlyResolved reports whether key reached a terminal state within the
// window. Falls back to the cache when the key is not in process memory.
func (l *Ledger) RecentlyResolved(key string, within time.Duration) bool {
	l.mu.RLock()
	at, ok := l.lastResolved[key]
	l.mu.RUnlock()
	if ok {
		return time.Since(at) <= within
	}
	if l.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()
		hit, err := l.cache.WasResolved(ctx, key)
		if err != nil {
			log.Debug().Err(err).Str("key", key).Msg("resolution cache read failed")
			return false
		}
		return hit
	}
	return false
}

// History returns all records for a key, oldest first.
func (l *Ledger) History(key string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idxs := l.byKey[key]
	out := make([]Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, l.records[i])
	}
	return out
}

// Len returns the number of recorded outcomes.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
