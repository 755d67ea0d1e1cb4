package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id, key string, outcome Outcome) Record {
	return Record{
		ID:         id,
		Key:        key,
		Kind:       "cross_venue_arb",
		Outcome:    outcome,
		Size:       10,
		Notional:   1000,
		Attempts:   1,
		CreatedAt:  time.Now().Add(-time.Second),
		ResolvedAt: time.Now(),
	}
}

func TestLedger_AppendOnly(t *testing.T) {
	l := New(nil, nil)
	ctx := context.Background()

	l.Record(ctx, testRecord("e1", "k1", OutcomeFilled))
	l.Record(ctx, testRecord("e2", "k1", OutcomeAbandoned))
	l.Record(ctx, testRecord("e3", "k2", OutcomeReverted))

	assert.Equal(t, 3, l.Len())

	hist := l.History("k1")
	require.Len(t, hist, 2)
	// Oldest first; earlier entries are never rewritten.
	assert.Equal(t, "e1", hist[0].ID)
	assert.Equal(t, OutcomeFilled, hist[0].Outcome)
	assert.Equal(t, "e2", hist[1].ID)

	assert.Empty(t, l.History("unknown"))
}

func TestLedger_RecentlyResolved(t *testing.T) {
	l := New(nil, nil)
	l.Record(context.Background(), testRecord("e1", "k1", OutcomeFilled))

	assert.True(t, l.RecentlyResolved("k1", time.Minute))
	assert.False(t, l.RecentlyResolved("k2", time.Minute))

	old := testRecord("e2", "k3", OutcomeFilled)
	old.ResolvedAt = time.Now().Add(-time.Hour)
	l.Record(context.Background(), old)
	assert.False(t, l.RecentlyResolved("k3", time.Minute))
	assert.True(t, l.RecentlyResolved("k3", 2*time.Hour))
}

func TestLedger_ZeroResolvedAtDefaulted(t *testing.T) {
	l := New(nil, nil)
	rec := testRecord("e1", "k1", OutcomeFilled)
	rec.ResolvedAt = time.Time{}
	l.Record(context.Background(), rec)

	assert.False(t, l.History("k1")[0].ResolvedAt.IsZero())
	assert.True(t, l.RecentlyResolved("k1", time.Minute))
}

type failingStore struct{ calls int }

func (s *failingStore) Insert(context.Context, Record) error {
	s.calls++
	return errors.New("connection refused")
}

type memCache struct {
	marked map[string]bool
	err    error
}

func (c *memCache) MarkResolved(_ context.Context, key string, _ time.Duration) error {
	if c.err != nil {
		return c.err
	}
	if c.marked == nil {
		c.marked = make(map[string]bool)
	}
	c.marked[key] = true
	return nil
}

func (c *memCache) WasResolved(_ context.Context, key string) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	return c.marked[key], nil
}

func TestLedger_StoreFailureIsBestEffort(t *testing.T) {
	store := &failingStore{}
	l := New(store, nil)

	l.Record(context.Background(), testRecord("e1", "k1", OutcomeFilled))

	// The in-memory append survives the store failure.
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, 1, l.Len())
	assert.True(t, l.RecentlyResolved("k1", time.Minute))
}

func TestLedger_CacheFallbackForUnknownKeys(t *testing.T) {
	cache := &memCache{marked: map[string]bool{"warm": true}}
	l := New(nil, cache)

	// Not in process memory, but the cache remembers across restarts.
	assert.True(t, l.RecentlyResolved("warm", time.Minute))
	assert.False(t, l.RecentlyResolved("cold", time.Minute))

	// Recording marks the cache too.
	l.Record(context.Background(), testRecord("e1", "k1", OutcomeFilled))
	assert.True(t, cache.marked["k1"])
}

func TestLedger_WarmSeedsHistory(t *testing.T) {
	l := New(nil, nil)
	l.Warm([]Record{
		testRecord("e1", "k1", OutcomeFilled),
		testRecord("e2", "k2", OutcomeAbandoned),
	})

	assert.Equal(t, 2, l.Len())
	assert.True(t, l.RecentlyResolved("k1", time.Minute), "warmed keys feed the cooldown")
	require.Len(t, l.History("k2"), 1)
	assert.Equal(t, OutcomeAbandoned, l.History("k2")[0].Outcome)
}

func TestLedger_CacheErrorReadsAsUnresolved(t *testing.T) {
	l := New(nil, &memCache{err: errors.New("redis down")})
	assert.False(t, l.RecentlyResolved("k1", time.Minute))
}
