package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrStaleUpdate is returned when an ingestion update carries a timestamp at
// or before the last recorded update for the same instrument. Stale updates
// are dropped, never applied.
var ErrStaleUpdate = errors.New("stale market update")

// Instrument identifies a tradable pair on a specific venue. Immutable.
type Instrument struct {
	Base  string `json:"base" yaml:"base"`
	Quote string `json:"quote" yaml:"quote"`
	Venue string `json:"venue" yaml:"venue"`
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s/%s@%s", i.Base, i.Quote, i.Venue)
}

// Pair returns the venue-independent symbol pair, used to match legs of the
// same market across venues.
func (i Instrument) Pair() string {
	return i.Base + "/" + i.Quote
}

// Tick is the per-instrument market state carried by a snapshot.
type Tick struct {
	Price     float64   `json:"price"`
	Liquidity float64   `json:"liquidity"` // available depth in base units
	YieldAPR  float64   `json:"yield_apr"` // pool APR, 0 for plain pairs
	Updated   time.Time `json:"updated"`
}

// Snapshot is an immutable, point-in-time view of all tracked instruments.
// Snapshots are published atomically and never mutated after publication;
// no tick inside a snapshot is newer than the snapshot's own publish time.
type Snapshot struct {
	Version   uint64    `json:"version"`
	Published time.Time `json:"published"`
	ticks     map[Instrument]Tick
}

// Tick returns the state for one instrument.
func (s *Snapshot) Tick(inst Instrument) (Tick, bool) {
	t, ok := s.ticks[inst]
	return t, ok
}

// Instruments returns the tracked instruments in deterministic order.
func (s *Snapshot) Instruments() []Instrument {
	out := make([]Instrument, 0, len(s.ticks))
	for inst := range s.ticks {
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].String() < out[b].String() })
	return out
}

// Len returns the number of tracked instruments.
func (s *Snapshot) Len() int { return len(s.ticks) }

// View owns the current market snapshot. Writers funnel through
// IngestUpdate; readers take Current and operate on a frozen snapshot,
// so long evaluation passes never block ingestion.
type View struct {
	mu      sync.Mutex // serializes writers only
	current atomic.Pointer[Snapshot]
	last    map[Instrument]time.Time // last accepted update per instrument
}

// NewView creates an empty view at version zero.
func NewView() *View {
	v := &View{last: make(map[Instrument]time.Time)}
	v.current.Store(&Snapshot{ticks: map[Instrument]Tick{}})
	return v
}

// IngestUpdate validates and applies one feed update, publishing a new
// snapshot. Returns ErrStaleUpdate (wrapped) when the timestamp does not
// advance for the instrument; the version counter only moves on accepted
// updates.
func (v *View) IngestUpdate(inst Instrument, price, liquidity, apr float64, ts time.Time) error {
	if price <= 0 || liquidity < 0 {
		return fmt.Errorf("invalid update for %s: price=%f liquidity=%f", inst, price, liquidity)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if prev, ok := v.last[inst]; ok && !ts.After(prev) {
		return fmt.Errorf("%s: %w (ts=%s last=%s)", inst, ErrStaleUpdate,
			ts.Format(time.RFC3339Nano), prev.Format(time.RFC3339Nano))
	}

	old := v.current.Load()
	next := &Snapshot{
		Version:   old.Version + 1,
		Published: time.Now(),
		ticks:     make(map[Instrument]Tick, len(old.ticks)+1),
	}
	for k, t := range old.ticks {
		next.ticks[k] = t
	}
	next.ticks[inst] = Tick{Price: price, Liquidity: liquidity, YieldAPR: apr, Updated: ts}

	v.last[inst] = ts
	v.current.Store(next)

	log.Debug().Str("instrument", inst.String()).Uint64("version", next.Version).
		Float64("price", price).Msg("market snapshot published")
	return nil
}

// Current returns the latest published snapshot. Never nil.
func (v *View) Current() *Snapshot {
	return v.current.Load()
}
