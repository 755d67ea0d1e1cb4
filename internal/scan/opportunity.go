package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sawpanic/solrun/internal/market"
)

// StrategyKind labels the rule family that produced an opportunity.
type StrategyKind string

const (
	KindCrossVenueArb  StrategyKind = "cross_venue_arb"
	KindYieldRebalance StrategyKind = "yield_rebalance"
)

// Opportunity is a scored candidate action tied to a market condition
// window. Immutable once emitted.
type Opportunity struct {
	Key             string              `json:"key"`
	Kind            StrategyKind        `json:"kind"`
	Legs            []market.Instrument `json:"legs"`           // route order: first leg in, last leg out
	Size            float64             `json:"size"`           // base units
	Notional        float64             `json:"notional"`       // quote-currency value at stake
	ExpectedValue   float64             `json:"expected_value"` // quote currency, net of fees+slippage
	EdgeBps         float64             `json:"edge_bps"`       // ExpectedValue / Notional in bps
	SlippageBps     float64             `json:"slippage_bps"`   // expected slippage bound
	MultiLeg        bool                `json:"multi_leg"`      // legs fill independently
	SnapshotVersion uint64              `json:"snapshot_version"`
	CreatedAt       time.Time           `json:"created_at"`
}

// opportunityKey derives the deduplication key. It hashes the legs, the
// strategy kind and a bucketed snapshot version so that logically identical
// opportunities from the same market condition window collide.
func opportunityKey(kind StrategyKind, legs []market.Instrument, version, bucket uint64) string {
	if bucket == 0 {
		bucket = 1
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", kind, version/bucket)
	for _, leg := range legs {
		fmt.Fprintf(h, "|%s", leg)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
