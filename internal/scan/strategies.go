package scan

import (
	"time"

	"github.com/sawpanic/solrun/internal/market"
)

// CrossVenueArbConfig tunes the two-venue divergence rule.
type CrossVenueArbConfig struct {
	FeeBps       float64 `yaml:"fee_bps"`        // per leg, taker
	SlippageBps  float64 `yaml:"slippage_bps"`   // expected bound per route
	MaxTradeSize float64 `yaml:"max_trade_size"` // base units cap per opportunity
}

// CrossVenueArb detects the same pair priced apart on two venues: buy the
// cheap leg, sell the dear leg. Size is bound by the thinner leg's
// liquidity, the binding constraint being the minimum of the two.
type CrossVenueArb struct {
	cfg CrossVenueArbConfig
}

func NewCrossVenueArb(cfg CrossVenueArbConfig) *CrossVenueArb {
	return &CrossVenueArb{cfg: cfg}
}

func (c *CrossVenueArb) Kind() StrategyKind { return KindCrossVenueArb }

func (c *CrossVenueArb) Evaluate(snap *market.Snapshot, keyBucket uint64) []Opportunity {
	byPair := make(map[string][]market.Instrument)
	for _, inst := range snap.Instruments() {
		byPair[inst.Pair()] = append(byPair[inst.Pair()], inst)
	}

	var out []Opportunity
	now := time.Now()
	for _, legs := range byPair {
		if len(legs) < 2 {
			continue
		}
		for a := 0; a < len(legs); a++ {
			for b := a + 1; b < len(legs); b++ {
				if opp, ok := c.evaluatePair(snap, legs[a], legs[b], keyBucket, now); ok {
					out = append(out, opp)
				}
			}
		}
	}
	return out
}

func (c *CrossVenueArb) evaluatePair(snap *market.Snapshot, x, y market.Instrument, keyBucket uint64, now time.Time) (Opportunity, bool) {
	tx, okx := snap.Tick(x)
	ty, oky := snap.Tick(y)
	if !okx || !oky {
		return Opportunity{}, false
	}

	buy, sell := x, y
	buyTick, sellTick := tx, ty
	if ty.Price < tx.Price {
		buy, sell = y, x
		buyTick, sellTick = ty, tx
	}
	if sellTick.Price <= buyTick.Price {
		return Opportunity{}, false
	}

	size := min3(buyTick.Liquidity, sellTick.Liquidity, c.cfg.MaxTradeSize)
	if size <= 0 {
		return Opportunity{}, false
	}

	gross := (sellTick.Price - buyTick.Price) * size
	notional := buyTick.Price * size
	fees := (c.cfg.FeeBps / 1e4) * size * (buyTick.Price + sellTick.Price)
	slip := (c.cfg.SlippageBps / 1e4) * size * sellTick.Price
	ev := gross - fees - slip
	if ev <= 0 || notional <= 0 {
		return Opportunity{}, false
	}

	legs := []market.Instrument{buy, sell}
	return Opportunity{
		Key:             opportunityKey(KindCrossVenueArb, legs, snap.Version, keyBucket),
		Kind:            KindCrossVenueArb,
		Legs:            legs,
		Size:            size,
		Notional:        notional,
		ExpectedValue:   ev,
		EdgeBps:         ev / notional * 1e4,
		SlippageBps:     c.cfg.SlippageBps,
		MultiLeg:        true, // each venue leg fills independently
		SnapshotVersion: snap.Version,
		CreatedAt:       now,
	}, true
}

// YieldRebalanceConfig tunes the pool-rotation rule.
type YieldRebalanceConfig struct {
	MinAPRDiff   float64 `yaml:"min_apr_diff"`   // fractional, e.g. 0.02 = 2 points
	HorizonHours float64 `yaml:"horizon_hours"`  // holding period the uplift is valued over
	SwapCostBps  float64 `yaml:"swap_cost_bps"`  // round-trip cost of moving the position
	MaxTradeSize float64 `yaml:"max_trade_size"` // base units
}

// YieldRebalance rotates capital from a low-APR pool into a higher-APR pool
// of the same pair when the projected uplift over the horizon beats the
// round-trip swap cost. Single swap, so single-leg for outcome purposes.
type YieldRebalance struct {
	cfg YieldRebalanceConfig
}

func NewYieldRebalance(cfg YieldRebalanceConfig) *YieldRebalance {
	if cfg.HorizonHours <= 0 {
		cfg.HorizonHours = 24
	}
	return &YieldRebalance{cfg: cfg}
}

func (y *YieldRebalance) Kind() StrategyKind { return KindYieldRebalance }

func (y *YieldRebalance) Evaluate(snap *market.Snapshot, keyBucket uint64) []Opportunity {
	byPair := make(map[string][]market.Instrument)
	for _, inst := range snap.Instruments() {
		if t, ok := snap.Tick(inst); ok && t.YieldAPR > 0 {
			byPair[inst.Pair()] = append(byPair[inst.Pair()], inst)
		}
	}

	var out []Opportunity
	now := time.Now()
	for _, pools := range byPair {
		if len(pools) < 2 {
			continue
		}
		lo, hi := pools[0], pools[0]
		loTick, _ := snap.Tick(lo)
		hiTick := loTick
		for _, p := range pools[1:] {
			t, _ := snap.Tick(p)
			if t.YieldAPR < loTick.YieldAPR {
				lo, loTick = p, t
			}
			if t.YieldAPR > hiTick.YieldAPR {
				hi, hiTick = p, t
			}
		}
		diff := hiTick.YieldAPR - loTick.YieldAPR
		if diff < y.cfg.MinAPRDiff {
			continue
		}

		size := min3(loTick.Liquidity, hiTick.Liquidity, y.cfg.MaxTradeSize)
		if size <= 0 {
			continue
		}
		notional := loTick.Price * size
		uplift := notional * diff * y.cfg.HorizonHours / (365 * 24)
		cost := notional * y.cfg.SwapCostBps / 1e4
		ev := uplift - cost
		if ev <= 0 {
			continue
		}

		legs := []market.Instrument{lo, hi}
		out = append(out, Opportunity{
			Key:             opportunityKey(KindYieldRebalance, legs, snap.Version, keyBucket),
			Kind:            KindYieldRebalance,
			Legs:            legs,
			Size:            size,
			Notional:        notional,
			ExpectedValue:   ev,
			EdgeBps:         ev / notional * 1e4,
			SlippageBps:     y.cfg.SwapCostBps,
			MultiLeg:        false,
			SnapshotVersion: snap.Version,
			CreatedAt:       now,
		})
	}
	return out
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
