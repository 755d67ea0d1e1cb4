package scan

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/solrun/internal/market"
)

// Strategy evaluates one rule family against a frozen snapshot. Evaluate is
// pure: same snapshot, same candidates.
type Strategy interface {
	Kind() StrategyKind
	Evaluate(snap *market.Snapshot, keyBucket uint64) []Opportunity
}

// ResolutionChecker answers whether an opportunity key reached a terminal
// outcome within a window. Backed by the outcome ledger.
type ResolutionChecker interface {
	RecentlyResolved(key string, within time.Duration) bool
}

// Config holds scanner-level thresholds.
type Config struct {
	MinEdgeBps       float64 `yaml:"min_edge_bps"`       // drop candidates below this edge
	CooldownSecs     int     `yaml:"cooldown_secs"`      // suppress recently resolved keys
	KeyVersionBucket uint64  `yaml:"key_version_bucket"` // snapshot versions per key window
}

// Cooldown returns the resolved-key suppression window.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownSecs) * time.Second
}

// Scanner turns snapshots into a ranked, deduplicated set of opportunities.
// Each Scan call is a complete, independent pass; it holds no state between
// invocations beyond its rule set.
type Scanner struct {
	strategies []Strategy
	resolved   ResolutionChecker
	cfg        Config
}

// NewScanner builds a scanner over the given rule set. resolved may be nil
// (no cooldown suppression, used by one-shot dry scans).
func NewScanner(cfg Config, resolved ResolutionChecker, strategies ...Strategy) *Scanner {
	if cfg.KeyVersionBucket == 0 {
		cfg.KeyVersionBucket = 8
	}
	return &Scanner{strategies: strategies, resolved: resolved, cfg: cfg}
}

// Scan evaluates every strategy against the snapshot and returns surviving
// opportunities sorted by expected value, best first. Key collisions keep
// the higher expected value; ties keep the lower expected slippage.
func (s *Scanner) Scan(snap *market.Snapshot) []Opportunity {
	byKey := make(map[string]Opportunity)
	for _, strat := range s.strategies {
		for _, opp := range strat.Evaluate(snap, s.cfg.KeyVersionBucket) {
			if opp.EdgeBps < s.cfg.MinEdgeBps || opp.ExpectedValue <= 0 {
				continue
			}
			if s.resolved != nil && s.cfg.CooldownSecs > 0 &&
				s.resolved.RecentlyResolved(opp.Key, s.cfg.Cooldown()) {
				log.Debug().Str("key", opp.Key).Str("kind", string(opp.Kind)).
					Msg("opportunity suppressed by cooldown")
				continue
			}
			held, ok := byKey[opp.Key]
			if !ok || betterOf(opp, held) {
				byKey[opp.Key] = opp
			}
		}
	}

	out := make([]Opportunity, 0, len(byKey))
	for _, opp := range byKey {
		out = append(out, opp)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].ExpectedValue != out[b].ExpectedValue {
			return out[a].ExpectedValue > out[b].ExpectedValue
		}
		return out[a].SlippageBps < out[b].SlippageBps
	})
	return out
}

// betterOf reports whether a should replace b under the collision tie-break.
func betterOf(a, b Opportunity) bool {
	if a.ExpectedValue != b.ExpectedValue {
		return a.ExpectedValue > b.ExpectedValue
	}
	return a.SlippageBps < b.SlippageBps
}
