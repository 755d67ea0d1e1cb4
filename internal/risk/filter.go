package risk

import (
	"fmt"

	"github.com/sawpanic/solrun/internal/scan"
)

// Reason is a typed rejection cause.
type Reason string

const (
	ReasonExposureCeiling  Reason = "exposure_ceiling_exceeded"
	ReasonSnapshotTooStale Reason = "snapshot_too_stale"
	ReasonDuplicateActive  Reason = "duplicate_active"
)

// ExposureView is the read-only slice of exposure state the filter needs.
type ExposureView interface {
	AtRisk() float64
	Ceiling() float64
}

// ActiveSet reports whether a non-terminal execution holds a key. Backed by
// the execution coordinator's registry.
type ActiveSet interface {
	Active(key string) bool
}

// Verdict is the outcome of one approval decision.
type Verdict struct {
	Approved bool    `json:"approved"`
	Size     float64 `json:"size"` // approved size, ≤ requested
	Reason   Reason  `json:"reason,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// Config holds the filter's gates.
type Config struct {
	MaxVersionLag uint64 `yaml:"max_version_lag"` // snapshot versions behind current
}

// Filter applies position-sizing, exposure and staleness gates. Approve is
// a pure decision over its inputs; it never mutates exposure. The
// coordinator commits capital itself on transition, so filtering and
// committing cannot double-count.
type Filter struct {
	cfg Config
}

func NewFilter(cfg Config) *Filter {
	return &Filter{cfg: cfg}
}

// Approve gates one opportunity. It may down-size to fit capital headroom;
// it never up-sizes.
func (f *Filter) Approve(opp scan.Opportunity, currentVersion uint64, exp ExposureView, active ActiveSet) Verdict {
	if active != nil && active.Active(opp.Key) {
		return Verdict{Reason: ReasonDuplicateActive,
			Detail: fmt.Sprintf("execution for key %s is non-terminal", opp.Key)}
	}

	if currentVersion > opp.SnapshotVersion &&
		currentVersion-opp.SnapshotVersion > f.cfg.MaxVersionLag {
		return Verdict{Reason: ReasonSnapshotTooStale,
			Detail: fmt.Sprintf("snapshot v%d lags current v%d beyond %d",
				opp.SnapshotVersion, currentVersion, f.cfg.MaxVersionLag)}
	}

	headroom := exp.Ceiling() - exp.AtRisk()
	if headroom <= 0 {
		return Verdict{Reason: ReasonExposureCeiling,
			Detail: fmt.Sprintf("at risk %.2f of ceiling %.2f", exp.AtRisk(), exp.Ceiling())}
	}

	size := opp.Size
	if opp.Notional > headroom {
		// Down-size proportionally to remaining headroom.
		size = opp.Size * headroom / opp.Notional
	}
	if size <= 0 {
		return Verdict{Reason: ReasonExposureCeiling,
			Detail: "headroom too small for a viable position"}
	}
	return Verdict{Approved: true, Size: size}
}
