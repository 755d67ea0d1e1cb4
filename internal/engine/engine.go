package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/solrun/internal/exec"
	"github.com/sawpanic/solrun/internal/exposure"
	"github.com/sawpanic/solrun/internal/market"
	"github.com/sawpanic/solrun/internal/risk"
	"github.com/sawpanic/solrun/internal/scan"
	"github.com/sawpanic/solrun/internal/telemetry"
)

// Engine drives the evaluation loop: snapshot → scan → risk gate → spawn
// one coordinator execution per approved key. Cycles never block ingestion;
// executions for distinct keys run concurrently.
type Engine struct {
	view     *market.View
	scanner  *scan.Scanner
	filter   *risk.Filter
	coord    *exec.Coordinator
	exposure *exposure.Ledger
	metrics  *telemetry.Metrics // optional
	interval time.Duration

	wg sync.WaitGroup

	mu        sync.Mutex
	lastCycle time.Time
	lastOpps  int
	started   time.Time
}

// New wires an engine. metrics may be nil.
func New(view *market.View, scanner *scan.Scanner, filter *risk.Filter,
	coord *exec.Coordinator, exp *exposure.Ledger, metrics *telemetry.Metrics,
	interval time.Duration) *Engine {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Engine{
		view:     view,
		scanner:  scanner,
		filter:   filter,
		coord:    coord,
		exposure: exp,
		metrics:  metrics,
		interval: interval,
	}
}

// Run executes evaluation cycles until ctx ends, then waits for in-flight
// executions to reach terminal states.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.started = time.Now()
	e.mu.Unlock()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("engine stopping, waiting for in-flight executions")
			e.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			e.Cycle(ctx)
		}
	}
}

// Cycle runs one complete evaluation pass against the current snapshot.
func (e *Engine) Cycle(ctx context.Context) {
	snap := e.view.Current()
	if snap.Len() == 0 {
		return
	}

	start := time.Now()
	opps := e.scanner.Scan(snap)
	if e.metrics != nil {
		e.metrics.ScanDuration.Observe(time.Since(start).Seconds())
		e.metrics.Opportunities.Add(float64(len(opps)))
		e.metrics.ExposureAtRisk.Set(e.exposure.AtRisk())
	}

	e.mu.Lock()
	e.lastCycle = start
	e.lastOpps = len(opps)
	e.mu.Unlock()

	current := e.view.Current().Version
	for _, opp := range opps {
		verdict := e.filter.Approve(opp, current, e.exposure, e.coord)
		if !verdict.Approved {
			if e.metrics != nil {
				e.metrics.Rejections.WithLabelValues(string(verdict.Reason)).Inc()
			}
			log.Debug().Str("key", opp.Key).Str("reason", string(verdict.Reason)).
				Str("detail", verdict.Detail).Msg("opportunity rejected")
			continue
		}
		e.launch(ctx, opp, verdict.Size)
	}
}

func (e *Engine) launch(ctx context.Context, opp scan.Opportunity, size float64) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ex, err := e.coord.Execute(ctx, opp, size)
		if err != nil {
			if errors.Is(err, exec.ErrDuplicateActive) {
				// Lost the race to a concurrent cycle; the risk gate
				// rejects the key on the next pass.
				log.Debug().Str("key", opp.Key).Msg("execution slot already held")
				return
			}
			log.Error().Err(err).Str("key", opp.Key).Msg("execution halted with fatal error")
			return
		}
		log.Info().Str("key", opp.Key).Str("outcome", string(ex.Outcome())).
			Msg("execution resolved")
	}()
}

// Status is the /status payload.
type Status struct {
	Uptime           string  `json:"uptime"`
	SnapshotVersion  uint64  `json:"snapshot_version"`
	TrackedPairs     int     `json:"tracked_pairs"`
	LastCycle        string  `json:"last_cycle"`
	LastCycleOpps    int     `json:"last_cycle_opportunities"`
	ActiveExecutions int     `json:"active_executions"`
	ExposureAtRisk   float64 `json:"exposure_at_risk"`
	ExposureCeiling  float64 `json:"exposure_ceiling"`
}

// Status reports current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	lastCycle, lastOpps, started := e.lastCycle, e.lastOpps, e.started
	e.mu.Unlock()

	snap := e.view.Current()
	return Status{
		Uptime:           time.Since(started).Round(time.Second).String(),
		SnapshotVersion:  snap.Version,
		TrackedPairs:     snap.Len(),
		LastCycle:        lastCycle.Format(time.RFC3339),
		LastCycleOpps:    lastOpps,
		ActiveExecutions: e.coord.ActiveCount(),
		ExposureAtRisk:   e.exposure.AtRisk(),
		ExposureCeiling:  e.exposure.Ceiling(),
	}
}
