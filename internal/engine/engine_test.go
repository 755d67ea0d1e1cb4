package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/solrun/internal/chain"
	"github.com/sawpanic/solrun/internal/exec"
	"github.com/sawpanic/solrun/internal/exposure"
	"github.com/sawpanic/solrun/internal/ledger"
	"github.com/sawpanic/solrun/internal/market"
	"github.com/sawpanic/solrun/internal/risk"
	"github.com/sawpanic/solrun/internal/scan"
	"github.com/sawpanic/solrun/internal/telemetry"
)

type fillAggregator struct{}

func (fillAggregator) GetQuote(_ context.Context, req exec.RouteRequest) (*exec.Quote, error) {
	return &exec.Quote{
		Ref:      "q1",
		InAmount: req.Size,
		WorstOut: req.Size * 200, // comfortably above any tested notional
		Expiry:   time.Now().Add(10 * time.Second),
	}, nil
}

type fillWallet struct{ notifier *chain.StubNotifier }

func (fillWallet) BuildAndSign(_ context.Context, q *exec.Quote) (exec.SignedTx, error) {
	return exec.SignedTx{Payload: "signed", Ref: q.Ref}, nil
}

func (w fillWallet) Submit(_ context.Context, tx exec.SignedTx) (string, error) {
	handle := "tx-" + tx.Ref
	w.notifier.Publish(chain.FinalityEvent{
		Handle: handle, Outcome: chain.OutcomeFilled, FilledFraction: 1,
	})
	return handle, nil
}

type harness struct {
	view     *market.View
	exposure *exposure.Ledger
	outcomes *ledger.Ledger
	metrics  *telemetry.Metrics
	engine   *Engine
}

func newHarness(t *testing.T, scannerCfg scan.Config) *harness {
	t.Helper()
	h := &harness{
		view:     market.NewView(),
		exposure: exposure.NewLedger(1e6),
		outcomes: ledger.New(nil, nil),
		metrics:  telemetry.NewMetrics(prometheus.NewRegistry()),
	}

	notifier := chain.NewStubNotifier()
	coord := exec.New(exec.Config{DeadlineSecs: 5}, fillAggregator{},
		fillWallet{notifier: notifier}, notifier, h.exposure, h.outcomes, h.metrics)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = coord.Run(ctx) }()

	scanner := scan.NewScanner(scannerCfg, h.outcomes,
		scan.NewCrossVenueArb(scan.CrossVenueArbConfig{MaxTradeSize: 50}))
	filter := risk.NewFilter(risk.Config{MaxVersionLag: 16})
	h.engine = New(h.view, scanner, filter, coord, h.exposure, h.metrics, time.Second)
	return h
}

func (h *harness) ingestDivergence(t *testing.T, at time.Time) {
	t.Helper()
	require.NoError(t, h.view.IngestUpdate(
		market.Instrument{Base: "SOL", Quote: "USDC", Venue: "raydium"}, 100, 500, 0, at))
	require.NoError(t, h.view.IngestUpdate(
		market.Instrument{Base: "SOL", Quote: "USDC", Venue: "orca"}, 103, 300, 0, at.Add(time.Millisecond)))
}

func TestEngine_CycleDrivesOpportunityToFill(t *testing.T) {
	h := newHarness(t, scan.Config{})
	h.ingestDivergence(t, time.Now())

	h.engine.Cycle(context.Background())

	require.Eventually(t, func() bool { return h.outcomes.Len() == 1 },
		2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0.0, h.exposure.AtRisk(), "capital released after fill")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Opportunities))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Outcomes.WithLabelValues("filled")))
}

func TestEngine_CooldownPreventsImmediateReplay(t *testing.T) {
	h := newHarness(t, scan.Config{CooldownSecs: 60})
	h.ingestDivergence(t, time.Now())

	h.engine.Cycle(context.Background())
	require.Eventually(t, func() bool { return h.outcomes.Len() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The same divergence in the same key window is suppressed while cooling.
	h.engine.Cycle(context.Background())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.outcomes.Len())
}

func TestEngine_EmptySnapshotIsNoOp(t *testing.T) {
	h := newHarness(t, scan.Config{})
	h.engine.Cycle(context.Background())

	assert.Equal(t, 0, h.outcomes.Len())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.Opportunities))
}

func TestEngine_Status(t *testing.T) {
	h := newHarness(t, scan.Config{})
	h.ingestDivergence(t, time.Now())

	h.engine.Cycle(context.Background())
	require.Eventually(t, func() bool { return h.outcomes.Len() == 1 },
		2*time.Second, 5*time.Millisecond)

	st := h.engine.Status()
	assert.Equal(t, uint64(2), st.SnapshotVersion)
	assert.Equal(t, 2, st.TrackedPairs)
	assert.Equal(t, 1, st.LastCycleOpps)
	assert.Equal(t, 1e6, st.ExposureCeiling)
}
