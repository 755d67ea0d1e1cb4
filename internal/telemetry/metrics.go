package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sawpanic/solrun/internal/exec"
)

// Metrics holds all Prometheus instruments for the agent.
type Metrics struct {
	Opportunities  prometheus.Counter
	Rejections     *prometheus.CounterVec
	Transitions    *prometheus.CounterVec
	Outcomes       *prometheus.CounterVec
	ExposureAtRisk prometheus.Gauge
	ScanDuration   prometheus.Histogram
}

// NewMetrics registers all agent metrics against the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Opportunities: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "solrun_opportunities_total",
			Help: "Opportunities emitted by the scanner after dedup and cooldown",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solrun_risk_rejections_total",
			Help: "Opportunities rejected by the risk filter",
		}, []string{"reason"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solrun_execution_transitions_total",
			Help: "Execution state machine transitions",
		}, []string{"from", "to"}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "solrun_execution_outcomes_total",
			Help: "Terminal execution outcomes",
		}, []string{"outcome"}),
		ExposureAtRisk: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "solrun_exposure_at_risk",
			Help: "Capital currently committed to non-terminal executions",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "solrun_scan_duration_seconds",
			Help:    "Duration of one scan pass over a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
	}
	reg.MustRegister(m.Opportunities, m.Rejections, m.Transitions, m.Outcomes,
		m.ExposureAtRisk, m.ScanDuration)
	return m
}

// ExecutionTransition satisfies the coordinator's sink contract.
func (m *Metrics) ExecutionTransition(execID, key string, from, to exec.State) {
	m.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	if to.Terminal() {
		m.Outcomes.WithLabelValues(to.String()).Inc()
	}
}
