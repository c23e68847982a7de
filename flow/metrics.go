package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for engine activity, namespaced
// "sageflow". All methods are nil-safe so the engine can run without
// metrics configured.
type Metrics struct {
	executions   *prometheus.CounterVec
	nodeRuns     *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec
	activePauses prometheus.Gauge
	resumes      *prometheus.CounterVec
	timeouts     *prometheus.CounterVec
}

// NewMetrics registers the engine metrics with the given registerer
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sageflow",
			Name:      "executions_total",
			Help:      "Workflow executions by terminal status.",
		}, []string{"status"}),
		nodeRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sageflow",
			Name:      "node_runs_total",
			Help:      "Node runs by node type and final status.",
		}, []string{"type", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sageflow",
			Name:      "node_duration_seconds",
			Help:      "Node run wall time by node type.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60},
		}, []string{"type"}),
		activePauses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sageflow",
			Name:      "active_pauses",
			Help:      "Open pause records.",
		}),
		resumes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sageflow",
			Name:      "resumes_total",
			Help:      "Resume attempts by response classification.",
		}, []string{"classification"}),
		timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sageflow",
			Name:      "pause_timeouts_total",
			Help:      "Pause deadline expirations by applied timeout action.",
		}, []string{"action"}),
	}
}

func (m *Metrics) execution(status Status) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) nodeRun(typ NodeType, status NodeStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeRuns.WithLabelValues(string(typ), string(status)).Inc()
	m.nodeDuration.WithLabelValues(string(typ)).Observe(d.Seconds())
}

func (m *Metrics) pauseOpened() {
	if m == nil {
		return
	}
	m.activePauses.Inc()
}

func (m *Metrics) pauseClosed() {
	if m == nil {
		return
	}
	m.activePauses.Dec()
}

func (m *Metrics) resume(c Classification) {
	if m == nil {
		return
	}
	m.resumes.WithLabelValues(string(c)).Inc()
}

func (m *Metrics) timeout(action TimeoutAction) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(string(action)).Inc()
}
