package orchestration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mattsolo1/grove-tracks/pkg/resilience"
)

// Metrics holds the Prometheus metrics for track execution. A nil *Metrics
// records nothing.
type Metrics struct {
	TracksRunning      prometheus.Gauge
	Attempts           *prometheus.CounterVec
	Retries            *prometheus.CounterVec
	Results            *prometheus.CounterVec
	TrackDuration      *prometheus.HistogramVec
	CircuitRejections  *prometheus.CounterVec
	SchedulerPasses    prometheus.Counter
	MergeResults       *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics with registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		TracksRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tracks_running",
			Help: "Number of tracks currently executing",
		}),
		Attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracks_attempts_total",
				Help: "Total number of execution attempts",
			},
			[]string{"track"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracks_retries_total",
				Help: "Total number of attempts beyond the first",
			},
			[]string{"track"},
		),
		Results: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracks_results_total",
				Help: "Terminal track outcomes by status and reason",
			},
			[]string{"status", "reason"},
		),
		TrackDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tracks_duration_seconds",
				Help:    "Wall time from admission to terminal status",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		CircuitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracks_circuit_rejections_total",
				Help: "Attempts rejected by an open circuit breaker",
			},
			[]string{"track"},
		),
		SchedulerPasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tracks_scheduler_passes_total",
			Help: "Number of scheduling passes",
		}),
		MergeResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracks_merge_results_total",
				Help: "Merge phase outcomes",
			},
			[]string{"success"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tracks_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"from", "to"},
		),
	}
}

func (m *Metrics) trackStarted() {
	if m == nil {
		return
	}
	m.TracksRunning.Inc()
}

func (m *Metrics) trackFinished(status TrackStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TracksRunning.Dec()
	m.TrackDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) result(status TrackStatus, reason FailureReason) {
	if m == nil {
		return
	}
	r := string(reason)
	if r == "" {
		r = "none"
	}
	m.Results.WithLabelValues(string(status), r).Inc()
}

func (m *Metrics) attempt(trackID string, n int) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(trackID).Inc()
	if n > 1 {
		m.Retries.WithLabelValues(trackID).Inc()
	}
}

func (m *Metrics) circuitRejected(trackID string) {
	if m == nil {
		return
	}
	m.CircuitRejections.WithLabelValues(trackID).Inc()
}

func (m *Metrics) pass() {
	if m == nil {
		return
	}
	m.SchedulerPasses.Inc()
}

func (m *Metrics) merged(ok bool) {
	if m == nil {
		return
	}
	label := "false"
	if ok {
		label = "true"
	}
	m.MergeResults.WithLabelValues(label).Inc()
}

// BreakerTransition records a circuit breaker state change. It matches
// resilience.WithStateChangeHook.
func (m *Metrics) BreakerTransition(name string, from, to resilience.State) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}
