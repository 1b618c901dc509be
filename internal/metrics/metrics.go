package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vadiminshakov/saigon/internal/domain"
)

const namespace = "saigon"

// Metrics groups the collectors of a wallet session.
type Metrics struct {
	reads        *prometheus.CounterVec
	readFailures *prometheus.CounterVec
	actions      *prometheus.CounterVec
	inFlight     *prometheus.GaugeVec
	confirmTime  *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the collectors registered with the default prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "reads_total",
			Help:      "Balance reads issued against the chain, by asset.",
		}, []string{"asset"}),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "read_failures_total",
			Help:      "Balance reads that failed and kept the previous snapshot, by asset.",
		}, []string{"asset"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "actions_total",
			Help:      "Actions that reached a terminal state, by kind and state.",
		}, []string{"kind", "state"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "actions_in_flight",
			Help:      "Actions currently pending, by kind.",
		}, []string{"kind"}),
		confirmTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "action_duration_seconds",
			Help:      "Time from submission to a terminal state, by kind.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.reads, m.readFailures, m.actions, m.inFlight, m.confirmTime)
	}
	return m
}

// ObserveRead counts one balance read and its failure, if any.
func (m *Metrics) ObserveRead(asset string, err error) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(asset).Inc()
	if err != nil {
		m.readFailures.WithLabelValues(asset).Inc()
	}
}

// ActionStarted marks an action of kind as pending.
func (m *Metrics) ActionStarted(kind domain.ActionKind) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind.String()).Inc()
}

// ActionFinished records the terminal state of an action started at submittedAt.
func (m *Metrics) ActionFinished(kind domain.ActionKind, state domain.ActionState, submittedAt time.Time) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(kind.String()).Dec()
	m.actions.WithLabelValues(kind.String(), string(state)).Inc()
	m.confirmTime.WithLabelValues(kind.String()).Observe(time.Since(submittedAt).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
