package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconciliation phases, in tick order.
const (
	PhaseResolveWatches   = "resolve_watches"
	PhasePromoteDeadlines = "promote_deadlines"
	PhaseFireTimeouts     = "fire_timeouts"
	PhaseDerive           = "derive_compensations"
	PhaseDispatch         = "dispatch_compensations"
	PhaseAcks             = "advance_acks"
	PhaseDedup            = "dedup_closures"
	PhaseCloseAborted     = "close_aborted"
)

// Saga closure paths.
const (
	ClosedByAck     = "ack"
	ClosedByAborted = "aborted"
)

// Ingestion results.
const (
	IngestAccepted  = "accepted"
	IngestDuplicate = "duplicate"
	IngestInvalid   = "invalid"
	IngestFailed    = "failed"
)

var phaseKinds = map[string]struct{}{
	PhaseResolveWatches:   {},
	PhasePromoteDeadlines: {},
	PhaseFireTimeouts:     {},
	PhaseDerive:           {},
	PhaseDispatch:         {},
	PhaseAcks:             {},
	PhaseDedup:            {},
	PhaseCloseAborted:     {},
}

// Metrics holds Prometheus metrics for the saga coordinator.
type Metrics struct {
	Ticks                prometheus.Counter
	TickErrors           *prometheus.CounterVec
	PhaseDuration        *prometheus.HistogramVec
	TimeoutsFired        prometheus.Counter
	Compensations        *prometheus.CounterVec
	CommandsMaterialized prometheus.Counter
	SagasClosed          *prometheus.CounterVec
	DuplicateClosures    prometheus.Counter
	EventsIngested       *prometheus.CounterVec
	gatherer             prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_reconcile_ticks_total",
			Help: "Total reconciliation ticks started.",
		}),
		TickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_reconcile_errors_total",
			Help: "Reconciliation errors by phase.",
		}, []string{"phase"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_reconcile_phase_duration_seconds",
			Help:    "Reconciliation phase duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
		TimeoutsFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_timeouts_fired_total",
			Help: "Total step deadlines fired.",
		}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Compensation dispatches by result.",
		}, []string{"result"}),
		CommandsMaterialized: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_commands_materialized_total",
			Help: "Total compensation commands created.",
		}),
		SagasClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_closed_total",
			Help: "Sagas closed by the coordinator, by path.",
		}, []string{"path"}),
		DuplicateClosures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_duplicate_closures_removed_total",
			Help: "Total duplicate SagaEnded events removed.",
		}),
		EventsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_events_ingested_total",
			Help: "Reported events by type and result.",
		}, []string{"type", "result"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.Ticks,
		m.TickErrors,
		m.PhaseDuration,
		m.TimeoutsFired,
		m.Compensations,
		m.CommandsMaterialized,
		m.SagasClosed,
		m.DuplicateClosures,
		m.EventsIngested,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncTicks increments the tick counter by 1.
func (m *Metrics) IncTicks() {
	m.Ticks.Inc()
}

// ObservePhase records a phase duration; unknown phases are rejected.
func (m *Metrics) ObservePhase(phase string, d time.Duration) error {
	if _, ok := phaseKinds[phase]; !ok {
		return fmt.Errorf("unknown reconcile phase: %s", phase)
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	return nil
}

// IncPhaseError increments the error counter for a phase.
func (m *Metrics) IncPhaseError(phase string) error {
	if _, ok := phaseKinds[phase]; !ok {
		return fmt.Errorf("unknown reconcile phase: %s", phase)
	}
	m.TickErrors.WithLabelValues(phase).Inc()
	return nil
}

func (m *Metrics) IncTimeoutsFired() {
	m.TimeoutsFired.Inc()
}

// IncCompensation counts a dispatch attempt as succeeded or failed.
func (m *Metrics) IncCompensation(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Compensations.WithLabelValues(result).Inc()
}

func (m *Metrics) AddCommandsMaterialized(n int64) {
	if n > 0 {
		m.CommandsMaterialized.Add(float64(n))
	}
}

func (m *Metrics) IncSagasClosed(path string) {
	m.SagasClosed.WithLabelValues(path).Inc()
}

func (m *Metrics) AddDuplicateClosures(n int64) {
	if n > 0 {
		m.DuplicateClosures.Add(float64(n))
	}
}

func (m *Metrics) IncEventsIngested(eventType, result string) {
	m.EventsIngested.WithLabelValues(eventType, result).Inc()
}
