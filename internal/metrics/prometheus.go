package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Processor metrics
	jobsDequeuedTotal   prometheus.Counter
	jobOutcomesTotal    *prometheus.CounterVec
	executionDuration   prometheus.Histogram
	retriesTotal        *prometheus.CounterVec
	backoffSeconds      prometheus.Histogram
	processorBusy       prometheus.Gauge
	queuePending        prometheus.Gauge
	queueInFlight       prometheus.Gauge
	jobsExhaustedTotal  prometheus.Counter
	zombiesPurgedTotal  prometheus.Counter
	staleRecoveredTotal prometheus.Counter

	// Session metrics
	sessionState          *prometheus.GaugeVec
	sessionAcquiredTotal  prometheus.Counter
	sessionFailuresTotal  *prometheus.CounterVec
	sessionTeardownsTotal prometheus.Counter

	// Runner metrics
	runnerRequestsTotal *prometheus.CounterVec
	runnerDuration      *prometheus.HistogramVec

	// Ingestion metrics
	admissionsTotal *prometheus.CounterVec

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter

	// Leader metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec

	// Maintenance metrics
	maintenanceRunsTotal   prometheus.Counter
	maintenanceErrorsTotal prometheus.Counter
	maintenanceDuration    prometheus.Histogram
}

// sessionStates lists every label value of tripqueue_session_state.
var sessionStates = []string{"ABSENT", "VALID", "SUSPECT", "CORRUPT"}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initProcessorMetrics(reg)
	s.initSessionMetrics(reg)
	s.initIngestMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initLeaderMetrics(reg)
	s.initMaintenanceMetrics(reg)
	return s
}

func (s *PrometheusSink) initProcessorMetrics(reg prometheus.Registerer) {
	s.jobsDequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_processor_jobs_dequeued_total",
		Help: "Total number of jobs handed to the processor.",
	})
	s.jobOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripqueue_processor_job_outcomes_total",
		Help: "Total number of classified execution outcomes.",
	}, []string{"outcome"})
	s.executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tripqueue_processor_execution_duration_seconds",
		Help:    "Duration of one job execution in seconds (excludes backoff).",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	s.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripqueue_processor_retries_total",
		Help: "Total number of jobs returned to pending, by category.",
	}, []string{"category"})
	s.backoffSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tripqueue_processor_backoff_seconds",
		Help:    "Backoff applied after each outcome in seconds.",
		Buckets: []float64{0, 1, 10, 30, 60, 300, 900},
	})
	s.processorBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripqueue_processor_busy",
		Help: "1 while a job is being executed, 0 otherwise.",
	})
	s.queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripqueue_queue_pending_jobs",
		Help: "Number of PENDING jobs in the queue.",
	})
	s.queueInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripqueue_queue_in_flight_jobs",
		Help: "Number of IN_FLIGHT jobs in the queue.",
	})
	s.jobsExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_queue_jobs_exhausted_total",
		Help: "Total number of jobs moved to the ledger after reaching max attempts.",
	})
	s.zombiesPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_queue_zombies_purged_total",
		Help: "Total number of queued jobs removed because the ledger already had them.",
	})
	s.staleRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_queue_stale_recovered_total",
		Help: "Total number of IN_FLIGHT jobs returned to PENDING by recovery.",
	})

	s.register(reg, s.jobsDequeuedTotal, "tripqueue_processor_jobs_dequeued_total")
	s.register(reg, s.jobOutcomesTotal, "tripqueue_processor_job_outcomes_total")
	s.register(reg, s.executionDuration, "tripqueue_processor_execution_duration_seconds")
	s.register(reg, s.retriesTotal, "tripqueue_processor_retries_total")
	s.register(reg, s.backoffSeconds, "tripqueue_processor_backoff_seconds")
	s.register(reg, s.processorBusy, "tripqueue_processor_busy")
	s.register(reg, s.queuePending, "tripqueue_queue_pending_jobs")
	s.register(reg, s.queueInFlight, "tripqueue_queue_in_flight_jobs")
	s.register(reg, s.jobsExhaustedTotal, "tripqueue_queue_jobs_exhausted_total")
	s.register(reg, s.zombiesPurgedTotal, "tripqueue_queue_zombies_purged_total")
	s.register(reg, s.staleRecoveredTotal, "tripqueue_queue_stale_recovered_total")
}

func (s *PrometheusSink) initSessionMetrics(reg prometheus.Registerer) {
	s.sessionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tripqueue_session_state",
		Help: "1 for the current session lifecycle state, 0 for the others.",
	}, []string{"state"})
	s.sessionAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_session_acquired_total",
		Help: "Total number of sessions successfully opened.",
	})
	s.sessionFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripqueue_session_acquire_failures_total",
		Help: "Total number of failed session acquisitions, by category.",
	}, []string{"category"})
	s.sessionTeardownsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_session_teardowns_total",
		Help: "Total number of sessions released.",
	})
	s.runnerRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripqueue_runner_requests_total",
		Help: "Total number of automation runner requests.",
	}, []string{"op", "status_class"})
	s.runnerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tripqueue_runner_request_duration_seconds",
		Help:    "Automation runner request latency in seconds.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
	}, []string{"op"})

	s.register(reg, s.sessionState, "tripqueue_session_state")
	s.register(reg, s.sessionAcquiredTotal, "tripqueue_session_acquired_total")
	s.register(reg, s.sessionFailuresTotal, "tripqueue_session_acquire_failures_total")
	s.register(reg, s.sessionTeardownsTotal, "tripqueue_session_teardowns_total")
	s.register(reg, s.runnerRequestsTotal, "tripqueue_runner_requests_total")
	s.register(reg, s.runnerDuration, "tripqueue_runner_request_duration_seconds")
}

func (s *PrometheusSink) initIngestMetrics(reg prometheus.Registerer) {
	s.admissionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripqueue_ingest_admissions_total",
		Help: "Total number of admission decisions, by result.",
	}, []string{"result"})

	s.register(reg, s.admissionsTotal, "tripqueue_ingest_admissions_total")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripqueue_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripqueue_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripqueue_eventbus_buffer_saturation",
		Help: "Ratio of buffered events to capacity.",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full).",
	})

	s.register(reg, s.bufferSize, "tripqueue_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "tripqueue_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "tripqueue_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "tripqueue_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tripqueue_leader_status",
		Help: "1 while this instance holds the processor lock.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_leader_acquired_total",
		Help: "Total number of times the processor lock was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tripqueue_leader_lost_total",
		Help: "Total number of times the processor lock was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "tripqueue_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "tripqueue_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "tripqueue_leader_lost_total")
}

func (s *PrometheusSink) initMaintenanceMetrics(reg prometheus.Registerer) {
	s.maintenanceRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_maintenance_runs_total",
		Help: "Total number of maintenance cycles.",
	})
	s.maintenanceErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tripqueue_maintenance_errors_total",
		Help: "Total number of maintenance cycles that hit an error.",
	})
	s.maintenanceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tripqueue_maintenance_duration_seconds",
		Help:    "Duration of maintenance cycles in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	s.register(reg, s.maintenanceRunsTotal, "tripqueue_maintenance_runs_total")
	s.register(reg, s.maintenanceErrorsTotal, "tripqueue_maintenance_errors_total")
	s.register(reg, s.maintenanceDuration, "tripqueue_maintenance_duration_seconds")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Processor metrics implementation

func (s *PrometheusSink) JobDequeued() {
	s.jobsDequeuedTotal.Inc()
}

func (s *PrometheusSink) JobCompleted(outcome string, duration time.Duration) {
	s.jobOutcomesTotal.WithLabelValues(outcome).Inc()
	s.executionDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) RetryScheduled(category string) {
	s.retriesTotal.WithLabelValues(category).Inc()
}

func (s *PrometheusSink) BackoffApplied(d time.Duration) {
	s.backoffSeconds.Observe(d.Seconds())
}

func (s *PrometheusSink) ProcessorBusy(busy bool) {
	if busy {
		s.processorBusy.Set(1)
		return
	}
	s.processorBusy.Set(0)
}

func (s *PrometheusSink) QueueDepthUpdate(pending, inFlight int) {
	s.queuePending.Set(float64(pending))
	s.queueInFlight.Set(float64(inFlight))
}

// Queue store metrics implementation

func (s *PrometheusSink) JobExhausted() {
	s.jobsExhaustedTotal.Inc()
}

func (s *PrometheusSink) ZombiesPurged(count int) {
	s.zombiesPurgedTotal.Add(float64(count))
}

func (s *PrometheusSink) StaleRecovered(count int) {
	s.staleRecoveredTotal.Add(float64(count))
}

// Session metrics implementation

func (s *PrometheusSink) SessionStateChanged(state string) {
	for _, st := range sessionStates {
		v := 0.0
		if st == state {
			v = 1
		}
		s.sessionState.WithLabelValues(st).Set(v)
	}
}

func (s *PrometheusSink) SessionAcquired() {
	s.sessionAcquiredTotal.Inc()
}

func (s *PrometheusSink) SessionAcquireFailed(category string) {
	s.sessionFailuresTotal.WithLabelValues(category).Inc()
}

func (s *PrometheusSink) SessionTornDown() {
	s.sessionTeardownsTotal.Inc()
}

func (s *PrometheusSink) RunnerRequestCompleted(op, statusClass string, duration time.Duration) {
	s.runnerRequestsTotal.WithLabelValues(op, statusClass).Inc()
	s.runnerDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Ingestion metrics implementation

func (s *PrometheusSink) TripAdmitted(result string) {
	s.admissionsTotal.WithLabelValues(result).Inc()
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Leader metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
		return
	}
	s.leaderStatus.Set(0)
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

// Maintenance metrics implementation

func (s *PrometheusSink) MaintenanceCompleted(duration time.Duration, err error) {
	s.maintenanceRunsTotal.Inc()
	s.maintenanceDuration.Observe(duration.Seconds())
	if err != nil {
		s.maintenanceErrorsTotal.Inc()
	}
}
