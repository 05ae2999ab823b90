package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	eventsTotal        *prometheus.CounterVec
	eventErrorsTotal   prometheus.Counter
	eventDuration      prometheus.Histogram
	skipsTotal         *prometheus.CounterVec
	evaluationErrors   prometheus.Counter
	executionsTotal    *prometheus.CounterVec
	executionsPerEvent prometheus.Histogram

	// Dispatcher metrics
	actionsTotal    *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionsInFlight prometheus.Gauge

	// Coordinator metrics
	mailboxDepth    *prometheus.GaugeVec
	mailboxCapacity prometheus.Gauge
	rejectsTotal    *prometheus.CounterVec
	receivedTotal   *prometheus.CounterVec

	// Reconciler metrics
	stalePending   prometheus.Gauge
	abandonedTotal prometheus.Counter

	// Leader election metrics
	leaderStatus        prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initCoordinatorMetrics(reg)
	s.initReconcilerMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_scheduler_events_total",
		Help: "Total number of events processed, by event kind.",
	}, []string{"kind"})
	s.eventErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easytrigger_scheduler_event_errors_total",
		Help: "Total number of events aborted because a store was unavailable.",
	})
	s.eventDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easytrigger_scheduler_event_duration_seconds",
		Help:    "Time spent processing one event in seconds.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
	s.skipsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_scheduler_trigger_skips_total",
		Help: "Total number of candidate triggers skipped by the ledger.",
	}, []string{"reason"})
	s.evaluationErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easytrigger_scheduler_evaluation_errors_total",
		Help: "Total number of condition evaluations that failed and were treated as non-match.",
	})
	s.executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_scheduler_executions_total",
		Help: "Total number of finalized executions, by status.",
	}, []string{"status"})
	s.executionsPerEvent = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easytrigger_scheduler_executions_per_event",
		Help:    "Number of executions written per event.",
		Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
	})

	s.register(reg, s.eventsTotal, "easytrigger_scheduler_events_total")
	s.register(reg, s.eventErrorsTotal, "easytrigger_scheduler_event_errors_total")
	s.register(reg, s.eventDuration, "easytrigger_scheduler_event_duration_seconds")
	s.register(reg, s.skipsTotal, "easytrigger_scheduler_trigger_skips_total")
	s.register(reg, s.evaluationErrors, "easytrigger_scheduler_evaluation_errors_total")
	s.register(reg, s.executionsTotal, "easytrigger_scheduler_executions_total")
	s.register(reg, s.executionsPerEvent, "easytrigger_scheduler_executions_per_event")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_dispatcher_actions_total",
		Help: "Total number of dispatched actions, by type and outcome.",
	}, []string{"type", "outcome"})
	s.actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easytrigger_dispatcher_action_duration_seconds",
		Help:    "Action latency in seconds, by type.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"type"})
	s.actionsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easytrigger_dispatcher_actions_in_flight",
		Help: "Number of actions currently being executed.",
	})

	s.register(reg, s.actionsTotal, "easytrigger_dispatcher_actions_total")
	s.register(reg, s.actionDuration, "easytrigger_dispatcher_action_duration_seconds")
	s.register(reg, s.actionsInFlight, "easytrigger_dispatcher_actions_in_flight")
}

func (s *PrometheusSink) initCoordinatorMetrics(reg prometheus.Registerer) {
	s.mailboxDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "easytrigger_coordinator_mailbox_depth",
		Help: "Current number of events waiting in a worker mailbox.",
	}, []string{"worker"})
	s.mailboxCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easytrigger_coordinator_mailbox_capacity",
		Help: "Capacity of each worker mailbox.",
	})
	s.rejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_coordinator_submit_rejects_total",
		Help: "Total number of events that could not be submitted or processed.",
	}, []string{"reason"})
	s.receivedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_intake_events_received_total",
		Help: "Total number of events received, by intake source.",
	}, []string{"source"})

	s.register(reg, s.mailboxDepth, "easytrigger_coordinator_mailbox_depth")
	s.register(reg, s.mailboxCapacity, "easytrigger_coordinator_mailbox_capacity")
	s.register(reg, s.rejectsTotal, "easytrigger_coordinator_submit_rejects_total")
	s.register(reg, s.receivedTotal, "easytrigger_intake_events_received_total")
}

func (s *PrometheusSink) initReconcilerMetrics(reg prometheus.Registerer) {
	s.stalePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easytrigger_reconciler_stale_pending",
		Help: "Number of pending executions older than the reconcile threshold at the last cycle.",
	})
	s.abandonedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easytrigger_reconciler_abandoned_total",
		Help: "Total number of stale pending executions finalized as failed.",
	})

	s.register(reg, s.stalePending, "easytrigger_reconciler_stale_pending")
	s.register(reg, s.abandonedTotal, "easytrigger_reconciler_abandoned_total")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easytrigger_leader_is_leader",
		Help: "Whether this instance currently holds leadership (1) or not (0).",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easytrigger_leader_acquired_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easytrigger_leader_lost_total",
		Help: "Total number of times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.leaderStatus, "easytrigger_leader_is_leader")
	s.register(reg, s.leaderAcquiredTotal, "easytrigger_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "easytrigger_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) EventProcessed(kind string, executions int, duration time.Duration, err error) {
	s.eventsTotal.WithLabelValues(kind).Inc()
	s.eventDuration.Observe(duration.Seconds())
	s.executionsPerEvent.Observe(float64(executions))
	if err != nil {
		s.eventErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TriggerSkipped(reason string) {
	s.skipsTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) TriggerEvaluationError() {
	s.evaluationErrors.Inc()
}

func (s *PrometheusSink) ExecutionFinalized(status string) {
	s.executionsTotal.WithLabelValues(status).Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) ActionDispatched(actionType, outcome string, duration time.Duration) {
	s.actionsTotal.WithLabelValues(actionType, outcome).Inc()
	s.actionDuration.WithLabelValues(actionType).Observe(duration.Seconds())
}

func (s *PrometheusSink) ActionsInFlightIncr() {
	s.actionsInFlight.Inc()
}

func (s *PrometheusSink) ActionsInFlightDecr() {
	s.actionsInFlight.Dec()
}

// Coordinator metrics implementation

func (s *PrometheusSink) MailboxDepthUpdate(worker, depth int) {
	s.mailboxDepth.WithLabelValues(strconv.Itoa(worker)).Set(float64(depth))
}

func (s *PrometheusSink) MailboxCapacitySet(capacity int) {
	s.mailboxCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) SubmitRejected(reason string) {
	s.rejectsTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) EventReceived(source string) {
	s.receivedTotal.WithLabelValues(source).Inc()
}

// Reconciler metrics implementation

func (s *PrometheusSink) StalePendingUpdate(count int) {
	s.stalePending.Set(float64(count))
}

func (s *PrometheusSink) ExecutionsAbandoned(count int) {
	s.abandonedTotal.Add(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
