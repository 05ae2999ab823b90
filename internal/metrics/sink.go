package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	EventProcessed(kind string, executions int, duration time.Duration, err error)
	TriggerSkipped(reason string)
	TriggerEvaluationError()
	ExecutionFinalized(status string)

	// Dispatcher metrics
	ActionDispatched(actionType, outcome string, duration time.Duration)
	ActionsInFlightIncr()
	ActionsInFlightDecr()

	// Coordinator metrics
	MailboxDepthUpdate(worker, depth int)
	MailboxCapacitySet(capacity int)
	SubmitRejected(reason string)

	// Intake metrics
	EventReceived(source string)

	// Reconciler metrics
	StalePendingUpdate(count int)
	ExecutionsAbandoned(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for ActionDispatched.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// Reason constants for SubmitRejected.
const (
	RejectShuttingDown = "shutting_down"
	RejectCancelled    = "cancelled"
)

// Source constants for EventReceived.
const (
	SourceHTTP = "http"
	SourceNATS = "nats"
)
