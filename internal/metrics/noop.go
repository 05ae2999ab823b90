package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) EventProcessed(kind string, executions int, d time.Duration, err error) {}
func (n *NoopSink) TriggerSkipped(reason string)                                          {}
func (n *NoopSink) TriggerEvaluationError()                                               {}
func (n *NoopSink) ExecutionFinalized(status string)                                      {}
func (n *NoopSink) ActionDispatched(actionType, outcome string, d time.Duration)          {}
func (n *NoopSink) ActionsInFlightIncr()                                                  {}
func (n *NoopSink) ActionsInFlightDecr()                                                  {}
func (n *NoopSink) MailboxDepthUpdate(worker, depth int)                                  {}
func (n *NoopSink) MailboxCapacitySet(capacity int)                                       {}
func (n *NoopSink) SubmitRejected(reason string)                                          {}
func (n *NoopSink) EventReceived(source string)                                           {}
func (n *NoopSink) StalePendingUpdate(count int)                                          {}
func (n *NoopSink) ExecutionsAbandoned(count int)                                         {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                     {}
func (n *NoopSink) LeaderAcquired()                                                       {}
func (n *NoopSink) LeaderLost(reason string)                                              {}
