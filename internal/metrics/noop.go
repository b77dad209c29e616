package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobDequeued()                                                   {}
func (n *NoopSink) JobCompleted(outcome string, duration time.Duration)            {}
func (n *NoopSink) RetryScheduled(category string)                                 {}
func (n *NoopSink) BackoffApplied(d time.Duration)                                 {}
func (n *NoopSink) ProcessorBusy(busy bool)                                        {}
func (n *NoopSink) QueueDepthUpdate(pending, inFlight int)                         {}
func (n *NoopSink) JobExhausted()                                                  {}
func (n *NoopSink) ZombiesPurged(count int)                                        {}
func (n *NoopSink) StaleRecovered(count int)                                       {}
func (n *NoopSink) SessionStateChanged(state string)                               {}
func (n *NoopSink) SessionAcquired()                                               {}
func (n *NoopSink) SessionAcquireFailed(category string)                           {}
func (n *NoopSink) SessionTornDown()                                               {}
func (n *NoopSink) RunnerRequestCompleted(op, statusClass string, d time.Duration) {}
func (n *NoopSink) TripAdmitted(result string)                                     {}
func (n *NoopSink) BufferSizeUpdate(size int)                                      {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                 {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                      {}
func (n *NoopSink) EmitError()                                                     {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                              {}
func (n *NoopSink) LeaderAcquired()                                                {}
func (n *NoopSink) LeaderLost(reason string)                                       {}
func (n *NoopSink) MaintenanceCompleted(duration time.Duration, err error)         {}
