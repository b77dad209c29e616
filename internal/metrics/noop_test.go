package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestNoopSink_AllMethods(t *testing.T) {
	// Verify that calling all methods on NoopSink does not panic.
	s := NewNoopSink()

	s.JobDequeued()
	s.JobCompleted("SUCCESS", time.Second)
	s.RetryScheduled("UNKNOWN_ERROR")
	s.BackoffApplied(30 * time.Second)
	s.ProcessorBusy(true)
	s.QueueDepthUpdate(3, 1)

	s.JobExhausted()
	s.ZombiesPurged(2)
	s.StaleRecovered(1)

	s.SessionStateChanged("VALID")
	s.SessionAcquired()
	s.SessionAcquireFailed("CAPACITY_LIMITED")
	s.SessionTornDown()

	s.RunnerRequestCompleted("execute", StatusClass2xx, 200*time.Millisecond)
	s.TripAdmitted(AdmissionAccepted)

	s.BufferSizeUpdate(10)
	s.BufferCapacitySet(100)
	s.BufferSaturationUpdate(0.1)
	s.EmitError()

	s.LeaderStatusChanged(true)
	s.LeaderAcquired()
	s.LeaderLost("shutdown")

	s.MaintenanceCompleted(time.Second, errors.New("x"))
}

// Verify NoopSink implements Sink interface.
var _ Sink = (*NoopSink)(nil)
