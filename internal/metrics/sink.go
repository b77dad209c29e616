package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Processor metrics
	JobDequeued()
	JobCompleted(outcome string, duration time.Duration)
	RetryScheduled(category string)
	BackoffApplied(d time.Duration)
	ProcessorBusy(busy bool)
	QueueDepthUpdate(pending, inFlight int)

	// Queue store metrics
	JobExhausted()
	ZombiesPurged(count int)
	StaleRecovered(count int)

	// Session metrics
	SessionStateChanged(state string)
	SessionAcquired()
	SessionAcquireFailed(category string)
	SessionTornDown()

	// Runner client metrics
	RunnerRequestCompleted(op, statusClass string, duration time.Duration)

	// Ingestion metrics
	TripAdmitted(result string)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)

	// Maintenance metrics
	MaintenanceCompleted(duration time.Duration, err error)
}

// Admission results for TripAdmitted.
const (
	AdmissionAccepted        = "accepted"
	AdmissionDuplicateQueue  = "duplicate_queue"
	AdmissionDuplicateLedger = "duplicate_ledger"
	AdmissionError           = "error"
)

// StatusClass constants for RunnerRequestCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable") || strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
