package domain

import "time"

type JobState string

const (
	JobStatePending  JobState = "PENDING"
	JobStateInFlight JobState = "IN_FLIGHT"
)

// ErrorRecord describes one failed attempt.
type ErrorRecord struct {
	Category  Outcome   `json:"category"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is a trip awaiting execution. Completed jobs are removed from the
// queue; their terminal record lives in the ledger.
type Job struct {
	ID            string        `json:"id"`
	BusinessKey   string        `json:"business_key"`
	Payload       Trip          `json:"payload"`
	State         JobState      `json:"state"`
	Attempts      int           `json:"attempts"`
	EnqueuedAt    time.Time     `json:"enqueued_at"`
	InFlightSince *time.Time    `json:"in_flight_since"`
	ErrorHistory  []ErrorRecord `json:"error_history"`
}

// LastError returns the most recent error record, if any.
func (j Job) LastError() (ErrorRecord, bool) {
	if len(j.ErrorHistory) == 0 {
		return ErrorRecord{}, false
	}
	return j.ErrorHistory[len(j.ErrorHistory)-1], true
}

// EnqueueResult reports whether a job was admitted.
// DuplicateOf is "queue" or "ledger" when the key was rejected.
type EnqueueResult struct {
	Accepted    bool   `json:"accepted"`
	JobID       string `json:"job_id,omitempty"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}

const (
	DuplicateInQueue  = "queue"
	DuplicateInLedger = "ledger"
)

type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InFlight   int `json:"in_flight"`
	WithErrors int `json:"with_errors"`
}
