package domain

import "time"

type LedgerOutcome string

const (
	LedgerSuccess LedgerOutcome = "SUCCESS"
	LedgerFailure LedgerOutcome = "FAILURE"
)

// ReasonMaxAttemptsExceeded prefixes the reason of jobs that ran out of attempts.
const ReasonMaxAttemptsExceeded = "MAX_ATTEMPTS_EXCEEDED"

// LedgerEntry is an immutable terminal record. Trip carries the business
// metadata a human needs to finish the job by hand.
type LedgerEntry struct {
	Timestamp   time.Time     `json:"timestamp"`
	BusinessKey string        `json:"business_key"`
	Outcome     LedgerOutcome `json:"outcome"`
	Reason      string        `json:"reason,omitempty"`
	Trip        Trip          `json:"trip"`
	InvoiceUUID string        `json:"invoice_uuid,omitempty"`
	ERPTripID   string        `json:"erp_trip_id,omitempty"`
}

type LedgerStats struct {
	Total          int            `json:"total"`
	SuccessCount   int            `json:"success_count"`
	FailureCount   int            `json:"failure_count"`
	FailureReasons map[string]int `json:"failure_reasons"`
	// LastEntryAt is the newest entry timestamp; nil for an empty ledger.
	LastEntryAt *time.Time `json:"last_entry_at"`
}
