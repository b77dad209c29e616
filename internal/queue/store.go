// Package queue implements the persistent job queue.
//
// The queue holds trips that have been admitted but not yet finished.
// Jobs move PENDING -> IN_FLIGHT -> removed; a finished job leaves exactly
// one row in the ledger. Every mutation is a single read-modify-write of the
// whole store, and the rewrite is atomic (temp file then rename) so readers
// never observe a torn file.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
)

// ErrEmptyBusinessKey is returned by Enqueue for trips without a key.
var ErrEmptyBusinessKey = errors.New("queue: empty business key")

// Ledger is the part of the execution ledger the queue depends on.
type Ledger interface {
	Exists(ctx context.Context, key string) (bool, error)
	Append(ctx context.Context, entry domain.LedgerEntry) error
}

// Store is the queue contract shared by the file and SQLite backends.
type Store interface {
	Enqueue(ctx context.Context, trip domain.Trip) (domain.EnqueueResult, error)
	DequeueNext(ctx context.Context, maxAttempts int) (domain.Job, bool, error)
	CompleteSuccess(ctx context.Context, jobID string) (bool, error)
	CompleteFailure(ctx context.Context, jobID, reason string) (bool, error)
	Retry(ctx context.Context, jobID string, category domain.Outcome, detail string) (bool, error)
	RecoverStale(ctx context.Context) (int, error)
	RecoverStaleBefore(ctx context.Context, cutoff time.Time) (int, error)
	PurgeZombies(ctx context.Context) (int, error)
	Statistics(ctx context.Context) (domain.QueueStats, error)
	List(ctx context.Context) ([]domain.Job, error)
}

// MetricsSink records queue-level events. Fire-and-forget.
type MetricsSink interface {
	JobExhausted()
	ZombiesPurged(count int)
	StaleRecovered(count int)
}

// ExhaustedReason builds the ledger reason for a job that ran out of attempts.
func ExhaustedReason(job domain.Job) string {
	reason := fmt.Sprintf("%s: attempts=%d", domain.ReasonMaxAttemptsExceeded, job.Attempts)
	if last, ok := job.LastError(); ok {
		reason += fmt.Sprintf(" last=%s", last.Category)
		if last.Detail != "" {
			reason += " " + last.Detail
		}
	}
	return reason
}

// ExhaustedEntry builds the ledger entry for a job that ran out of attempts.
func ExhaustedEntry(job domain.Job, now time.Time) domain.LedgerEntry {
	return domain.LedgerEntry{
		Timestamp:   now,
		BusinessKey: job.BusinessKey,
		Outcome:     domain.LedgerFailure,
		Reason:      ExhaustedReason(job),
		Trip:        job.Payload,
	}
}
