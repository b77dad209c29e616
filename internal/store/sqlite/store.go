// Package sqlite implements the job queue and execution ledger on one
// embedded SQLite database. Every mutating queue operation is a single
// transaction, so the max-attempts ledger append commits together with
// the job removal.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/ledger"
	"github.com/djlord-it/tripqueue/internal/queue"
)

const timeLayout = time.RFC3339Nano

// Store implements queue.Store and the ledger contract using SQLite.
type Store struct {
	db      *sql.DB
	metrics queue.MetricsSink // optional, nil = disabled
	clock   func() time.Time
	newID   func() string
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_busy_timeout=5000&_txlock=immediate"
	if path != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Single writer; also keeps an in-memory database on one connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return New(db), nil
}

// New wraps an already configured database. The schema must exist.
func New(db *sql.DB) *Store {
	return &Store{
		db:    db,
		clock: time.Now,
		newID: uuid.NewString,
	}
}

// WithMetrics attaches a metrics sink to the store.
func (s *Store) WithMetrics(sink queue.MetricsSink) *Store {
	s.metrics = sink
	return s
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in a transaction, committing on nil error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// Enqueue admits trip unless its key is already queued or in the ledger.
func (s *Store) Enqueue(ctx context.Context, trip domain.Trip) (domain.EnqueueResult, error) {
	key := trip.BusinessKey()
	if key == "" {
		return domain.EnqueueResult{}, queue.ErrEmptyBusinessKey
	}
	payload, err := json.Marshal(trip)
	if err != nil {
		return domain.EnqueueResult{}, fmt.Errorf("sqlite: encode payload: %w", err)
	}

	var result domain.EnqueueResult
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx, queryJobByKey, key).Scan(&existing)
		if err == nil {
			result = domain.EnqueueResult{DuplicateOf: domain.DuplicateInQueue, JobID: existing}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: lookup job: %w", err)
		}

		handled, err := ledgerExists(ctx, tx, key)
		if err != nil {
			return err
		}
		if handled {
			result = domain.EnqueueResult{DuplicateOf: domain.DuplicateInLedger}
			return nil
		}

		id := s.newID()
		if _, err := tx.ExecContext(ctx, queryInsertJob,
			id, key, string(payload), domain.JobStatePending, formatTime(s.clock()),
		); err != nil {
			return fmt.Errorf("sqlite: insert job: %w", err)
		}
		result = domain.EnqueueResult{Accepted: true, JobID: id}
		return nil
	})
	return result, err
}

// DequeueNext marks the oldest eligible PENDING job IN_FLIGHT and returns it.
// Exhausted jobs are moved to the ledger and zombie jobs dropped within the
// same transaction. maxAttempts <= 0 disables the limit.
func (s *Store) DequeueNext(ctx context.Context, maxAttempts int) (domain.Job, bool, error) {
	var (
		picked    domain.Job
		found     bool
		exhausted int
		zombies   int
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var after int64
		for {
			seq, job, err := scanJob(tx.QueryRowContext(ctx, queryNextPending, after))
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			after = seq

			handled, err := ledgerExists(ctx, tx, job.BusinessKey)
			if err != nil {
				return err
			}
			if handled {
				log.Printf("sqlite: job=%s key=%s already in ledger, dropping", job.ID, job.BusinessKey)
				if _, err := tx.ExecContext(ctx, queryDeleteJobBySeq, seq); err != nil {
					return fmt.Errorf("sqlite: drop zombie: %w", err)
				}
				zombies++
				continue
			}

			if maxAttempts > 0 && job.Attempts >= maxAttempts {
				if err := insertLedger(ctx, tx, queue.ExhaustedEntry(job, s.clock().UTC())); err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx, queryDeleteJobBySeq, seq); err != nil {
					return fmt.Errorf("sqlite: remove exhausted: %w", err)
				}
				log.Printf("sqlite: job=%s key=%s exhausted attempts=%d, moved to ledger", job.ID, job.BusinessKey, job.Attempts)
				exhausted++
				continue
			}

			now := s.clock().UTC()
			if _, err := tx.ExecContext(ctx, queryMarkInFlight, formatTime(now), seq); err != nil {
				return fmt.Errorf("sqlite: mark in flight: %w", err)
			}
			job.State = domain.JobStateInFlight
			job.InFlightSince = &now
			picked = job
			found = true
			return nil
		}
	})
	if err != nil {
		return domain.Job{}, false, err
	}
	if s.metrics != nil {
		for i := 0; i < exhausted; i++ {
			s.metrics.JobExhausted()
		}
		if zombies > 0 {
			s.metrics.ZombiesPurged(zombies)
		}
	}
	return picked, found, nil
}

// CompleteSuccess removes the job. The caller appends the ledger entry.
func (s *Store) CompleteSuccess(ctx context.Context, jobID string) (bool, error) {
	return s.remove(ctx, jobID)
}

// CompleteFailure removes the job. The caller appends the FAILURE entry.
func (s *Store) CompleteFailure(ctx context.Context, jobID, reason string) (bool, error) {
	removed, err := s.remove(ctx, jobID)
	if removed {
		log.Printf("sqlite: job=%s terminal failure: %s", jobID, reason)
	}
	return removed, err
}

func (s *Store) remove(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, queryDeleteJobByID, jobID)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return n > 0, nil
}

// Retry returns the job to PENDING, counting the attempt and recording the error.
func (s *Store) Retry(ctx context.Context, jobID string, category domain.Outcome, detail string) (bool, error) {
	updated := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, job, err := scanJob(tx.QueryRowContext(ctx, queryJobByID, jobID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		history := append(job.ErrorHistory, domain.ErrorRecord{
			Category:  category,
			Detail:    detail,
			Timestamp: s.clock().UTC(),
		})
		encoded, err := json.Marshal(history)
		if err != nil {
			return fmt.Errorf("sqlite: encode history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryUpdateRetry, job.Attempts+1, string(encoded), jobID); err != nil {
			return fmt.Errorf("sqlite: update retry: %w", err)
		}
		updated = true
		return nil
	})
	return updated, err
}

// RecoverStale returns every IN_FLIGHT job to PENDING without counting an attempt.
func (s *Store) RecoverStale(ctx context.Context) (int, error) {
	return s.recoverWhere(ctx, func(*time.Time) bool { return true })
}

// RecoverStaleBefore returns IN_FLIGHT jobs that went in flight before cutoff to PENDING.
func (s *Store) RecoverStaleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.recoverWhere(ctx, func(since *time.Time) bool {
		return since == nil || since.Before(cutoff)
	})
}

func (s *Store) recoverWhere(ctx context.Context, stale func(*time.Time) bool) (int, error) {
	count := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, queryInFlightJobs)
		if err != nil {
			return fmt.Errorf("sqlite: list in flight: %w", err)
		}
		var seqs []int64
		for rows.Next() {
			var (
				seq   int64
				since sql.NullString
			)
			if err := rows.Scan(&seq, &since); err != nil {
				rows.Close()
				return fmt.Errorf("sqlite: scan in flight: %w", err)
			}
			t, err := parseNullTime(since)
			if err != nil {
				rows.Close()
				return err
			}
			if stale(t) {
				seqs = append(seqs, seq)
			}
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx, queryRevertToPending, seq); err != nil {
				return fmt.Errorf("sqlite: revert job: %w", err)
			}
		}
		count = len(seqs)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if count > 0 && s.metrics != nil {
		s.metrics.StaleRecovered(count)
	}
	return count, nil
}

// PurgeZombies removes queued jobs whose key already has a ledger entry.
func (s *Store) PurgeZombies(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, queryDeleteZombies)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge zombies: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n > 0 {
		log.Printf("sqlite: purged %d zombie jobs", n)
		if s.metrics != nil {
			s.metrics.ZombiesPurged(int(n))
		}
	}
	return int(n), nil
}

// Statistics summarizes the queue.
func (s *Store) Statistics(ctx context.Context) (domain.QueueStats, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	return queue.Summarize(jobs), nil
}

// List returns all queued jobs in queue order.
func (s *Store) List(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, queryListJobs)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		_, job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Append writes one ledger entry.
func (s *Store) Append(ctx context.Context, entry domain.LedgerEntry) error {
	if entry.BusinessKey == "" {
		return errors.New("sqlite: empty business key")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.clock()
	}
	return insertLedger(ctx, s.db, entry)
}

// Exists reports whether any ledger entry exists for key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return ledgerExists(ctx, s.db, key)
}

// LedgerStatistics aggregates all ledger entries.
func (s *Store) LedgerStatistics(ctx context.Context) (domain.LedgerStats, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return domain.LedgerStats{}, err
	}
	stats := domain.LedgerStats{FailureReasons: make(map[string]int)}
	for _, e := range entries {
		stats.Total++
		if stats.LastEntryAt == nil || e.Timestamp.After(*stats.LastEntryAt) {
			ts := e.Timestamp
			stats.LastEntryAt = &ts
		}
		switch e.Outcome {
		case domain.LedgerSuccess:
			stats.SuccessCount++
		case domain.LedgerFailure:
			stats.FailureCount++
			stats.FailureReasons[ledger.ReasonBucket(e.Reason)]++
		}
	}
	return stats, nil
}

// Entries returns every ledger entry in append order.
func (s *Store) Entries(ctx context.Context) ([]domain.LedgerEntry, error) {
	return s.queryLedger(ctx, queryLedgerEntries)
}

// Failures returns FAILURE entries newest first, paginated.
func (s *Store) Failures(ctx context.Context, limit, offset int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryLedger(ctx, queryLedgerFailures, limit, offset)
}

// LedgerView exposes the ledger half of the store under the method names
// of the CSV ledger.
type LedgerView struct {
	s *Store
}

func (s *Store) Ledger() LedgerView {
	return LedgerView{s: s}
}

func (l LedgerView) Append(ctx context.Context, entry domain.LedgerEntry) error {
	return l.s.Append(ctx, entry)
}

func (l LedgerView) Exists(ctx context.Context, key string) (bool, error) {
	return l.s.Exists(ctx, key)
}

func (l LedgerView) Statistics(ctx context.Context) (domain.LedgerStats, error) {
	return l.s.LedgerStatistics(ctx)
}

func (l LedgerView) Entries(ctx context.Context) ([]domain.LedgerEntry, error) {
	return l.s.Entries(ctx)
}

func (l LedgerView) Failures(ctx context.Context, limit, offset int) ([]domain.LedgerEntry, error) {
	return l.s.Failures(ctx, limit, offset)
}

func (s *Store) queryLedger(ctx context.Context, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query ledger: %w", err)
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var (
			e  domain.LedgerEntry
			ts string
		)
		if err := rows.Scan(
			&ts, &e.BusinessKey, &e.Outcome, &e.Reason,
			&e.Trip.TripDate, &e.Trip.Determinante, &e.Trip.TractorPlate, &e.Trip.TrailerPlate,
			&e.Trip.Amount, &e.Trip.ClientCode,
			&e.InvoiceUUID, &e.ERPTripID,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan ledger: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
			return nil, fmt.Errorf("sqlite: parse ledger timestamp: %w", err)
		}
		e.Trip.Prefactura = e.BusinessKey
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertLedger(ctx context.Context, db execer, e domain.LedgerEntry) error {
	_, err := db.ExecContext(ctx, queryInsertLedger,
		formatTime(e.Timestamp), e.BusinessKey, string(e.Outcome), e.Reason,
		e.Trip.TripDate, e.Trip.Determinante, e.Trip.TractorPlate, e.Trip.TrailerPlate,
		e.Trip.Amount, e.Trip.ClientCode,
		e.InvoiceUUID, e.ERPTripID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert ledger: %w", err)
	}
	return nil
}

func ledgerExists(ctx context.Context, db queryer, key string) (bool, error) {
	var exists bool
	if err := db.QueryRowContext(ctx, queryLedgerExists, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("sqlite: ledger lookup: %w", err)
	}
	return exists, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (int64, domain.Job, error) {
	var (
		seq        int64
		job        domain.Job
		payload    string
		enqueuedAt string
		inFlight   sql.NullString
		history    string
	)
	err := row.Scan(&seq, &job.ID, &job.BusinessKey, &payload, &job.State, &job.Attempts, &enqueuedAt, &inFlight, &history)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.Job{}, err
		}
		return 0, domain.Job{}, fmt.Errorf("sqlite: scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return 0, domain.Job{}, fmt.Errorf("sqlite: decode payload: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &job.ErrorHistory); err != nil {
		return 0, domain.Job{}, fmt.Errorf("sqlite: decode history: %w", err)
	}
	if job.EnqueuedAt, err = time.Parse(timeLayout, enqueuedAt); err != nil {
		return 0, domain.Job{}, fmt.Errorf("sqlite: parse enqueued_at: %w", err)
	}
	if job.InFlightSince, err = parseNullTime(inFlight); err != nil {
		return 0, domain.Job{}, err
	}
	return seq, job, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("sqlite: parse time: %w", err)
	}
	return &t, nil
}
