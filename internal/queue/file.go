package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/djlord-it/tripqueue/internal/domain"
)

// document is the on-disk layout of the queue file.
type document struct {
	Jobs []domain.Job `json:"jobs"`
}

// FileStore keeps the queue in a single JSON document.
// It is single-writer: one process owns the file, other processes may read it.
type FileStore struct {
	mu      sync.Mutex
	path    string
	ledger  Ledger
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
	newID   func() string
}

// Open returns a FileStore persisted at path. The file is created empty if
// it does not exist.
func Open(path string, ledger Ledger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("queue: create dir: %w", err)
	}

	s := &FileStore{
		path:   path,
		ledger: ledger,
		clock:  time.Now,
		newID:  uuid.NewString,
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := s.save(document{Jobs: []domain.Job{}}); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("queue: stat: %w", err)
	}

	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithMetrics attaches a metrics sink to the store.
func (s *FileStore) WithMetrics(sink MetricsSink) *FileStore {
	s.metrics = sink
	return s
}

// Path returns the queue file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) load() (document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return document{}, nil
		}
		return document{}, fmt.Errorf("queue: read: %w", err)
	}
	var doc document
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("queue: decode %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *FileStore) save(doc document) error {
	if doc.Jobs == nil {
		doc.Jobs = []domain.Job{}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("queue: encode: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("queue: write: %w", err)
	}
	return nil
}

// mutate runs fn under the store lock on a freshly loaded document and
// persists the result when fn reports a change.
func (s *FileStore) mutate(ctx context.Context, fn func(doc *document) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	changed, fnErr := fn(&doc)
	if changed {
		if err := s.save(doc); err != nil {
			return err
		}
	}
	return fnErr
}

// Enqueue admits trip unless its key is already queued or already in the ledger.
func (s *FileStore) Enqueue(ctx context.Context, trip domain.Trip) (domain.EnqueueResult, error) {
	key := trip.BusinessKey()
	if key == "" {
		return domain.EnqueueResult{}, ErrEmptyBusinessKey
	}

	var result domain.EnqueueResult
	err := s.mutate(ctx, func(doc *document) (bool, error) {
		for _, j := range doc.Jobs {
			if j.BusinessKey == key {
				result = domain.EnqueueResult{DuplicateOf: domain.DuplicateInQueue, JobID: j.ID}
				return false, nil
			}
		}

		handled, err := s.ledger.Exists(ctx, key)
		if err != nil {
			return false, fmt.Errorf("queue: ledger lookup: %w", err)
		}
		if handled {
			result = domain.EnqueueResult{DuplicateOf: domain.DuplicateInLedger}
			return false, nil
		}

		job := domain.Job{
			ID:           s.newID(),
			BusinessKey:  key,
			Payload:      trip,
			State:        domain.JobStatePending,
			EnqueuedAt:   s.clock().UTC(),
			ErrorHistory: []domain.ErrorRecord{},
		}
		doc.Jobs = append(doc.Jobs, job)
		result = domain.EnqueueResult{Accepted: true, JobID: job.ID}
		return true, nil
	})
	return result, err
}

// DequeueNext marks the oldest eligible PENDING job IN_FLIGHT and returns it.
// The transition is persisted before the job is returned.
//
// Jobs whose attempts reached maxAttempts are moved to the ledger as
// FAILURE and removed without being returned. Jobs whose key is already in
// the ledger (left behind by a crash between ledger append and removal) are
// dropped. Either way the scan continues with the next pending job.
// maxAttempts <= 0 disables the limit.
func (s *FileStore) DequeueNext(ctx context.Context, maxAttempts int) (domain.Job, bool, error) {
	var (
		picked domain.Job
		found  bool
	)
	err := s.mutate(ctx, func(doc *document) (bool, error) {
		changed := false
		kept := doc.Jobs[:0:0]
		var scanErr error

		for _, j := range doc.Jobs {
			if found || scanErr != nil || j.State != domain.JobStatePending {
				kept = append(kept, j)
				continue
			}

			handled, err := s.ledger.Exists(ctx, j.BusinessKey)
			if err != nil {
				scanErr = fmt.Errorf("queue: ledger lookup: %w", err)
				kept = append(kept, j)
				continue
			}
			if handled {
				log.Printf("queue: job=%s key=%s already in ledger, dropping", j.ID, j.BusinessKey)
				if s.metrics != nil {
					s.metrics.ZombiesPurged(1)
				}
				changed = true
				continue
			}

			if maxAttempts > 0 && j.Attempts >= maxAttempts {
				entry := ExhaustedEntry(j, s.clock().UTC())
				if err := s.ledger.Append(ctx, entry); err != nil {
					scanErr = fmt.Errorf("queue: ledger append: %w", err)
					kept = append(kept, j)
					continue
				}
				log.Printf("queue: job=%s key=%s exhausted attempts=%d, moved to ledger", j.ID, j.BusinessKey, j.Attempts)
				if s.metrics != nil {
					s.metrics.JobExhausted()
				}
				changed = true
				continue
			}

			now := s.clock().UTC()
			j.State = domain.JobStateInFlight
			j.InFlightSince = &now
			kept = append(kept, j)
			picked = j
			found = true
			changed = true
		}

		doc.Jobs = kept
		return changed, scanErr
	})
	if err != nil {
		return domain.Job{}, false, err
	}
	return picked, found, nil
}

// CompleteSuccess removes the job. The caller appends the ledger entry.
func (s *FileStore) CompleteSuccess(ctx context.Context, jobID string) (bool, error) {
	return s.remove(ctx, jobID)
}

// CompleteFailure removes the job. The caller appends the FAILURE entry.
func (s *FileStore) CompleteFailure(ctx context.Context, jobID, reason string) (bool, error) {
	removed, err := s.remove(ctx, jobID)
	if removed {
		log.Printf("queue: job=%s terminal failure: %s", jobID, reason)
	}
	return removed, err
}

func (s *FileStore) remove(ctx context.Context, jobID string) (bool, error) {
	removed := false
	err := s.mutate(ctx, func(doc *document) (bool, error) {
		for i, j := range doc.Jobs {
			if j.ID == jobID {
				doc.Jobs = append(doc.Jobs[:i], doc.Jobs[i+1:]...)
				removed = true
				return true, nil
			}
		}
		return false, nil
	})
	return removed, err
}

// Retry returns the job to PENDING, counting the attempt and recording the error.
func (s *FileStore) Retry(ctx context.Context, jobID string, category domain.Outcome, detail string) (bool, error) {
	updated := false
	err := s.mutate(ctx, func(doc *document) (bool, error) {
		for i, j := range doc.Jobs {
			if j.ID != jobID {
				continue
			}
			j.State = domain.JobStatePending
			j.Attempts++
			j.InFlightSince = nil
			j.ErrorHistory = append(j.ErrorHistory, domain.ErrorRecord{
				Category:  category,
				Detail:    detail,
				Timestamp: s.clock().UTC(),
			})
			doc.Jobs[i] = j
			updated = true
			return true, nil
		}
		return false, nil
	})
	return updated, err
}

// RecoverStale returns every IN_FLIGHT job to PENDING without counting an
// attempt. Call it on startup, before the processor dequeues anything.
func (s *FileStore) RecoverStale(ctx context.Context) (int, error) {
	return s.recoverWhere(ctx, func(domain.Job) bool { return true })
}

// RecoverStaleBefore returns IN_FLIGHT jobs that went in flight before
// cutoff to PENDING.
func (s *FileStore) RecoverStaleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	return s.recoverWhere(ctx, func(j domain.Job) bool {
		return j.InFlightSince == nil || j.InFlightSince.Before(cutoff)
	})
}

func (s *FileStore) recoverWhere(ctx context.Context, stale func(domain.Job) bool) (int, error) {
	count := 0
	err := s.mutate(ctx, func(doc *document) (bool, error) {
		for i, j := range doc.Jobs {
			if j.State != domain.JobStateInFlight || !stale(j) {
				continue
			}
			j.State = domain.JobStatePending
			j.InFlightSince = nil
			doc.Jobs[i] = j
			count++
		}
		return count > 0, nil
	})
	if count > 0 && s.metrics != nil {
		s.metrics.StaleRecovered(count)
	}
	return count, err
}

// PurgeZombies removes queued jobs whose key already has a ledger entry.
func (s *FileStore) PurgeZombies(ctx context.Context) (int, error) {
	count := 0
	err := s.mutate(ctx, func(doc *document) (bool, error) {
		kept := doc.Jobs[:0:0]
		for i, j := range doc.Jobs {
			handled, err := s.ledger.Exists(ctx, j.BusinessKey)
			if err != nil {
				kept = append(kept, doc.Jobs[i:]...)
				doc.Jobs = kept
				return count > 0, fmt.Errorf("queue: ledger lookup: %w", err)
			}
			if handled {
				log.Printf("queue: purged zombie job=%s key=%s", j.ID, j.BusinessKey)
				count++
				continue
			}
			kept = append(kept, j)
		}
		doc.Jobs = kept
		return count > 0, nil
	})
	if count > 0 && s.metrics != nil {
		s.metrics.ZombiesPurged(count)
	}
	return count, err
}

// Statistics summarizes the queue.
func (s *FileStore) Statistics(ctx context.Context) (domain.QueueStats, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return domain.QueueStats{}, err
	}
	return Summarize(jobs), nil
}

// List returns a snapshot of all queued jobs in queue order.
func (s *FileStore) List(ctx context.Context) ([]domain.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Jobs, nil
}

// Summarize computes queue statistics for a snapshot.
func Summarize(jobs []domain.Job) domain.QueueStats {
	stats := domain.QueueStats{Total: len(jobs)}
	for _, j := range jobs {
		switch j.State {
		case domain.JobStatePending:
			stats.Pending++
		case domain.JobStateInFlight:
			stats.InFlight++
		}
		if len(j.ErrorHistory) > 0 {
			stats.WithErrors++
		}
	}
	return stats
}
