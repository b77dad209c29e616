// Package status publishes the processor's live state to Redis so operators
// can see what the single worker is doing without touching its files.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/outcome"
)

// DefaultRecentLimit is how many finished jobs each recent list keeps.
const DefaultRecentLimit = 10

// Hash fields of <prefix>:status.
const (
	FieldState          = "state"
	FieldStateChangedAt = "state_changed_at"
	FieldCurrentKey     = "current_key"
	FieldCurrentJobID   = "current_job_id"
	FieldCurrentAttempt = "current_attempt"
	FieldCurrentStarted = "current_started_at"
	FieldSuccessCount   = "success_count"
	FieldFailureCount   = "failure_count"
)

var currentFields = []string{FieldCurrentKey, FieldCurrentJobID, FieldCurrentAttempt, FieldCurrentStarted}

// Finished is one entry of a recent list.
type Finished struct {
	BusinessKey string    `json:"business_key"`
	JobID       string    `json:"job_id"`
	Outcome     string    `json:"outcome"`
	Action      string    `json:"action"`
	Detail      string    `json:"detail,omitempty"`
	Attempt     int       `json:"attempt"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Snapshot is the published state read back.
type Snapshot struct {
	State          string     `json:"state"`
	StateChangedAt string     `json:"state_changed_at,omitempty"`
	CurrentKey     string     `json:"current_key,omitempty"`
	CurrentJobID   string     `json:"current_job_id,omitempty"`
	CurrentAttempt int        `json:"current_attempt,omitempty"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	RecentSuccess  []Finished `json:"recent_success"`
	RecentFailure  []Finished `json:"recent_failure"`
}

// RedisSink implements the processor's EventSink. Write errors are logged
// and dropped.
type RedisSink struct {
	client *redis.Client
	prefix string
	recent int64
	clock  func() time.Time
}

func NewRedisSink(client *redis.Client, prefix string) *RedisSink {
	return &RedisSink{
		client: client,
		prefix: prefix,
		recent: DefaultRecentLimit,
		clock:  time.Now,
	}
}

func (s *RedisSink) statusKey() string            { return s.prefix + ":status" }
func (s *RedisSink) recentKey(kind string) string { return s.prefix + ":recent:" + kind }

func (s *RedisSink) ProcessorStateChanged(ctx context.Context, state string) {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.statusKey(), FieldState, state, FieldStateChangedAt, s.now())
	// State changes never happen mid-job.
	pipe.HDel(ctx, s.statusKey(), currentFields...)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("status: state=%s write failed: %v", state, err)
	}
}

func (s *RedisSink) JobStarted(ctx context.Context, job domain.Job) {
	err := s.client.HSet(ctx, s.statusKey(),
		FieldCurrentKey, job.BusinessKey,
		FieldCurrentJobID, job.ID,
		FieldCurrentAttempt, job.Attempts+1,
		FieldCurrentStarted, s.now(),
	).Err()
	if err != nil {
		log.Printf("status: job=%s start write failed: %v", job.ID, err)
	}
}

func (s *RedisSink) JobFinished(ctx context.Context, job domain.Job, res outcome.Result, action string) {
	rec := Finished{
		BusinessKey: job.BusinessKey,
		JobID:       job.ID,
		Outcome:     string(res.Outcome),
		Action:      action,
		Detail:      res.Detail,
		Attempt:     job.Attempts + 1,
		FinishedAt:  s.clock().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		log.Printf("status: job=%s encode failed: %v", job.ID, err)
		return
	}

	kind, counter := "failure", FieldFailureCount
	if res.Outcome == domain.OutcomeSuccess {
		kind, counter = "success", FieldSuccessCount
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.statusKey(), currentFields...)
	pipe.HIncrBy(ctx, s.statusKey(), counter, 1)
	pipe.LPush(ctx, s.recentKey(kind), data)
	pipe.LTrim(ctx, s.recentKey(kind), 0, s.recent-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("status: job=%s finish write failed: %v", job.ID, err)
	}
}

// Snapshot reads the published state back.
func (s *RedisSink) Snapshot(ctx context.Context) (Snapshot, error) {
	fields, err := s.client.HGetAll(ctx, s.statusKey()).Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("status: read: %w", err)
	}

	snap := Snapshot{
		State:          fields[FieldState],
		StateChangedAt: fields[FieldStateChangedAt],
		CurrentKey:     fields[FieldCurrentKey],
		CurrentJobID:   fields[FieldCurrentJobID],
	}
	snap.CurrentAttempt, _ = strconv.Atoi(fields[FieldCurrentAttempt])
	snap.SuccessCount, _ = strconv.ParseInt(fields[FieldSuccessCount], 10, 64)
	snap.FailureCount, _ = strconv.ParseInt(fields[FieldFailureCount], 10, 64)

	if snap.RecentSuccess, err = s.readRecent(ctx, "success"); err != nil {
		return Snapshot{}, err
	}
	if snap.RecentFailure, err = s.readRecent(ctx, "failure"); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func (s *RedisSink) readRecent(ctx context.Context, kind string) ([]Finished, error) {
	raw, err := s.client.LRange(ctx, s.recentKey(kind), 0, s.recent-1).Result()
	if err != nil {
		return nil, fmt.Errorf("status: read recent %s: %w", kind, err)
	}
	out := make([]Finished, 0, len(raw))
	for _, r := range raw {
		var f Finished
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *RedisSink) now() string {
	return s.clock().UTC().Format(time.RFC3339)
}
