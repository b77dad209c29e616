package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/session"
	"github.com/djlord-it/tripqueue/internal/status"
	"github.com/djlord-it/tripqueue/internal/testutil"
)

// mockQueue implements Queue for handler tests.
type mockQueue struct {
	mu       sync.Mutex
	jobs     []domain.Job
	err      error
	purged   int
	purgeErr error
	purges   int
}

func (q *mockQueue) Statistics(ctx context.Context) (domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return domain.QueueStats{}, q.err
	}
	stats := domain.QueueStats{Total: len(q.jobs)}
	for _, j := range q.jobs {
		if j.State == domain.JobStatePending {
			stats.Pending++
		} else {
			stats.InFlight++
		}
	}
	return stats, nil
}

func (q *mockQueue) List(ctx context.Context) ([]domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs, q.err
}

func (q *mockQueue) PurgeZombies(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.purges++
	return q.purged, q.purgeErr
}

// mockLedger implements Ledger for handler tests.
type mockLedger struct {
	mu       sync.Mutex
	failures []domain.LedgerEntry
	stats    domain.LedgerStats
	err      error
	limits   [][2]int
}

func (l *mockLedger) Statistics(ctx context.Context) (domain.LedgerStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats, l.err
}

func (l *mockLedger) Failures(ctx context.Context, limit, offset int) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = append(l.limits, [2]int{limit, offset})
	return l.failures, l.err
}

type fixedSession session.State

func (s fixedSession) State() session.State { return session.State(s) }

type fixedLeader bool

func (l fixedLeader) IsLeader() bool { return bool(l) }

type mockStatus struct {
	snap status.Snapshot
	err  error
}

func (m mockStatus) Snapshot(ctx context.Context) (status.Snapshot, error) {
	return m.snap, m.err
}

func sampleJobs() []domain.Job {
	since := time.Date(2024, 1, 15, 10, 5, 0, 0, time.UTC)
	return []domain.Job{
		{
			ID:            "j1",
			BusinessKey:   "7979536",
			Payload:       testutil.NewTrip("7979536"),
			State:         domain.JobStateInFlight,
			EnqueuedAt:    time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
			InFlightSince: &since,
		},
		{
			ID:          "j2",
			BusinessKey: "7979537",
			Payload:     testutil.NewTrip("7979537"),
			State:       domain.JobStatePending,
			Attempts:    2,
			EnqueuedAt:  time.Date(2024, 1, 15, 10, 1, 0, 0, time.UTC),
			ErrorHistory: []domain.ErrorRecord{
				{Category: domain.OutcomeCapacityLimited, Detail: "user limit", Timestamp: since},
			},
		},
	}
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHandler_Health(t *testing.T) {
	h := NewHandler(&mockQueue{}, &mockLedger{})

	rec := do(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[HealthResponse](t, rec); resp.Status != "ok" || resp.Components != nil {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_HealthVerbose(t *testing.T) {
	h := NewHandler(&mockQueue{}, &mockLedger{}).
		WithSession(fixedSession(session.StateValid)).
		WithHealthCheck("redis", func(ctx context.Context) error { return nil })

	rec := do(t, h, http.MethodGet, "/health?verbose=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	for _, c := range []string{"queue", "ledger", "redis"} {
		if resp.Components[c] != "healthy" {
			t.Errorf("component %s = %q", c, resp.Components[c])
		}
	}
	if resp.Components["session"] != "VALID" {
		t.Errorf("session = %q", resp.Components["session"])
	}
}

func TestHandler_HealthVerboseDegraded(t *testing.T) {
	h := NewHandler(&mockQueue{}, &mockLedger{}).
		WithHealthCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })

	rec := do(t, h, http.MethodGet, "/health?verbose=true")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	resp := decode[HealthResponse](t, rec)
	if resp.Status != "degraded" || resp.Components["redis"] != "unhealthy: connection refused" {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestHandler_Stats(t *testing.T) {
	q := &mockQueue{jobs: sampleJobs()}
	l := &mockLedger{stats: domain.LedgerStats{
		Total:          3,
		SuccessCount:   2,
		FailureCount:   1,
		FailureReasons: map[string]int{"BUSINESS_REJECTED": 1},
	}}
	h := NewHandler(q, l).
		WithSession(fixedSession(session.StateSuspect)).
		WithLeader(fixedLeader(true)).
		WithStatus(mockStatus{snap: status.Snapshot{State: "running", SuccessCount: 2}})

	rec := do(t, h, http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[StatsResponse](t, rec)
	if resp.Queue.Total != 2 || resp.Queue.Pending != 1 || resp.Queue.InFlight != 1 {
		t.Errorf("queue = %+v", resp.Queue)
	}
	if resp.Ledger.FailureReasons["BUSINESS_REJECTED"] != 1 {
		t.Errorf("ledger = %+v", resp.Ledger)
	}
	if resp.Session != "SUSPECT" {
		t.Errorf("session = %q", resp.Session)
	}
	if resp.Leader == nil || !*resp.Leader {
		t.Errorf("leader = %v", resp.Leader)
	}
	if resp.Processor == nil || resp.Processor.State != "running" {
		t.Errorf("processor = %+v", resp.Processor)
	}
}

func TestHandler_StatsSurvivesStatusError(t *testing.T) {
	h := NewHandler(&mockQueue{}, &mockLedger{}).
		WithStatus(mockStatus{err: errors.New("redis down")})

	rec := do(t, h, http.MethodGet, "/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[StatsResponse](t, rec); resp.Processor != nil {
		t.Errorf("processor should be omitted, got %+v", resp.Processor)
	}
}

func TestHandler_StatsQueueError(t *testing.T) {
	h := NewHandler(&mockQueue{err: errors.New("corrupt queue file")}, &mockLedger{})

	rec := do(t, h, http.MethodGet, "/stats")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestHandler_ListJobs(t *testing.T) {
	h := NewHandler(&mockQueue{jobs: sampleJobs()}, &mockLedger{})

	rec := do(t, h, http.MethodGet, "/jobs")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[ListJobsResponse](t, rec)
	if resp.Total != 2 || len(resp.Jobs) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Jobs[0].InFlightSince != "2024-01-15T10:05:00Z" {
		t.Errorf("in_flight_since = %q", resp.Jobs[0].InFlightSince)
	}
	if len(resp.Jobs[1].ErrorHistory) != 1 || resp.Jobs[1].ErrorHistory[0].Category != "CAPACITY_LIMITED" {
		t.Errorf("error history = %+v", resp.Jobs[1].ErrorHistory)
	}
	if resp.Jobs[1].Trip.TractorPlate != "TR-1234" {
		t.Errorf("trip = %+v", resp.Jobs[1].Trip)
	}
}

func TestHandler_ListJobsFilterAndPaginate(t *testing.T) {
	h := NewHandler(&mockQueue{jobs: sampleJobs()}, &mockLedger{})

	resp := decode[ListJobsResponse](t, do(t, h, http.MethodGet, "/jobs?state=pending"))
	if resp.Total != 1 || resp.Jobs[0].BusinessKey != "7979537" {
		t.Errorf("filter: %+v", resp)
	}

	resp = decode[ListJobsResponse](t, do(t, h, http.MethodGet, "/jobs?limit=1&offset=1"))
	if resp.Total != 2 || len(resp.Jobs) != 1 || resp.Jobs[0].ID != "j2" {
		t.Errorf("paginate: %+v", resp)
	}

	if rec := do(t, h, http.MethodGet, "/jobs?state=done"); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid state: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/jobs?limit=5000"); rec.Code != http.StatusBadRequest {
		t.Errorf("limit too large: expected 400, got %d", rec.Code)
	}
}

func TestHandler_GetJob(t *testing.T) {
	h := NewHandler(&mockQueue{jobs: sampleJobs()}, &mockLedger{})

	rec := do(t, h, http.MethodGet, "/jobs/7979537")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[JobResponse](t, rec); resp.ID != "j2" || resp.Attempts != 2 {
		t.Errorf("unexpected job %+v", resp)
	}

	if rec := do(t, h, http.MethodGet, "/jobs/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown key: expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListFailures(t *testing.T) {
	l := &mockLedger{failures: []domain.LedgerEntry{{
		Timestamp:   time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC),
		BusinessKey: "7979536",
		Outcome:     domain.LedgerFailure,
		Reason:      "BUSINESS_REJECTED: Tractor plate not found",
		Trip:        testutil.NewTrip("7979536"),
	}}}
	h := NewHandler(&mockQueue{}, l)

	rec := do(t, h, http.MethodGet, "/ledger/failures?limit=10&offset=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode[ListFailuresResponse](t, rec)
	if len(resp.Failures) != 1 || resp.Failures[0].Reason != "BUSINESS_REJECTED: Tractor plate not found" {
		t.Errorf("unexpected failures %+v", resp.Failures)
	}
	if resp.Failures[0].Trip.TrailerPlate != "RM-5678" {
		t.Errorf("trip metadata missing: %+v", resp.Failures[0].Trip)
	}
	if len(l.limits) != 1 || l.limits[0] != [2]int{10, 5} {
		t.Errorf("pagination not forwarded: %v", l.limits)
	}
}

func TestHandler_PurgeZombies(t *testing.T) {
	q := &mockQueue{purged: 2}
	h := NewHandler(q, &mockLedger{})

	if rec := do(t, h, http.MethodGet, "/maintenance/purge-zombies"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/maintenance/purge-zombies")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode[PurgeResponse](t, rec); resp.Purged != 2 {
		t.Errorf("purged = %d", resp.Purged)
	}
	if q.purges != 1 {
		t.Errorf("expected 1 purge call, got %d", q.purges)
	}
}

func TestHandler_NotFound(t *testing.T) {
	h := NewHandler(&mockQueue{}, &mockLedger{})

	rec := do(t, h, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp := decode[ErrorResponse](t, rec); resp.Error != "not found" {
		t.Errorf("error = %q", resp.Error)
	}
}
