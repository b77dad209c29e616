package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/testutil"
)

type mockLedger struct {
	mu        sync.Mutex
	keys      map[string]bool
	entries   []domain.LedgerEntry
	appendErr error
	existsErr error
}

func newMockLedger() *mockLedger {
	return &mockLedger{keys: make(map[string]bool)}
}

func (m *mockLedger) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	return m.keys[key], nil
}

func (m *mockLedger) Append(ctx context.Context, entry domain.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.keys[entry.BusinessKey] = true
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockLedger) add(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
}

func (m *mockLedger) getEntries() []domain.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LedgerEntry(nil), m.entries...)
}

type mockMetrics struct {
	mu        sync.Mutex
	exhausted int
	zombies   int
	stale     int
}

func (m *mockMetrics) JobExhausted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exhausted++
}

func (m *mockMetrics) ZombiesPurged(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zombies += count
}

func (m *mockMetrics) StaleRecovered(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stale += count
}

func newTestStore(t *testing.T, l Ledger) (*FileStore, *testutil.FakeClock) {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.json"), l)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	clock := testutil.NewFakeClock(time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC))
	s.clock = clock.Now
	return s, clock
}

func mustEnqueue(t *testing.T, s *FileStore, key string) string {
	t.Helper()
	res, err := s.Enqueue(context.Background(), testutil.NewTrip(key))
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", key, err)
	}
	if !res.Accepted {
		t.Fatalf("Enqueue(%s) rejected: %+v", key, res)
	}
	return res.JobID
}

func TestOpen_CreatesEmptyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.json")
	if _, err := Open(path, newMockLedger()); err != nil {
		t.Fatalf("Open: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Jobs []json.RawMessage `json:"jobs"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("file is not valid json: %v", err)
	}
	if doc.Jobs == nil || len(doc.Jobs) != 0 {
		t.Errorf("expected empty jobs array, got %s", data)
	}
}

func TestOpen_RejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, newMockLedger()); err == nil {
		t.Fatal("expected error opening corrupt queue file")
	}
}

func TestEnqueue_NewJobIsPending(t *testing.T) {
	s, clock := newTestStore(t, newMockLedger())
	id := mustEnqueue(t, s, "7979536")

	jobs, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}
	j := jobs[0]
	if j.ID != id || j.BusinessKey != "7979536" || j.State != domain.JobStatePending || j.Attempts != 0 {
		t.Errorf("unexpected job: %+v", j)
	}
	if !j.EnqueuedAt.Equal(clock.Now()) {
		t.Errorf("EnqueuedAt = %v, want %v", j.EnqueuedAt, clock.Now())
	}
	if j.InFlightSince != nil {
		t.Error("expected nil InFlightSince on new job")
	}
}

func TestEnqueue_Dedup(t *testing.T) {
	l := newMockLedger()
	l.add("already-done")
	s, _ := newTestStore(t, l)
	ctx := context.Background()

	first := mustEnqueue(t, s, "k1")

	tests := []struct {
		name string
		key  string
		want string
	}{
		{"duplicate in queue", "k1", domain.DuplicateInQueue},
		{"duplicate in ledger", "already-done", domain.DuplicateInLedger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Enqueue(ctx, testutil.NewTrip(tt.key))
			if err != nil {
				t.Fatal(err)
			}
			if res.Accepted {
				t.Fatal("expected duplicate to be rejected")
			}
			if res.DuplicateOf != tt.want {
				t.Errorf("DuplicateOf = %q, want %q", res.DuplicateOf, tt.want)
			}
		})
	}

	// In-flight jobs still block their key.
	if _, _, err := s.DequeueNext(ctx, 5); err != nil {
		t.Fatal(err)
	}
	res, err := s.Enqueue(ctx, testutil.NewTrip("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted || res.JobID != first {
		t.Errorf("in-flight duplicate: %+v", res)
	}

	stats, _ := s.Statistics(ctx)
	if stats.Total != 1 {
		t.Errorf("queue total = %d, want 1", stats.Total)
	}
}

func TestEnqueue_EmptyKey(t *testing.T) {
	s, _ := newTestStore(t, newMockLedger())
	_, err := s.Enqueue(context.Background(), domain.Trip{})
	if !errors.Is(err, ErrEmptyBusinessKey) {
		t.Errorf("err = %v, want ErrEmptyBusinessKey", err)
	}
}

func TestEnqueue_LedgerErrorPropagates(t *testing.T) {
	l := newMockLedger()
	l.existsErr = errors.New("disk gone")
	s, _ := newTestStore(t, l)

	if _, err := s.Enqueue(context.Background(), testutil.NewTrip("k")); err == nil {
		t.Fatal("expected ledger error")
	}
	jobs, _ := s.List(context.Background())
	if len(jobs) != 0 {
		t.Errorf("job persisted despite ledger error")
	}
}

func TestDequeueNext_FIFOAndPersistsInFlight(t *testing.T) {
	s, clock := newTestStore(t, newMockLedger())
	ctx := context.Background()

	mustEnqueue(t, s, "a")
	mustEnqueue(t, s, "b")

	job, ok, err := s.DequeueNext(ctx, 5)
	if err != nil || !ok {
		t.Fatalf("DequeueNext: ok=%v err=%v", ok, err)
	}
	if job.BusinessKey != "a" {
		t.Errorf("got %s, want a (FIFO)", job.BusinessKey)
	}
	if job.State != domain.JobStateInFlight || job.InFlightSince == nil || !job.InFlightSince.Equal(clock.Now()) {
		t.Errorf("returned job not in flight: %+v", job)
	}

	// A fresh store on the same file sees the transition.
	reopened, err := Open(s.Path(), newMockLedger())
	if err != nil {
		t.Fatal(err)
	}
	jobs, _ := reopened.List(ctx)
	if jobs[0].State != domain.JobStateInFlight {
		t.Errorf("transition not persisted: %+v", jobs[0])
	}

	job, ok, _ = s.DequeueNext(ctx, 5)
	if !ok || job.BusinessKey != "b" {
		t.Errorf("second dequeue = %+v ok=%v, want b", job, ok)
	}

	_, ok, err = s.DequeueNext(ctx, 5)
	if err != nil || ok {
		t.Errorf("expected empty dequeue, ok=%v err=%v", ok, err)
	}
}

// TestDequeueNext_MaxAttemptsShortCircuit verifies that an exhausted job is
// moved to the ledger out of turn and the scan continues behind it.
func TestDequeueNext_MaxAttemptsShortCircuit(t *testing.T) {
	l := newMockLedger()
	s, _ := newTestStore(t, l)
	m := &mockMetrics{}
	s.WithMetrics(m)
	ctx := context.Background()

	tired := mustEnqueue(t, s, "tired")
	mustEnqueue(t, s, "fresh")

	for i := 0; i < 3; i++ {
		job, ok, err := s.DequeueNext(ctx, 3)
		if err != nil || !ok || job.ID != tired {
			t.Fatalf("round %d: dequeue = %+v ok=%v err=%v", i, job, ok, err)
		}
		if _, err := s.Retry(ctx, tired, domain.OutcomeUnknownError, fmt.Sprintf("boom %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	job, ok, err := s.DequeueNext(ctx, 3)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if job.BusinessKey != "fresh" {
		t.Errorf("got %s, want fresh", job.BusinessKey)
	}

	entries := l.getEntries()
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.BusinessKey != "tired" || e.Outcome != domain.LedgerFailure {
		t.Errorf("unexpected entry: %+v", e)
	}
	if !strings.Contains(e.Reason, domain.ReasonMaxAttemptsExceeded) || !strings.Contains(e.Reason, "boom 2") {
		t.Errorf("reason %q should name MAX_ATTEMPTS_EXCEEDED and the last error", e.Reason)
	}

	jobs, _ := s.List(ctx)
	for _, j := range jobs {
		if j.ID == tired {
			t.Error("exhausted job still in queue")
		}
	}
	if m.exhausted != 1 {
		t.Errorf("exhausted metric = %d, want 1", m.exhausted)
	}
}

func TestDequeueNext_ExhaustedLedgerFailureKeepsJob(t *testing.T) {
	l := newMockLedger()
	s, _ := newTestStore(t, l)
	ctx := context.Background()

	id := mustEnqueue(t, s, "k")
	s.DequeueNext(ctx, 1)
	s.Retry(ctx, id, domain.OutcomeUnknownError, "x")

	l.appendErr = errors.New("ledger full")
	if _, _, err := s.DequeueNext(ctx, 1); err == nil {
		t.Fatal("expected ledger append error")
	}
	jobs, _ := s.List(ctx)
	if len(jobs) != 1 || jobs[0].State != domain.JobStatePending {
		t.Errorf("job should remain pending: %+v", jobs)
	}
}

func TestDequeueNext_DropsZombies(t *testing.T) {
	l := newMockLedger()
	s, _ := newTestStore(t, l)
	ctx := context.Background()

	mustEnqueue(t, s, "zombie")
	mustEnqueue(t, s, "live")
	l.add("zombie")

	job, ok, err := s.DequeueNext(ctx, 5)
	if err != nil || !ok || job.BusinessKey != "live" {
		t.Fatalf("dequeue = %+v ok=%v err=%v, want live", job, ok, err)
	}
	if len(l.getEntries()) != 0 {
		t.Error("dropping a zombie must not append to the ledger")
	}
	stats, _ := s.Statistics(ctx)
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
}

func TestDequeueNext_ConcurrentCallersGetDistinctJobs(t *testing.T) {
	s, _ := newTestStore(t, newMockLedger())
	ctx := context.Background()

	const n = 20
	for i := 0; i < n; i++ {
		mustEnqueue(t, s, fmt.Sprintf("k%02d", i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, ok, err := s.DequeueNext(ctx, 5)
				if err != nil {
					t.Errorf("DequeueNext: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("dequeued %d distinct jobs, want %d", len(seen), n)
	}
	for id, c := range seen {
		if c != 1 {
			t.Errorf("job %s returned %d times", id, c)
		}
	}
}

func TestRetry(t *testing.T) {
	s, clock := newTestStore(t, newMockLedger())
	ctx := context.Background()

	id := mustEnqueue(t, s, "k")
	s.DequeueNext(ctx, 5)
	clock.Advance(time.Minute)

	ok, err := s.Retry(ctx, id, domain.OutcomeResourceCorrupt, "chrome not reachable")
	if err != nil || !ok {
		t.Fatalf("Retry: ok=%v err=%v", ok, err)
	}

	jobs, _ := s.List(ctx)
	j := jobs[0]
	if j.State != domain.JobStatePending || j.Attempts != 1 || j.InFlightSince != nil {
		t.Errorf("unexpected job after retry: %+v", j)
	}
	if len(j.ErrorHistory) != 1 {
		t.Fatalf("error history len = %d, want 1", len(j.ErrorHistory))
	}
	rec := j.ErrorHistory[0]
	if rec.Category != domain.OutcomeResourceCorrupt || rec.Detail != "chrome not reachable" || !rec.Timestamp.Equal(clock.Now()) {
		t.Errorf("unexpected error record: %+v", rec)
	}

	ok, err = s.Retry(ctx, "missing", domain.OutcomeUnknownError, "")
	if err != nil || ok {
		t.Errorf("Retry(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestComplete_RemovesJob(t *testing.T) {
	s, _ := newTestStore(t, newMockLedger())
	ctx := context.Background()

	a := mustEnqueue(t, s, "a")
	b := mustEnqueue(t, s, "b")

	if ok, err := s.CompleteSuccess(ctx, a); err != nil || !ok {
		t.Errorf("CompleteSuccess = %v, %v", ok, err)
	}
	if ok, err := s.CompleteFailure(ctx, b, "BUSINESS_REJECTED"); err != nil || !ok {
		t.Errorf("CompleteFailure = %v, %v", ok, err)
	}
	if ok, _ := s.CompleteSuccess(ctx, a); ok {
		t.Error("second CompleteSuccess should report false")
	}

	stats, _ := s.Statistics(ctx)
	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
}

func TestRecoverStale_KeepsAttempts(t *testing.T) {
	s, _ := newTestStore(t, newMockLedger())
	m := &mockMetrics{}
	s.WithMetrics(m)
	ctx := context.Background()

	id := mustEnqueue(t, s, "k")
	s.DequeueNext(ctx, 5)
	s.Retry(ctx, id, domain.OutcomeUnknownError, "x")
	s.DequeueNext(ctx, 5)

	// Simulate restart.
	reopened, err := Open(s.Path(), newMockLedger())
	if err != nil {
		t.Fatal(err)
	}
	n, err := reopened.RecoverStale(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverStale = %d, %v; want 1", n, err)
	}

	jobs, _ := reopened.List(ctx)
	if jobs[0].State != domain.JobStatePending || jobs[0].Attempts != 1 || jobs[0].InFlightSince != nil {
		t.Errorf("unexpected job after recovery: %+v", jobs[0])
	}

	n, _ = s.RecoverStale(ctx)
	if n != 0 {
		t.Errorf("second recovery = %d, want 0", n)
	}
	if m.stale != 0 {
		t.Errorf("metrics recorded on reopened store only, got %d on original", m.stale)
	}
}

func TestRecoverStaleBefore_OnlyOldJobs(t *testing.T) {
	s, clock := newTestStore(t, newMockLedger())
	ctx := context.Background()

	old := mustEnqueue(t, s, "old")
	mustEnqueue(t, s, "new")

	s.DequeueNext(ctx, 5)
	clock.Advance(20 * time.Minute)
	s.DequeueNext(ctx, 5)

	n, err := s.RecoverStaleBefore(ctx, clock.Now().Add(-15*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("RecoverStaleBefore = %d, %v; want 1", n, err)
	}

	jobs, _ := s.List(ctx)
	for _, j := range jobs {
		wantState := domain.JobStateInFlight
		if j.ID == old {
			wantState = domain.JobStatePending
		}
		if j.State != wantState {
			t.Errorf("job %s state = %s, want %s", j.BusinessKey, j.State, wantState)
		}
	}
}

func TestPurgeZombies(t *testing.T) {
	l := newMockLedger()
	s, _ := newTestStore(t, l)
	m := &mockMetrics{}
	s.WithMetrics(m)
	ctx := context.Background()

	mustEnqueue(t, s, "a")
	mustEnqueue(t, s, "b")
	mustEnqueue(t, s, "c")
	l.add("a")
	l.add("c")

	n, err := s.PurgeZombies(ctx)
	if err != nil || n != 2 {
		t.Fatalf("PurgeZombies = %d, %v; want 2", n, err)
	}
	jobs, _ := s.List(ctx)
	if len(jobs) != 1 || jobs[0].BusinessKey != "b" {
		t.Errorf("remaining = %+v, want only b", jobs)
	}
	if m.zombies != 2 {
		t.Errorf("zombie metric = %d, want 2", m.zombies)
	}
}

func TestStatistics(t *testing.T) {
	s, _ := newTestStore(t, newMockLedger())
	ctx := context.Background()

	a := mustEnqueue(t, s, "a")
	mustEnqueue(t, s, "b")
	mustEnqueue(t, s, "c")
	s.DequeueNext(ctx, 5)
	s.Retry(ctx, a, domain.OutcomeCapacityLimited, "user limit")
	s.DequeueNext(ctx, 5)

	stats, err := s.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := domain.QueueStats{Total: 3, Pending: 2, InFlight: 1, WithErrors: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}
