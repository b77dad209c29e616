package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/tripqueue/internal/cron"
	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/ledger"
	"github.com/djlord-it/tripqueue/internal/queue"
	"github.com/djlord-it/tripqueue/internal/testutil"
)

// mockStore records maintenance calls.
type mockStore struct {
	mu         sync.Mutex
	cutoffs    []time.Time
	purges     int
	recovered  int
	purged     int
	recoverErr error
	purgeErr   error
}

func (s *mockStore) RecoverStaleBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs = append(s.cutoffs, cutoff)
	return s.recovered, s.recoverErr
}

func (s *mockStore) PurgeZombies(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purges++
	return s.purged, s.purgeErr
}

func (s *mockStore) calls() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cutoffs), s.purges
}

type mockArchiver struct {
	mu      sync.Mutex
	befores []time.Time
	moved   int
	err     error
}

func (a *mockArchiver) Archive(ctx context.Context, before time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.befores = append(a.befores, before)
	return a.moved, a.err
}

type mockMetrics struct {
	mu   sync.Mutex
	errs []error
}

func (m *mockMetrics) MaintenanceCompleted(d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

func TestReconciler_CutoffUsesThreshold(t *testing.T) {
	store := &mockStore{recovered: 2, purged: 1}
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	r := New(Config{Schedule: cron.Every(time.Hour), StaleThreshold: 15 * time.Minute}, store)
	r.clock = func() time.Time { return now }

	res, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Recovered != 2 || res.Purged != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if want := now.Add(-15 * time.Minute); !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
}

func TestReconciler_RecoverErrorStillPurges(t *testing.T) {
	store := &mockStore{recoverErr: errors.New("disk full"), purged: 3}
	metrics := &mockMetrics{}

	r := New(DefaultConfig(), store).WithMetrics(metrics)

	res, err := r.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Purged != 3 {
		t.Errorf("purge should still run, got %+v", res)
	}
	if len(metrics.errs) != 1 || metrics.errs[0] == nil {
		t.Errorf("metrics should record the failed cycle, got %v", metrics.errs)
	}
}

func TestReconciler_RunsImmediatelyAndStops(t *testing.T) {
	store := &mockStore{}
	r := New(Config{Schedule: cron.Every(time.Hour), StaleThreshold: time.Minute}, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if recov, _ := store.calls(); recov == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup cycle did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestReconciler_RunsOnSchedule(t *testing.T) {
	store := &mockStore{}
	r := New(Config{Schedule: cron.Every(time.Second), StaleThreshold: time.Minute}, store)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if recov, purges := store.calls(); recov < 2 || purges < 2 {
		t.Errorf("expected startup and scheduled cycles, got recover=%d purge=%d", recov, purges)
	}
}

func TestReconciler_RepairsRealQueue(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.csv"))
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.Open(filepath.Join(dir, "queue.json"), l)
	if err != nil {
		t.Fatal(err)
	}
	ctx := testutil.TestContext(t)

	for _, k := range []string{"stuck", "zombie"} {
		if _, err := q.Enqueue(ctx, testutil.NewTrip(k)); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, err := q.DequeueNext(ctx, 5); !ok || err != nil {
		t.Fatalf("dequeue: %v %v", ok, err)
	}
	if err := l.Append(ctx, domain.LedgerEntry{
		Timestamp:   time.Now().UTC(),
		BusinessKey: "zombie",
		Outcome:     domain.LedgerSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	// A zero threshold makes every IN_FLIGHT job stale.
	r := New(Config{Schedule: cron.Every(time.Hour), StaleThreshold: 0}, q)
	r.clock = func() time.Time { return time.Now().Add(time.Second) }

	res, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Recovered != 1 || res.Purged != 1 {
		t.Errorf("expected recovered=1 purged=1, got %+v", res)
	}

	jobs, _ := q.List(ctx)
	if len(jobs) != 1 || jobs[0].BusinessKey != "stuck" || jobs[0].State != domain.JobStatePending {
		t.Errorf("unexpected queue %+v", jobs)
	}
	if jobs[0].Attempts != 0 {
		t.Errorf("recovery must not count an attempt, got %d", jobs[0].Attempts)
	}
}

func TestReconciler_ArchivesBeyondRetention(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		retention time.Duration
		err       error
		wantCalls int
		wantMoved int
		wantErr   bool
	}{
		{"archives", 30 * 24 * time.Hour, nil, 1, 4, false},
		{"zero retention disables", 0, nil, 0, 0, false},
		{"error reported", 30 * 24 * time.Hour, errors.New("read-only fs"), 1, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockStore{purged: 1}
			arch := &mockArchiver{moved: 4, err: tt.err}
			r := New(DefaultConfig(), store).WithArchiver(arch, tt.retention)
			r.clock = func() time.Time { return now }

			res, err := r.RunCycle(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(arch.befores) != tt.wantCalls {
				t.Fatalf("archive calls = %d, want %d", len(arch.befores), tt.wantCalls)
			}
			if tt.wantCalls > 0 && !arch.befores[0].Equal(now.Add(-tt.retention)) {
				t.Errorf("before = %v, want %v", arch.befores[0], now.Add(-tt.retention))
			}
			if res.Archived != tt.wantMoved || res.Purged != 1 {
				t.Errorf("result = %+v", res)
			}
		})
	}
}

func TestReconciler_ArchivedKeysStayDuplicates(t *testing.T) {
	dir := t.TempDir()
	l, err := ledger.Open(filepath.Join(dir, "ledger.csv"))
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.Open(filepath.Join(dir, "queue.json"), l)
	if err != nil {
		t.Fatal(err)
	}
	ctx := testutil.TestContext(t)

	if err := l.Append(ctx, domain.LedgerEntry{
		Timestamp:   time.Now().Add(-31 * 24 * time.Hour),
		BusinessKey: "7979536",
		Outcome:     domain.LedgerSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	r := New(DefaultConfig(), q).WithArchiver(l, 30*24*time.Hour)
	res, err := r.RunCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("expected one archived row, got %+v", res)
	}
	if entries, _ := l.Entries(ctx); len(entries) != 0 {
		t.Errorf("live ledger should be empty, got %+v", entries)
	}

	admit, err := q.Enqueue(ctx, testutil.NewTrip("7979536"))
	if err != nil {
		t.Fatal(err)
	}
	if admit.Accepted || admit.DuplicateOf != domain.DuplicateInLedger {
		t.Errorf("archived key must still be a ledger duplicate, got %+v", admit)
	}
}
