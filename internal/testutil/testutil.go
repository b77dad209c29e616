// Package testutil provides shared test helpers for tripqueue.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
)

// FakeClock provides deterministic time for testing.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewFakeClock creates a FakeClock set to the given time.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{current: t}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
}

// TestContext returns a context with a 5-second timeout.
// The context is cancelled when the test completes.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// NewTrip returns a fully populated trip with the given business key.
func NewTrip(key string) domain.Trip {
	return domain.Trip{
		Prefactura:   key,
		TripDate:     "2024-01-15",
		TractorPlate: "TR-1234",
		TrailerPlate: "RM-5678",
		Determinante: "D-17",
		Amount:       "15250.00",
		ClientCode:   "CLI-001",
	}
}

// NewJob returns a PENDING job for key with the given attempt count.
func NewJob(key string, attempts int) domain.Job {
	return domain.Job{
		ID:          "job-" + key,
		BusinessKey: key,
		Payload:     NewTrip(key),
		State:       domain.JobStatePending,
		Attempts:    attempts,
		EnqueuedAt:  time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
}
