// Package reconciler runs periodic queue maintenance.
//
// A job is stale when it has been IN_FLIGHT longer than the threshold: the
// processor that took it is stuck or gone. Stale jobs go back to PENDING
// without losing an attempt. A zombie is a job whose business key already
// has a ledger entry (a crash between the ledger append and the queue
// removal); zombies are removed without touching the ledger.
//
// Both repairs are idempotent, so a cycle can run at any time, including
// concurrently with the processor. With an archiver attached, each cycle
// also moves ledger entries older than the retention window out of the
// live ledger file.
package reconciler

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/djlord-it/tripqueue/internal/cron"
)

// Store defines the queue operations the reconciler needs.
type Store interface {
	RecoverStaleBefore(ctx context.Context, cutoff time.Time) (int, error)
	PurgeZombies(ctx context.Context) (int, error)
}

// Archiver moves ledger entries older than before out of the live ledger.
type Archiver interface {
	Archive(ctx context.Context, before time.Time) (int, error)
}

// MetricsSink defines the interface for recording maintenance metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	MaintenanceCompleted(duration time.Duration, err error)
}

// Config holds reconciler configuration.
type Config struct {
	// Schedule decides when cycles run.
	// Default: every 10 minutes.
	Schedule cron.Schedule

	// StaleThreshold is the IN_FLIGHT age after which a job is recovered.
	// Default: 15 minutes.
	StaleThreshold time.Duration
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:       cron.Every(10 * time.Minute),
		StaleThreshold: 15 * time.Minute,
	}
}

// Result is what one cycle repaired.
type Result struct {
	Recovered int `json:"recovered"`
	Purged    int `json:"purged"`
	Archived  int `json:"archived"`
}

type Reconciler struct {
	config    Config
	store     Store
	archiver  Archiver // optional, nil = disabled
	retention time.Duration
	metrics   MetricsSink // optional, nil = disabled
	clock     func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store) *Reconciler {
	return &Reconciler{
		config: config,
		store:  store,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// WithArchiver archives ledger entries older than retention on every cycle.
// A non-positive retention leaves archival off.
func (r *Reconciler) WithArchiver(a Archiver, retention time.Duration) *Reconciler {
	if retention > 0 {
		r.archiver = a
		r.retention = retention
	}
	return r
}

// Run starts the maintenance loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("reconciler: started (stale_threshold=%s)", r.config.StaleThreshold)

	// Run immediately on startup, then on schedule
	r.runCycle(ctx)

	for {
		timer := time.NewTimer(cron.Until(r.config.Schedule, r.clock()))

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("reconciler: stopped")
			return
		case <-timer.C:
			r.runCycle(ctx)
		}
	}
}

func (r *Reconciler) runCycle(ctx context.Context) {
	if _, err := r.RunCycle(ctx); err != nil {
		log.Printf("reconciler: cycle failed: %v", err)
	}
}

// RunCycle performs one maintenance pass. Every step is attempted even if
// an earlier one fails.
func (r *Reconciler) RunCycle(ctx context.Context) (Result, error) {
	start := r.clock()
	cutoff := start.UTC().Add(-r.config.StaleThreshold)

	var res Result
	recovered, recoverErr := r.store.RecoverStaleBefore(ctx, cutoff)
	if recoverErr == nil {
		res.Recovered = recovered
	}
	purged, purgeErr := r.store.PurgeZombies(ctx)
	if purgeErr == nil {
		res.Purged = purged
	}

	var archiveErr error
	if r.archiver != nil {
		var archived int
		archived, archiveErr = r.archiver.Archive(ctx, start.Add(-r.retention))
		if archiveErr == nil {
			res.Archived = archived
		}
	}

	err := errors.Join(recoverErr, purgeErr, archiveErr)
	if r.metrics != nil {
		r.metrics.MaintenanceCompleted(r.clock().Sub(start), err)
	}

	if res.Recovered > 0 || res.Purged > 0 || res.Archived > 0 {
		log.Printf("reconciler: cycle complete, recovered=%d, purged=%d, archived=%d", res.Recovered, res.Purged, res.Archived)
	}
	return res, err
}
