package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/metrics"
)

// DefaultDrainTimeout is the maximum time to wait for buffered events during shutdown.
const DefaultDrainTimeout = 30 * time.Second

type Enqueuer interface {
	Enqueue(ctx context.Context, trip domain.Trip) (domain.EnqueueResult, error)
}

// MetricsSink records admission results. Fire-and-forget.
type MetricsSink interface {
	TripAdmitted(result string)
}

// Admitter moves discovered trips into the queue. Duplicates are expected
// (upstream delivery is at-least-once) and are not errors.
type Admitter struct {
	queue        Enqueuer
	metrics      MetricsSink // optional, nil = disabled
	drainTimeout time.Duration
}

func NewAdmitter(queue Enqueuer) *Admitter {
	return &Admitter{queue: queue, drainTimeout: DefaultDrainTimeout}
}

// WithMetrics attaches a metrics sink to the admitter.
func (a *Admitter) WithMetrics(sink MetricsSink) *Admitter {
	a.metrics = sink
	return a
}

func (a *Admitter) WithDrainTimeout(d time.Duration) *Admitter {
	a.drainTimeout = d
	return a
}

// Run admits events from the channel until ctx is cancelled or the channel
// is closed. After cancellation it drains buffered events with a timeout.
// An event taken off the channel is always admitted, even if ctx ends
// meanwhile.
func (a *Admitter) Run(ctx context.Context, ch <-chan domain.TripDiscovered) {
	work := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			a.drain(ch)
			return
		}
		select {
		case <-ctx.Done():
			a.drain(ch)
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := a.Admit(work, event); err != nil {
				log.Printf("admitter: error: %v", err)
			}
		}
	}
}

// drain admits what is left in the buffer. Uses a background context since
// the main context is already cancelled.
func (a *Admitter) drain(ch <-chan domain.TripDiscovered) {
	drainCtx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				log.Printf("admitter: drain timeout, admitted %d events", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				log.Printf("admitter: drain complete, processed %d events", count)
				return
			}
			if _, err := a.Admit(drainCtx, event); err != nil {
				log.Printf("admitter: drain error: %v", err)
			}
			count++
		default:
			if count > 0 {
				log.Printf("admitter: drain complete, processed %d events", count)
			}
			return
		}
	}
}

// Admit enqueues the event's trip.
func (a *Admitter) Admit(ctx context.Context, event domain.TripDiscovered) (domain.EnqueueResult, error) {
	key := event.Trip.BusinessKey()
	res, err := a.queue.Enqueue(ctx, event.Trip)
	if err != nil {
		a.record(metrics.AdmissionError)
		return res, fmt.Errorf("enqueue %s: %w", key, err)
	}

	switch {
	case res.Accepted:
		a.record(metrics.AdmissionAccepted)
		log.Printf("admitter: key=%s accepted job=%s", key, res.JobID)
	case res.DuplicateOf == domain.DuplicateInLedger:
		a.record(metrics.AdmissionDuplicateLedger)
		log.Printf("admitter: key=%s already in ledger, ignored", key)
	default:
		a.record(metrics.AdmissionDuplicateQueue)
		log.Printf("admitter: key=%s already queued, ignored", key)
	}
	return res, nil
}

func (a *Admitter) record(result string) {
	if a.metrics != nil {
		a.metrics.TripAdmitted(result)
	}
}
