// Package processor runs the single-job control loop: dequeue, make sure
// the session is usable, execute, classify, then update ledger, queue and
// session according to the outcome's policy.
//
// Nothing that goes wrong while handling a job escapes the loop. Callers
// only see an idle/busy status and, optionally, observability events.
package processor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
	"github.com/djlord-it/tripqueue/internal/outcome"
	"github.com/djlord-it/tripqueue/internal/session"
)

type Queue interface {
	DequeueNext(ctx context.Context, maxAttempts int) (domain.Job, bool, error)
	CompleteSuccess(ctx context.Context, jobID string) (bool, error)
	CompleteFailure(ctx context.Context, jobID, reason string) (bool, error)
	Retry(ctx context.Context, jobID string, category domain.Outcome, detail string) (bool, error)
	RecoverStale(ctx context.Context) (int, error)
	Statistics(ctx context.Context) (domain.QueueStats, error)
}

type Ledger interface {
	Append(ctx context.Context, entry domain.LedgerEntry) error
}

// Resource is the session lifecycle as seen by the processor.
type Resource interface {
	EnsureValid(ctx context.Context) error
	Current() session.Session
	MarkSuspect()
	Teardown()
}

// Executor runs one trip against a live session.
type Executor interface {
	Execute(ctx context.Context, s session.Session, trip domain.Trip) (outcome.Signal, error)
}

// Poller pulls new trips from upstream when the queue is idle. It returns
// the number of trips it found.
type Poller interface {
	Poll(ctx context.Context) (int, error)
}

// EventSink receives observability events. Implementations must not block
// for long and handle their own errors.
type EventSink interface {
	ProcessorStateChanged(ctx context.Context, state string)
	JobStarted(ctx context.Context, job domain.Job)
	JobFinished(ctx context.Context, job domain.Job, result outcome.Result, action string)
}

// MetricsSink defines the interface for recording processor metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	JobDequeued()
	JobCompleted(outcome string, duration time.Duration)
	RetryScheduled(category string)
	BackoffApplied(d time.Duration)
	ProcessorBusy(busy bool)
	QueueDepthUpdate(pending, inFlight int)
}

// Status is what one iteration reports to its caller.
type Status int

const (
	StatusIdle Status = iota
	StatusBusy
)

func (s Status) String() string {
	if s == StatusBusy {
		return "busy"
	}
	return "idle"
}

// Processor states reported to the EventSink.
const (
	StateRunning = "running"
	StateIdle    = "idle"
	StateStopped = "stopped"
)

// ReasonLedgerAppendFailed is recorded as retry detail when a terminal
// outcome could not be written to the ledger.
const ReasonLedgerAppendFailed = "ledger append failed"

type Config struct {
	// MaxAttempts caps retries for every retryable outcome. <= 0 disables the cap.
	MaxAttempts int

	// PollInterval is the idle sleep between empty dequeues.
	PollInterval time.Duration

	Backoffs outcome.Backoffs
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		PollInterval: 10 * time.Second,
		Backoffs:     outcome.DefaultBackoffs(),
	}
}

type Processor struct {
	config   Config
	queue    Queue
	ledger   Ledger
	resource Resource
	executor Executor
	poller   Poller      // optional, nil = no ingestion polling
	events   EventSink   // optional, nil = disabled
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
	wait     func(ctx context.Context, d time.Duration)

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(config Config, queue Queue, ledger Ledger, resource Resource, executor Executor) *Processor {
	p := &Processor{
		config:   config,
		queue:    queue,
		ledger:   ledger,
		resource: resource,
		executor: executor,
		clock:    time.Now,
		stopCh:   make(chan struct{}),
	}
	p.wait = p.sleep
	return p
}

// WithPoller attaches an upstream poller used when the queue is idle.
func (p *Processor) WithPoller(poller Poller) *Processor {
	p.poller = poller
	return p
}

// WithEvents attaches an observability sink.
func (p *Processor) WithEvents(sink EventSink) *Processor {
	p.events = sink
	return p
}

// WithMetrics attaches a metrics sink to the processor.
func (p *Processor) WithMetrics(sink MetricsSink) *Processor {
	p.metrics = sink
	return p
}

// Stop requests a cooperative stop. The current job, if any, finishes
// first; pending sleeps are cut short. Safe to call more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Processor) stopRequested() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Recover returns jobs left IN_FLIGHT by a previous run to PENDING.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	n, err := p.queue.RecoverStale(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	if n > 0 {
		log.Printf("processor: recovered %d stale jobs", n)
	}
	return n, nil
}

// Run recovers stale jobs, then processes jobs until ctx is cancelled or
// Stop is called. The session is always torn down on the way out.
func (p *Processor) Run(ctx context.Context) {
	log.Printf("processor: started (max_attempts=%d, poll=%s)", p.config.MaxAttempts, p.config.PollInterval)
	p.emitState(ctx, StateRunning)

	defer func() {
		p.resource.Teardown()
		p.emitState(context.WithoutCancel(ctx), StateStopped)
		if p.metrics != nil {
			p.metrics.ProcessorBusy(false)
		}
		log.Println("processor: stopped")
	}()

	if _, err := p.Recover(ctx); err != nil {
		log.Printf("processor: %v", err)
	}

	wasIdle := false
	for {
		if ctx.Err() != nil || p.stopRequested() {
			return
		}

		if p.ProcessNext(ctx) == StatusBusy {
			wasIdle = false
			continue
		}

		if !wasIdle {
			p.emitState(ctx, StateIdle)
			wasIdle = true
		}
		if p.poll(ctx) > 0 {
			continue
		}
		p.wait(ctx, p.config.PollInterval)
	}
}

func (p *Processor) poll(ctx context.Context) int {
	if p.poller == nil || ctx.Err() != nil {
		return 0
	}
	n, err := p.poller.Poll(ctx)
	if err != nil {
		log.Printf("processor: poll failed: %v", err)
		return 0
	}
	return n
}

// ProcessNext handles at most one job and applies the outcome's backoff
// before returning. It returns StatusIdle when there was nothing to do.
//
// Once a job is dequeued it is carried through to a queue update even if
// ctx is cancelled: interrupting a half-submitted trip would leave the
// downstream system inconsistent.
func (p *Processor) ProcessNext(ctx context.Context) Status {
	job, ok, err := p.queue.DequeueNext(ctx, p.config.MaxAttempts)
	if err != nil {
		log.Printf("processor: dequeue failed: %v", err)
		p.updateDepth(ctx)
		return StatusIdle
	}
	if !ok {
		p.updateDepth(ctx)
		return StatusIdle
	}

	work := context.WithoutCancel(ctx)

	if p.metrics != nil {
		p.metrics.JobDequeued()
		p.metrics.ProcessorBusy(true)
		defer p.metrics.ProcessorBusy(false)
	}
	if p.events != nil {
		p.events.JobStarted(work, job)
	}

	log.Printf("processor: job=%s key=%s attempt=%d started", job.ID, job.BusinessKey, job.Attempts+1)
	start := p.clock()

	result := p.attempt(work, job)
	policy := outcome.PolicyFor(result.Outcome, p.config.Backoffs)
	action := p.apply(work, job, result, policy)

	duration := p.clock().Sub(start)
	log.Printf("processor: job=%s key=%s outcome=%s action=%s duration=%s",
		job.ID, job.BusinessKey, result.Outcome, action, duration.Round(time.Millisecond))

	if p.metrics != nil {
		p.metrics.JobCompleted(string(result.Outcome), duration)
	}
	if p.events != nil {
		p.events.JobFinished(work, job, result, action)
	}
	p.updateDepth(work)

	if policy.Backoff > 0 {
		if p.metrics != nil {
			p.metrics.BackoffApplied(policy.Backoff)
		}
		log.Printf("processor: backoff=%s after %s", policy.Backoff, result.Outcome)
		p.wait(ctx, policy.Backoff)
	}
	return StatusBusy
}

// attempt acquires a usable session and executes the job. Every failure is
// folded into a classified result; a panic anywhere in acquisition or
// execution is UNKNOWN_ERROR.
func (p *Processor) attempt(ctx context.Context, job domain.Job) (res outcome.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = outcome.Result{Outcome: domain.OutcomeUnknownError, Detail: fmt.Sprintf("panic: %v", r)}
		}
	}()

	if err := p.resource.EnsureValid(ctx); err != nil {
		category := session.Classify(err)
		return outcome.Result{Outcome: category, Detail: "acquire: " + err.Error()}
	}

	s := p.resource.Current()
	if s == nil {
		return outcome.Result{Outcome: domain.OutcomeResourceCorrupt, Detail: "no session after ensure_valid"}
	}

	sig, err := p.executor.Execute(ctx, s, job.Payload)
	return outcome.Classify(sig, err)
}

// apply performs the resource and queue actions of policy. It returns a
// short description of what happened to the job.
func (p *Processor) apply(ctx context.Context, job domain.Job, result outcome.Result, policy outcome.Policy) string {
	switch policy.Resource {
	case outcome.ResourceKeep:
	case outcome.ResourceTeardown:
		p.resource.Teardown()
	case outcome.ResourceRevalidate:
		p.resource.MarkSuspect()
	}

	switch policy.Queue {
	case outcome.QueueCompleteSuccess:
		return p.finish(ctx, job, domain.LedgerSuccess, "", result)
	case outcome.QueueCompleteFailure:
		reason := string(result.Outcome)
		if result.Detail != "" {
			reason += ": " + result.Detail
		}
		return p.finish(ctx, job, domain.LedgerFailure, reason, result)
	default:
		p.retry(ctx, job, result.Outcome, result.Detail)
		return outcome.QueueRetry.String()
	}
}

// finish records a terminal outcome. The ledger is written before the job
// is removed so a crash in between leaves a zombie job (purged later)
// rather than a trip with no record.
func (p *Processor) finish(ctx context.Context, job domain.Job, ledgerOutcome domain.LedgerOutcome, reason string, result outcome.Result) string {
	entry := domain.LedgerEntry{
		Timestamp:   p.clock().UTC(),
		BusinessKey: job.BusinessKey,
		Outcome:     ledgerOutcome,
		Reason:      reason,
		Trip:        job.Payload,
		InvoiceUUID: result.Signal.InvoiceUUID,
		ERPTripID:   result.Signal.ERPTripID,
	}
	if err := p.ledger.Append(ctx, entry); err != nil {
		log.Printf("processor: job=%s key=%s ledger append failed: %v", job.ID, job.BusinessKey, err)
		p.retry(ctx, job, domain.OutcomeUnknownError,
			fmt.Sprintf("%s after %s: %v", ReasonLedgerAppendFailed, result.Outcome, err))
		return outcome.QueueRetry.String()
	}

	var (
		removed bool
		err     error
		action  outcome.QueueAction
	)
	if ledgerOutcome == domain.LedgerSuccess {
		action = outcome.QueueCompleteSuccess
		removed, err = p.queue.CompleteSuccess(ctx, job.ID)
	} else {
		action = outcome.QueueCompleteFailure
		removed, err = p.queue.CompleteFailure(ctx, job.ID, reason)
	}
	if err != nil {
		log.Printf("processor: job=%s remove after %s failed (will be purged): %v", job.ID, ledgerOutcome, err)
	} else if !removed {
		log.Printf("processor: job=%s was already gone from the queue", job.ID)
	}
	return action.String()
}

func (p *Processor) retry(ctx context.Context, job domain.Job, category domain.Outcome, detail string) {
	if p.metrics != nil {
		p.metrics.RetryScheduled(string(category))
	}
	ok, err := p.queue.Retry(ctx, job.ID, category, detail)
	if err != nil {
		// The job stays IN_FLIGHT; stale recovery returns it to PENDING.
		log.Printf("processor: job=%s retry update failed: %v", job.ID, err)
		return
	}
	if !ok {
		log.Printf("processor: job=%s vanished before retry", job.ID)
	}
}

func (p *Processor) updateDepth(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	stats, err := p.queue.Statistics(ctx)
	if err != nil {
		return
	}
	p.metrics.QueueDepthUpdate(stats.Pending, stats.InFlight)
}

func (p *Processor) emitState(ctx context.Context, state string) {
	if p.events != nil {
		p.events.ProcessorStateChanged(ctx, state)
	}
}

// sleep blocks for d, or until ctx is cancelled or Stop is called.
func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	select {
	case <-ctx.Done():
	case <-p.stopCh:
	case <-timer.C:
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
