// Package session owns the single exclusive automation session.
//
// The Manager is the only holder of the session. The processor borrows it
// for one job at a time through EnsureValid and Current, and never keeps it
// past that call.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of the managed session.
type State string

const (
	StateAbsent  State = "ABSENT"
	StateValid   State = "VALID"
	StateSuspect State = "SUSPECT" // untested since last use
	StateCorrupt State = "CORRUPT"
)

// Session is a live automation session.
type Session interface {
	ID() string
	// Target reports where the session currently points (typically the URL
	// loaded in the browser). Used as the liveness probe.
	Target(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// Opener creates new sessions.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// MetricsSink records session lifecycle events. Fire-and-forget.
type MetricsSink interface {
	SessionStateChanged(state string)
	SessionAcquired()
	SessionAcquireFailed(category string)
	SessionTornDown()
}

// Breaker gates session creation after repeated acquisition failures.
type Breaker interface {
	Allow() error
	RecordSuccess()
	RecordFailure()
}

// DefaultProbeTimeout bounds the liveness probe and the release call.
const DefaultProbeTimeout = 10 * time.Second

// Manager implements the session lifecycle
// ABSENT -> VALID -> SUSPECT -> VALID|CORRUPT -> ABSENT.
type Manager struct {
	mu           sync.Mutex
	opener       Opener
	target       string
	state        State
	current      Session
	lastErr      error
	probeTimeout time.Duration
	metrics      MetricsSink // optional, nil = disabled
	breaker      Breaker     // optional, nil = always open sessions
}

// New creates a Manager. expectedTarget is matched case-insensitively as a
// substring of the session's target during validation; empty disables the
// target check.
func New(opener Opener, expectedTarget string) *Manager {
	return &Manager{
		opener:       opener,
		target:       strings.ToLower(expectedTarget),
		state:        StateAbsent,
		probeTimeout: DefaultProbeTimeout,
	}
}

// WithMetrics attaches a metrics sink to the manager.
func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.metrics = sink
	return m
}

// WithBreaker attaches a breaker consulted before every session creation.
// While it is open, acquisition fails as CAPACITY_LIMITED without calling
// the opener.
func (m *Manager) WithBreaker(b Breaker) *Manager {
	m.breaker = b
	return m
}

// WithProbeTimeout sets the timeout for liveness probes and release.
func (m *Manager) WithProbeTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.probeTimeout = d
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error that caused the last acquisition failure.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Current returns the live session, or nil when none is held.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Acquire creates a new session, tearing down any existing one first.
// On failure the state is CORRUPT and the error is an *AcquisitionError
// carrying the classified category.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(ctx)
}

func (m *Manager) acquireLocked(ctx context.Context) error {
	if m.state != StateAbsent || m.current != nil {
		m.teardownLocked()
	}

	if m.breaker != nil {
		if err := m.breaker.Allow(); err != nil {
			return m.acquireFailed(fmt.Errorf("session creation paused: %w: %w", err, ErrCapacityLimited))
		}
	}

	s, err := m.opener.Open(ctx)
	if err == nil && s == nil {
		err = errors.New("opener returned no session")
	}
	if m.breaker != nil {
		if err != nil {
			m.breaker.RecordFailure()
		} else {
			m.breaker.RecordSuccess()
		}
	}
	if err != nil {
		return m.acquireFailed(err)
	}

	m.current = s
	m.lastErr = nil
	m.setState(StateValid)
	log.Printf("session: acquired id=%s", s.ID())
	if m.metrics != nil {
		m.metrics.SessionAcquired()
	}
	return nil
}

func (m *Manager) acquireFailed(err error) error {
	m.lastErr = err
	m.setState(StateCorrupt)
	category := Classify(err)
	log.Printf("session: acquire failed category=%s: %v", category, err)
	if m.metrics != nil {
		m.metrics.SessionAcquireFailed(string(category))
	}
	return &AcquisitionError{Category: category, Err: err}
}

// Validate probes the live session. A failed probe or an unexpected target
// marks the session CORRUPT.
func (m *Manager) Validate(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validateLocked(ctx)
}

func (m *Manager) validateLocked(ctx context.Context) bool {
	if m.current == nil {
		return false
	}
	if m.state == StateCorrupt {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	target, err := m.current.Target(probeCtx)
	if err != nil {
		log.Printf("session: id=%s probe failed: %v", m.current.ID(), err)
		m.setState(StateCorrupt)
		return false
	}
	if m.target != "" && !strings.Contains(strings.ToLower(target), m.target) {
		log.Printf("session: id=%s unexpected target %q", m.current.ID(), target)
		m.setState(StateCorrupt)
		return false
	}

	m.setState(StateValid)
	return true
}

// EnsureValid leaves a VALID session in place or replaces it. It is the only
// entry point callers use before executing a job.
func (m *Manager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.validateLocked(ctx) {
		return nil
	}
	m.teardownLocked()
	return m.acquireLocked(ctx)
}

// MarkSuspect flags a VALID session as untested after an unclassified error.
func (m *Manager) MarkSuspect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateValid {
		m.setState(StateSuspect)
	}
}

// Teardown releases the session. Release errors are logged and swallowed;
// the state is always ABSENT afterwards.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
}

func (m *Manager) teardownLocked() {
	if m.current != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.probeTimeout)
		if err := m.current.Close(ctx); err != nil {
			log.Printf("session: id=%s release failed (ignored): %v", m.current.ID(), err)
		} else {
			log.Printf("session: id=%s released", m.current.ID())
		}
		cancel()
		m.current = nil
		if m.metrics != nil {
			m.metrics.SessionTornDown()
		}
	}
	m.setState(StateAbsent)
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.metrics != nil {
		m.metrics.SessionStateChanged(string(s))
	}
}
