// Package channel carries discovered trips from upstream sources to the
// queue admitter over a bounded in-process channel.
package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/djlord-it/tripqueue/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// ErrBufferFull is returned when the buffer stays full for the emit timeout.
var ErrBufferFull = errors.New("event bus: buffer full")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("event bus: closed")

// MetricsSink records buffer occupancy. Fire-and-forget.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout overrides DefaultEmitTimeout.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = sink
	}
}

type EventBus struct {
	ch          chan domain.TripDiscovered
	emitTimeout time.Duration
	metrics     MetricsSink // optional, nil = disabled

	mu     sync.RWMutex
	closed bool
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.TripDiscovered, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.metrics != nil {
		b.metrics.BufferCapacitySet(cap(b.ch))
	}
	return b
}

// Emit queues event for the admitter. It fails with ErrBufferFull when no
// space frees up within the emit timeout, and with ctx's error when ctx
// ends first.
func (b *EventBus) Emit(ctx context.Context, event domain.TripDiscovered) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.emitFailed()
		return ErrClosed
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.recordOccupancy()
		return nil
	case <-ctx.Done():
		b.emitFailed()
		return ctx.Err()
	case <-timer.C:
		b.emitFailed()
		return ErrBufferFull
	}
}

// Channel returns the receive side. It is closed by Close.
func (b *EventBus) Channel() <-chan domain.TripDiscovered {
	return b.ch
}

// Close stops accepting events and closes the channel so consumers can
// drain what is left. Safe to call more than once.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Len returns the number of buffered events.
func (b *EventBus) Len() int {
	return len(b.ch)
}

func (b *EventBus) recordOccupancy() {
	if b.metrics == nil {
		return
	}
	size := len(b.ch)
	b.metrics.BufferSizeUpdate(size)
	if c := cap(b.ch); c > 0 {
		b.metrics.BufferSaturationUpdate(float64(size) / float64(c))
	}
}

func (b *EventBus) emitFailed() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
