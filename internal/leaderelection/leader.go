// Package leaderelection keeps at most one processor active across
// instances sharing a Redis server.
//
// The lock is a single key set with NX and a TTL. The holder refreshes the
// TTL with a compare-and-pexpire script and releases it with
// compare-and-delete, so an instance never extends or removes a lock it no
// longer owns. If the holder dies, the key expires after the TTL and another
// instance takes over.
package leaderelection

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when the lock is owned by someone else or expired.
var ErrNotHeld = errors.New("leaderelection: lock not held")

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "lock_lost", "error"
}

// Elector manages leader election using a Redis lock.
type Elector struct {
	client        *redis.Client
	key           string
	token         string
	ttl           time.Duration
	retryInterval time.Duration // follower: how often to attempt lock acquisition
	refresh       time.Duration // leader: how often to extend the TTL
	onElected     func(ctx context.Context)
	onDemoted     func()
	metrics       MetricsSink // optional, nil = disabled
	leader        atomic.Bool
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lock.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties (the processor) and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(
	client *redis.Client,
	key string,
	ttl, retryInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	refresh := ttl / 3
	if refresh < time.Millisecond {
		refresh = time.Millisecond
	}
	return &Elector{
		client:        client,
		key:           key,
		token:         uuid.NewString(),
		ttl:           ttl,
		retryInterval: retryInterval,
		refresh:       refresh,
		onElected:     onElected,
		onDemoted:     onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// IsLeader reports whether this instance currently holds the lock.
func (e *Elector) IsLeader() bool {
	return e.leader.Load()
}

// Token identifies this instance as the lock value.
func (e *Elector) Token() string {
	return e.token
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (key=%s, ttl=%s, retry=%s)",
		e.key, e.ttl, e.retryInterval)

	for {
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		reason := e.runOnce(ctx)

		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.retryInterval)
		}

		timer := time.NewTimer(e.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("leader: election loop stopped")
			return
		case <-timer.C:
		}
	}
}

// runOnce attempts to acquire the lock and hold it.
// Returns the reason leadership was lost ("" if lock was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	acquired, err := e.client.SetNX(ctx, e.key, e.token, e.ttl).Result()
	if err != nil {
		log.Printf("leader: lock attempt failed: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leader: acquired lock %s", e.key)
	e.leader.Store(true)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.onElected(leaderCtx)

	reason := e.holdLock(ctx)

	cancelLeader()
	e.onDemoted()
	e.leader.Store(false)

	if reason != "lock_lost" {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.release(releaseCtx); err != nil {
			log.Printf("leader: release failed (lock expires in %s): %v", e.ttl, err)
		}
		cancel()
	}

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	log.Printf("leader: released lock %s", e.key)
	return reason
}

// holdLock extends the TTL until ctx ends or the lock is gone.
// Returns the reason the lock was lost.
func (e *Elector) holdLock(ctx context.Context) string {
	ticker := time.NewTicker(e.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			err := e.extend(ctx)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return "shutdown"
			case errors.Is(err, ErrNotHeld):
				log.Printf("leader: lock %s taken over or expired", e.key)
				return "lock_lost"
			default:
				log.Printf("leader: refresh failed: %v", err)
				return "error"
			}
		}
	}
}

func (e *Elector) extend(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, e.client, []string{e.key}, e.token, e.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("leaderelection: refresh: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (e *Elector) release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, e.client, []string{e.key}, e.token).Int64()
	if err != nil {
		return fmt.Errorf("leaderelection: release: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
