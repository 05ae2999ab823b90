// Package leaderelection picks one instance to run singleton duties such as
// the ledger reconciler.
//
// Leadership is a lease obtained from a Locker. The Postgres locker uses a
// session-scoped advisory lock held for the lifetime of a dedicated database
// connection; there is no renewal or TTL. If the connection dies, Postgres
// releases the lock server-side.
//
// The heartbeat ping exists solely to detect local connection death so the
// leader can stop its duties promptly. It does NOT renew the lock.
package leaderelection

import (
	"context"
	"log"
	"time"
)

// Reasons passed to MetricsSink.LeaderLost.
const (
	LostShutdown = "shutdown"
	LostConn     = "conn_lost"
)

// MetricsSink defines the interface for recording leader election metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Locker hands out the leadership lease.
type Locker interface {
	// TryAcquire attempts to take the lease without blocking. It returns
	// (nil, nil) when another instance holds it.
	TryAcquire(ctx context.Context) (Lease, error)
	// Name identifies the lock in logs.
	Name() string
}

// Lease is held leadership.
type Lease interface {
	// Ping reports whether the lease is still backed by a live session.
	Ping(ctx context.Context) error
	// Release gives the lease up. It must be safe to call after Ping failed.
	Release(ctx context.Context) error
}

// Config holds elector timing.
type Config struct {
	// RetryInterval is how often a follower attempts acquisition.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its lease.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryInterval:     5 * time.Second,
		HeartbeatInterval: 2 * time.Second,
	}
}

// Elector runs the election loop.
type Elector struct {
	locker    Locker
	config    Config
	onElected func(ctx context.Context)
	onDemoted func()
	metrics   MetricsSink // optional, nil = disabled
}

// New creates a new Elector.
//
// onElected is called in a new goroutine when this instance acquires the lease.
// The provided context is cancelled when leadership is lost.
// onElected should start leader duties and return quickly.
//
// onDemoted is called synchronously when leadership is lost.
// It should stop leader duties and block until they are fully stopped.
// It must be idempotent.
func New(locker Locker, config Config, onElected func(ctx context.Context), onDemoted func()) *Elector {
	def := DefaultConfig()
	if config.RetryInterval <= 0 {
		config.RetryInterval = def.RetryInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	return &Elector{
		locker:    locker,
		config:    config,
		onElected: onElected,
		onDemoted: onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run starts the leader election loop. It blocks until ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: starting election loop (lock=%s, retry=%s, heartbeat=%s)",
		e.locker.Name(), e.config.RetryInterval, e.config.HeartbeatInterval)

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
			log.Printf("leader: lost leadership (reason=%s), will retry in %s", reason, e.config.RetryInterval)
		}

		timer := time.NewTimer(e.config.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("leader: election loop stopped")
			return
		case <-timer.C:
		}
	}
}

// runOnce attempts to acquire the lease and hold it.
// Returns the reason leadership was lost ("" if the lease was not acquired).
func (e *Elector) runOnce(ctx context.Context) string {
	lease, err := e.locker.TryAcquire(ctx)
	if err != nil {
		log.Printf("leader: lock %s acquisition failed: %v", e.locker.Name(), err)
		return ""
	}
	if lease == nil {
		log.Printf("leader: lock %s held by another instance, retrying in %s", e.locker.Name(), e.config.RetryInterval)
		return ""
	}

	log.Printf("leader: acquired lock %s", e.locker.Name())
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	leaderCtx, cancelLeader := context.WithCancel(ctx)

	go e.onElected(leaderCtx)

	reason := e.holdLease(ctx, lease)

	cancelLeader()
	e.onDemoted()

	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		log.Printf("leader: release lock %s: %v", e.locker.Name(), err)
	}

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	log.Printf("leader: released lock %s", e.locker.Name())
	return reason
}

// holdLease blocks while pinging the lease.
// Returns the reason the lease was lost.
func (e *Elector) holdLease(ctx context.Context, lease Lease) string {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return LostShutdown
		case <-ticker.C:
			if err := lease.Ping(ctx); err != nil {
				if ctx.Err() != nil {
					return LostShutdown
				}
				log.Printf("leader: lease ping failed: %v", err)
				return LostConn
			}
		}
	}
}
