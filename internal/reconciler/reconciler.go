// Package reconciler finalizes abandoned executions.
//
// An execution is abandoned when it is still pending long after its actions
// must have finished, because the process crashed between writing the
// pending record and finalizing it. Abandoned records would otherwise sit
// in the ledger forever, neither counted toward caps nor visible as failures.
//
// The reconciler periodically scans for stale pending records and marks them
// failed. Finalization is guarded by the store: a record that was finalized
// concurrently returns ErrStatusTransitionDenied and is skipped.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/easytrigger/internal/domain"
	"github.com/djlord-it/easytrigger/internal/ledger"
)

// AbandonedReason is recorded as the error of reconciled executions.
const AbandonedReason = "abandoned: execution did not finish before the reconcile threshold"

// Store fetches stale pending executions.
type Store interface {
	GetStalePendingExecutions(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Execution, error)
}

// Finalizer moves a pending execution to failed.
type Finalizer interface {
	Fail(ctx context.Context, exec domain.Execution, actionIndex int, reason string) (domain.Execution, error)
}

// Schedule decides when the next cycle runs.
type Schedule interface {
	Next(after time.Time) time.Time
}

type MetricsSink interface {
	StalePendingUpdate(count int)
	ExecutionsAbandoned(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Threshold is the age after which a pending execution is considered
	// abandoned. It must exceed the action timeout times the longest action
	// list, otherwise in-flight executions are failed.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of records finalized per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler fails abandoned executions on a schedule.
type Reconciler struct {
	config    Config
	store     Store
	finalizer Finalizer
	schedule  Schedule
	metrics   MetricsSink
	clock     func() time.Time
}

// New creates a new Reconciler.
func New(config Config, store Store, finalizer Finalizer, schedule Schedule) *Reconciler {
	def := DefaultConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Reconciler{
		config:    config,
		store:     store,
		finalizer: finalizer,
		schedule:  schedule,
		clock:     time.Now,
	}
}

func (r *Reconciler) WithMetrics(m MetricsSink) *Reconciler {
	r.metrics = m
	return r
}

func (r *Reconciler) WithClock(clock func() time.Time) *Reconciler {
	r.clock = clock
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log.Printf("reconciler: started (threshold=%s, batch=%d)", r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on schedule
	r.RunCycle(ctx)

	for {
		now := r.clock()
		wait := r.schedule.Next(now).Sub(now)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("reconciler: stopped")
			return
		case <-timer.C:
			r.RunCycle(ctx)
		}
	}
}

// CycleResult summarizes one reconciliation pass.
type CycleResult struct {
	Found     int
	Abandoned int
	Skipped   int
	Failed    int
}

// RunCycle executes one reconciliation cycle.
func (r *Reconciler) RunCycle(ctx context.Context) CycleResult {
	var res CycleResult
	cutoff := r.clock().UTC().Add(-r.config.Threshold)

	stale, err := r.store.GetStalePendingExecutions(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next run.
		log.Printf("reconciler: failed to fetch stale executions: %v", err)
		return res
	}

	res.Found = len(stale)
	if r.metrics != nil {
		r.metrics.StalePendingUpdate(len(stale))
	}
	if len(stale) == 0 {
		return res
	}

	log.Printf("reconciler: found %d stale pending executions", len(stale))

	for _, exec := range stale {
		if ctx.Err() != nil {
			log.Printf("reconciler: cycle interrupted, processed %d/%d", res.Abandoned+res.Skipped+res.Failed, len(stale))
			break
		}

		if _, err := r.finalizer.Fail(ctx, exec, -1, AbandonedReason); err != nil {
			if errors.Is(err, ledger.ErrStatusTransitionDenied) {
				res.Skipped++
				continue
			}
			log.Printf("reconciler: failed to finalize execution=%s trigger=%s contact=%s: %v",
				exec.ID, exec.TriggerID, exec.ContactID, err)
			res.Failed++
			continue
		}

		log.Printf("reconciler: abandoned execution=%s trigger=%s contact=%s (age=%s)",
			exec.ID, exec.TriggerID, exec.ContactID, r.clock().Sub(exec.ExecutedAt).Round(time.Second))
		res.Abandoned++
	}

	if r.metrics != nil && res.Abandoned > 0 {
		r.metrics.ExecutionsAbandoned(res.Abandoned)
	}
	log.Printf("reconciler: cycle complete, %s", res)
	return res
}

func (c CycleResult) String() string {
	return fmt.Sprintf("abandoned=%d skipped=%d failed=%d", c.Abandoned, c.Skipped, c.Failed)
}
