// Package app wires the dispatcher loop that keeps one-shot workers flowing.
package app

import (
	"time"

	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
	"github.com/oddish-run/oddish/pkg/queuekey"
)

// Spawner launches one worker process for a queue key.
type Spawner interface {
	Spawn(ctx domain.Context, queueKey string) error
}

// JobCounter reports per-entrypoint queue depth.
type JobCounter interface {
	GroupedCounts(ctx domain.Context) (map[string]pgq.KeyCounts, error)
}

// LeaseSweeper releases expired slot leases.
type LeaseSweeper interface {
	SweepExpired(ctx domain.Context) (int, error)
}

// Dispatcher periodically sweeps stale slot leases and spawns workers in
// proportion to queue depth, bounded per key and per cycle. It never kills
// running workers; they bound their own lifetime.
type Dispatcher struct {
	Queue   JobCounter
	Slots   LeaseSweeper
	Spawner Spawner

	Interval   time.Duration
	GlobalCap  int
	QueueLimit func(string) int
	// KnownKeys lists lanes to consider even with no job rows yet.
	KnownKeys func() []string
}

// Run loops until the context is cancelled.
func (d *Dispatcher) Run(ctx domain.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		if err := d.Tick(ctx); err != nil {
			observability.LoggerFromContext(ctx).Error("dispatch cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one dispatch cycle.
func (d *Dispatcher) Tick(ctx domain.Context) error {
	lg := observability.LoggerFromContext(ctx)

	swept, err := d.Slots.SweepExpired(ctx)
	if err != nil {
		return err
	}
	if swept > 0 {
		lg.Info("released expired slot leases", "count", swept)
	}

	counts, err := d.Queue.GroupedCounts(ctx)
	if err != nil {
		return err
	}
	counts = d.withKnownKeys(counts)
	for key, c := range counts {
		observability.QueueDepth.WithLabelValues(key).Set(float64(c.Queued))
	}

	plan := pgq.BuildSpawnPlan(counts, d.QueueLimit, d.GlobalCap)
	if len(plan) == 0 {
		return nil
	}
	lg.Info("spawning workers", "count", len(plan))
	for _, key := range plan {
		if err := d.Spawner.Spawn(ctx, key); err != nil {
			lg.Error("worker spawn failed", "queue_key", key, "error", err)
			continue
		}
		observability.WorkersSpawnedTotal.WithLabelValues(key).Inc()
	}
	return nil
}

// withKnownKeys unions the observed entrypoints with the statically known
// lanes, falling back to the default lane when nothing is active.
func (d *Dispatcher) withKnownKeys(counts map[string]pgq.KeyCounts) map[string]pgq.KeyCounts {
	if counts == nil {
		counts = map[string]pgq.KeyCounts{}
	}
	if d.KnownKeys != nil {
		for _, key := range d.KnownKeys() {
			if _, ok := counts[key]; !ok {
				counts[key] = pgq.KeyCounts{}
			}
		}
	}
	if len(counts) == 0 {
		counts[queuekey.Default] = pgq.KeyCounts{}
	}
	return counts
}
