package pgq

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// SlotStore leases named slots per queue key. For any key, the number of live
// leases (locked_until > now) never exceeds the configured limit.
type SlotStore struct {
	Pool Pool
}

// NewSlotStore constructs a SlotStore with the given pool.
func NewSlotStore(pool Pool) *SlotStore { return &SlotStore{Pool: pool} }

// EnsureSlots idempotently provisions slot rows 0..limit-1 for a queue key.
func (s *SlotStore) EnsureSlots(ctx domain.Context, queueKey string, limit int) error {
	if limit <= 0 {
		return nil
	}
	q := `INSERT INTO slots (queue_key, slot)
	      SELECT $1, generate_series(0, $2 - 1)
	      ON CONFLICT (queue_key, slot) DO NOTHING`
	if _, err := s.Pool.Exec(ctx, q, queueKey, limit); err != nil {
		return fmt.Errorf("op=pgq.slots.ensure key=%s: %w", queueKey, err)
	}
	return nil
}

// Acquire leases the first free slot under the limit. Returns (slot, true) on
// success and (0, false) when the key is saturated. The lease runs in a short
// transaction; it never holds a connection beyond the update.
func (s *SlotStore) Acquire(ctx domain.Context, queueKey string, limit int, workerID string, lease time.Duration) (int, bool, error) {
	tracer := otel.Tracer("pgq.slots")
	ctx, span := tracer.Start(ctx, "slots.Acquire")
	defer span.End()

	if err := s.EnsureSlots(ctx, queueKey, limit); err != nil {
		return 0, false, err
	}
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, false, fmt.Errorf("op=pgq.slots.acquire begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var slot int
	sel := `SELECT slot FROM slots
	        WHERE queue_key = $1 AND slot < $2
	          AND (locked_until IS NULL OR locked_until <= now())
	        ORDER BY slot
	        FOR UPDATE SKIP LOCKED
	        LIMIT 1`
	err = tx.QueryRow(ctx, sel, queueKey, limit).Scan(&slot)
	if errors.Is(err, pgx.ErrNoRows) {
		observability.SlotAcquisitionsTotal.WithLabelValues(queueKey, "saturated").Inc()
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("op=pgq.slots.acquire key=%s: %w", queueKey, err)
	}
	upd := `UPDATE slots SET locked_by = $3, locked_until = now() + make_interval(secs => $4)
	        WHERE queue_key = $1 AND slot = $2`
	if _, err := tx.Exec(ctx, upd, queueKey, slot, workerID, lease.Seconds()); err != nil {
		return 0, false, fmt.Errorf("op=pgq.slots.acquire lock key=%s slot=%d: %w", queueKey, slot, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("op=pgq.slots.acquire commit: %w", err)
	}
	observability.SlotAcquisitionsTotal.WithLabelValues(queueKey, "acquired").Inc()
	return slot, true, nil
}

// Release clears a lease, but only when locked_by still matches: a late
// worker must not release a lease that has been re-issued.
func (s *SlotStore) Release(ctx domain.Context, queueKey string, slot int, workerID string) error {
	q := `UPDATE slots SET locked_by = NULL, locked_until = NULL
	      WHERE queue_key = $1 AND slot = $2 AND locked_by = $3`
	if _, err := s.Pool.Exec(ctx, q, queueKey, slot, workerID); err != nil {
		return fmt.Errorf("op=pgq.slots.release key=%s slot=%d: %w", queueKey, slot, err)
	}
	return nil
}

// SweepExpired clears every lease past its expiry. Called by the dispatcher
// each cycle so crashed workers yield their slots.
func (s *SlotStore) SweepExpired(ctx domain.Context) (int, error) {
	q := `UPDATE slots SET locked_by = NULL, locked_until = NULL
	      WHERE locked_until IS NOT NULL AND locked_until <= now()`
	tag, err := s.Pool.Exec(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("op=pgq.slots.sweep: %w", err)
	}
	n := int(tag.RowsAffected())
	observability.SlotsSweptTotal.Add(float64(n))
	return n, nil
}
