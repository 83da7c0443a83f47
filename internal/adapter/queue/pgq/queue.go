package pgq

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// JobStatus is the lifecycle of a queue row.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobPicked    JobStatus = "picked"
	JobSuccess   JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one claimed queue row.
type Job struct {
	ID         int64
	Priority   int
	Entrypoint string
	Payload    Payload
}

// Enqueue inserts one queued row plus its audit-log row. It takes a DB so the
// caller can pass its own transaction: a committed trial row and its queued
// job must become visible together.
func Enqueue(ctx domain.Context, db DB, entrypoint string, p Payload, priority int) (int64, error) {
	raw, err := p.Encode()
	if err != nil {
		return 0, err
	}
	var id int64
	q := `INSERT INTO jobq (priority, entrypoint, payload, status, created_at, updated_at)
	      VALUES ($1, $2, $3, 'queued', now(), now()) RETURNING id`
	if err := db.QueryRow(ctx, q, priority, entrypoint, raw).Scan(&id); err != nil {
		return 0, fmt.Errorf("op=pgq.enqueue entrypoint=%s: %w", entrypoint, err)
	}
	if err := logJob(ctx, db, id, JobQueued, entrypoint, priority); err != nil {
		return 0, err
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(p.JobType)).Inc()
	return id, nil
}

func logJob(ctx domain.Context, db DB, jobID int64, status JobStatus, entrypoint string, priority int) error {
	q := `INSERT INTO jobq_log (job_id, status, entrypoint, priority, at) VALUES ($1, $2, $3, $4, now())`
	if _, err := db.Exec(ctx, q, jobID, status, entrypoint, priority); err != nil {
		return fmt.Errorf("op=pgq.log job_id=%d: %w", jobID, err)
	}
	return nil
}

// Queue claims and completes jobs against a pool.
type Queue struct {
	Pool Pool
	// RetryTimer controls when a failed row becomes claimable again.
	RetryTimer time.Duration
}

// NewQueue constructs a Queue with the given pool and retry timer.
func NewQueue(pool Pool, retryTimer time.Duration) *Queue {
	return &Queue{Pool: pool, RetryTimer: retryTimer}
}

// Enqueue inserts a job outside any caller transaction.
func (q *Queue) Enqueue(ctx domain.Context, entrypoint string, p Payload, priority int) (int64, error) {
	return Enqueue(ctx, q.Pool, entrypoint, p, priority)
}

// ClaimOne claims the best available job for an entrypoint: highest priority
// first, then FIFO. Failed rows past the retry timer are claimable again.
// Returns false when nothing is available.
func (q *Queue) ClaimOne(ctx domain.Context, entrypoint string) (Job, bool, error) {
	tracer := otel.Tracer("pgq.queue")
	ctx, span := tracer.Start(ctx, "queue.ClaimOne")
	defer span.End()

	tx, err := q.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Job{}, false, fmt.Errorf("op=pgq.claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var j Job
	var raw []byte
	sel := `SELECT id, priority, payload FROM jobq
	        WHERE entrypoint = $1
	          AND (status = 'queued' OR (status = 'failed' AND updated_at <= now() - make_interval(secs => $2)))
	        ORDER BY priority DESC, id
	        FOR UPDATE SKIP LOCKED
	        LIMIT 1`
	err = tx.QueryRow(ctx, sel, entrypoint, q.RetryTimer.Seconds()).Scan(&j.ID, &j.Priority, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("op=pgq.claim entrypoint=%s: %w", entrypoint, err)
	}
	j.Entrypoint = entrypoint
	if j.Payload, err = DecodePayload(raw); err != nil {
		// Poison row: park it as failed so the lane is not wedged.
		_, _ = tx.Exec(ctx, `UPDATE jobq SET status='failed', updated_at=now() WHERE id=$1`, j.ID)
		_ = tx.Commit(ctx)
		return Job{}, false, err
	}
	if _, err := tx.Exec(ctx, `UPDATE jobq SET status='picked', updated_at=now() WHERE id=$1`, j.ID); err != nil {
		return Job{}, false, fmt.Errorf("op=pgq.claim pick job_id=%d: %w", j.ID, err)
	}
	if err := logJob(ctx, tx, j.ID, JobPicked, entrypoint, j.Priority); err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Job{}, false, fmt.Errorf("op=pgq.claim commit: %w", err)
	}
	observability.JobsClaimedTotal.WithLabelValues(string(j.Payload.JobType), entrypoint).Inc()
	return j, true, nil
}

// Complete marks a picked job success or failed after its handler returns.
func (q *Queue) Complete(ctx domain.Context, j Job, ok bool, errMsg string) error {
	tracer := otel.Tracer("pgq.queue")
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()

	status := JobSuccess
	if !ok {
		status = JobFailed
	}
	upd := `UPDATE jobq SET status=$2, error=$3, updated_at=now() WHERE id=$1`
	if _, err := q.Pool.Exec(ctx, upd, j.ID, status, errMsg); err != nil {
		return fmt.Errorf("op=pgq.complete job_id=%d: %w", j.ID, err)
	}
	if err := logJob(ctx, q.Pool, j.ID, status, j.Entrypoint, j.Priority); err != nil {
		return err
	}
	observability.JobsCompletedTotal.WithLabelValues(string(j.Payload.JobType), string(status)).Inc()
	return nil
}

// CancelForTrials marks queued jobs referencing any of the trial ids
// cancelled. Best-effort.
func (q *Queue) CancelForTrials(ctx domain.Context, trialIDs []string) (int, error) {
	return q.cancelByField(ctx, "trial_id", trialIDs)
}

// CancelForTasks marks queued jobs referencing any of the task ids cancelled.
// Best-effort.
func (q *Queue) CancelForTasks(ctx domain.Context, taskIDs []string) (int, error) {
	return q.cancelByField(ctx, "task_id", taskIDs)
}

func (q *Queue) cancelByField(ctx domain.Context, field string, values []string) (int, error) {
	if len(values) == 0 {
		return 0, nil
	}
	upd := `UPDATE jobq SET status='cancelled', updated_at=now()
	        WHERE status='queued' AND convert_from(payload, 'UTF8')::jsonb ->> $1 = ANY($2)`
	tag, err := q.Pool.Exec(ctx, upd, field, values)
	if err != nil {
		var pgErr *pgconn.PgError
		// 42P01: table not provisioned yet; cancellation is best-effort.
		if errors.As(err, &pgErr) && pgErr.Code == "42P01" {
			return 0, nil
		}
		return 0, fmt.Errorf("op=pgq.cancel field=%s: %w", field, err)
	}
	return int(tag.RowsAffected()), nil
}

// KeyCounts is the per-entrypoint claim picture the dispatcher plans from.
type KeyCounts struct {
	Queued int
	Picked int
}

// GroupedCounts returns queued and picked counts per entrypoint in one query.
func (q *Queue) GroupedCounts(ctx domain.Context) (map[string]KeyCounts, error) {
	sel := `SELECT entrypoint, status, count(*) FROM jobq
	        WHERE status IN ('queued', 'picked')
	        GROUP BY entrypoint, status`
	rows, err := q.Pool.Query(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("op=pgq.grouped_counts: %w", err)
	}
	defer rows.Close()
	out := map[string]KeyCounts{}
	for rows.Next() {
		var key, status string
		var n int
		if err := rows.Scan(&key, &status, &n); err != nil {
			return nil, fmt.Errorf("op=pgq.grouped_counts scan: %w", err)
		}
		c := out[key]
		switch JobStatus(status) {
		case JobQueued:
			c.Queued = n
		case JobPicked:
			c.Picked = n
		}
		out[key] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=pgq.grouped_counts rows: %w", err)
	}
	return out, nil
}
