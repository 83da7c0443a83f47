package pgq

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/domain"
)

// Pipeline advances a task through its stages when the last straggler of the
// current stage finishes. Both transitions lock the task row, so at most one
// concurrent completion enters the critical section; the rest observe the
// advanced status and no-op.
type Pipeline struct {
	Pool            Pool
	VerdictKey      string
	VerdictPriority int
}

// NewPipeline constructs a Pipeline enqueueing verdict jobs on verdictKey.
func NewPipeline(pool Pool, verdictKey string) *Pipeline {
	return &Pipeline{Pool: pool, VerdictKey: verdictKey}
}

// MaybeStartAnalysisStage moves the task out of running once no trial is
// still pending, queued, running, or retrying. With analysis enabled the task
// becomes analyzing; if every analysis already finished it jumps straight to
// verdict_pending and the verdict job is enqueued here. With analysis
// disabled the task completes. Returns whether this call advanced the task.
func (p *Pipeline) MaybeStartAnalysisStage(ctx domain.Context, trialID string) (bool, error) {
	tracer := otel.Tracer("pgq.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.MaybeStartAnalysisStage")
	defer span.End()

	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("op=pipeline.analysis begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var taskID string
	if err := tx.QueryRow(ctx, `SELECT task_id FROM trials WHERE id = $1`, trialID).Scan(&taskID); err != nil {
		return false, fmt.Errorf("op=pipeline.analysis trial=%s: %w", trialID, err)
	}
	var status string
	var runAnalysis bool
	lock := `SELECT status, run_analysis FROM tasks WHERE id = $1 FOR UPDATE`
	if err := tx.QueryRow(ctx, lock, taskID).Scan(&status, &runAnalysis); err != nil {
		return false, fmt.Errorf("op=pipeline.analysis task=%s: %w", taskID, err)
	}
	if status != string(domain.TaskPending) && status != string(domain.TaskRunning) {
		return false, nil
	}
	var unfinished int
	cnt := `SELECT count(*) FROM trials WHERE task_id = $1
	        AND status IN ('pending', 'queued', 'running', 'retrying')`
	if err := tx.QueryRow(ctx, cnt, taskID).Scan(&unfinished); err != nil {
		return false, fmt.Errorf("op=pipeline.analysis count task=%s: %w", taskID, err)
	}
	if unfinished > 0 {
		return false, nil
	}

	if !runAnalysis {
		upd := `UPDATE tasks SET status = 'completed', finished_at = now(), updated_at = now() WHERE id = $1`
		if _, err := tx.Exec(ctx, upd, taskID); err != nil {
			return false, fmt.Errorf("op=pipeline.analysis complete task=%s: %w", taskID, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return false, fmt.Errorf("op=pipeline.analysis commit: %w", err)
		}
		return true, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE tasks SET status = 'analyzing', updated_at = now() WHERE id = $1`, taskID); err != nil {
		return false, fmt.Errorf("op=pipeline.analysis advance task=%s: %w", taskID, err)
	}
	// Analyses can finish before the task leaves running; close that race
	// here rather than stranding the task in analyzing forever.
	var open int
	cntA := `SELECT count(*) FROM trials WHERE task_id = $1
	         AND (analysis_status IS NULL OR analysis_status IN ('pending', 'queued', 'running'))`
	if err := tx.QueryRow(ctx, cntA, taskID).Scan(&open); err != nil {
		return false, fmt.Errorf("op=pipeline.analysis count_open task=%s: %w", taskID, err)
	}
	if open == 0 {
		if err := p.enqueueVerdict(ctx, tx, taskID); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=pipeline.analysis commit: %w", err)
	}
	return true, nil
}

// MaybeStartVerdictStage moves an analyzing task to verdict_pending once no
// analysis is still open, enqueueing the verdict job in the same transaction.
func (p *Pipeline) MaybeStartVerdictStage(ctx domain.Context, trialID string) (bool, error) {
	tracer := otel.Tracer("pgq.pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.MaybeStartVerdictStage")
	defer span.End()

	tx, err := p.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("op=pipeline.verdict begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var taskID string
	if err := tx.QueryRow(ctx, `SELECT task_id FROM trials WHERE id = $1`, trialID).Scan(&taskID); err != nil {
		return false, fmt.Errorf("op=pipeline.verdict trial=%s: %w", trialID, err)
	}
	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status); err != nil {
		return false, fmt.Errorf("op=pipeline.verdict task=%s: %w", taskID, err)
	}
	if status != string(domain.TaskAnalyzing) {
		return false, nil
	}
	var open int
	cnt := `SELECT count(*) FROM trials WHERE task_id = $1
	        AND analysis_status IN ('pending', 'queued', 'running')`
	if err := tx.QueryRow(ctx, cnt, taskID).Scan(&open); err != nil {
		return false, fmt.Errorf("op=pipeline.verdict count task=%s: %w", taskID, err)
	}
	if open > 0 {
		return false, nil
	}
	if err := p.enqueueVerdict(ctx, tx, taskID); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=pipeline.verdict commit: %w", err)
	}
	return true, nil
}

func (p *Pipeline) enqueueVerdict(ctx domain.Context, tx pgx.Tx, taskID string) error {
	upd := `UPDATE tasks SET status = 'verdict_pending', verdict_status = 'queued', updated_at = now() WHERE id = $1`
	if _, err := tx.Exec(ctx, upd, taskID); err != nil {
		return fmt.Errorf("op=pipeline.enqueue_verdict task=%s: %w", taskID, err)
	}
	payload := Payload{JobType: JobVerdict, TaskID: taskID, QueueKey: p.VerdictKey}
	if _, err := Enqueue(ctx, tx, p.VerdictKey, payload, p.VerdictPriority); err != nil {
		return err
	}
	return nil
}
