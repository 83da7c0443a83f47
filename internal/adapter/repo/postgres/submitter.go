package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
	"github.com/oddish-run/oddish/internal/domain"
)

// SubmitRepo persists a whole submission atomically: experiment resolution,
// task row, trial rows, and one queued trial job per trial. A worker that
// claims one of these jobs is guaranteed to see its trial row.
type SubmitRepo struct{ Pool PgxPool }

// NewSubmitRepo constructs a SubmitRepo with the given pool.
func NewSubmitRepo(p PgxPool) *SubmitRepo { return &SubmitRepo{Pool: p} }

// Submit writes the draft in one transaction and returns the persisted task.
func (r *SubmitRepo) Submit(ctx domain.Context, d domain.TaskDraft) (domain.Task, error) {
	tracer := otel.Tracer("repo.submit")
	ctx, span := tracer.Start(ctx, "submit.Submit")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=submit begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	task := d.Task
	if d.ExperimentIDOrName != "" {
		expID, err := resolveExperiment(ctx, tx, task.OrgID, d.ExperimentIDOrName, d.ExperimentGenerated)
		if err != nil {
			return domain.Task{}, err
		}
		task.ExperimentID = expID
	}

	insTask := `INSERT INTO tasks (id, name, org_id, username, priority, status, task_path, task_s3_key,
			experiment_id, tags, run_analysis, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7, NULLIF($8, ''), $9, $10, now(), now())`
	_, err = tx.Exec(ctx, insTask, task.ID, task.Name, task.OrgID, task.User, string(task.Priority),
		task.TaskPath, task.TaskS3Key, task.ExperimentID, task.Tags, task.RunAnalysis)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=submit task=%s: %w", task.ID, err)
	}
	task.Status = domain.TaskPending

	insTrial := `INSERT INTO trials (id, name, task_id, org_id, agent, model, queue_key, provider,
			environment, sandbox_config, status, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'queued', $11, now(), now())`
	for _, t := range d.Trials {
		_, err = tx.Exec(ctx, insTrial, t.ID, t.Name, task.ID, task.OrgID, t.Agent, t.Model,
			t.QueueKey, t.Provider, t.Environment, t.SandboxConfig, t.MaxAttempts)
		if err != nil {
			return domain.Task{}, fmt.Errorf("op=submit trial=%s: %w", t.ID, err)
		}
		p := pgq.Payload{JobType: pgq.JobTrial, TrialID: t.ID, QueueKey: t.QueueKey}
		if _, err := pgq.Enqueue(ctx, tx, t.QueueKey, p, d.JobPriority); err != nil {
			return domain.Task{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Task{}, fmt.Errorf("op=submit commit: %w", err)
	}
	return task, nil
}
