package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/domain"
)

// TaskRepo persists tasks and their verdict stage.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, name, org_id, username, priority, status, task_path, task_s3_key,
	experiment_id, tags, run_analysis, started_at, finished_at,
	verdict, verdict_status, verdict_error, verdict_started_at, verdict_finished_at,
	created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var verdictRaw []byte
	var verdictStatus, experimentID *string
	err := row.Scan(
		&t.ID, &t.Name, &t.OrgID, &t.User, &t.Priority, &t.Status, &t.TaskPath, &t.TaskS3Key,
		&experimentID, &t.Tags, &t.RunAnalysis, &t.StartedAt, &t.FinishedAt,
		&verdictRaw, &verdictStatus, &t.VerdictError, &t.VerdictStartedAt, &t.VerdictFinishedAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}
	if experimentID != nil {
		t.ExperimentID = *experimentID
	}
	if verdictStatus != nil {
		t.VerdictStatus = domain.StageStatus(*verdictStatus)
	}
	if len(verdictRaw) > 0 {
		var v domain.Verdict
		if err := json.Unmarshal(verdictRaw, &v); err != nil {
			return domain.Task{}, fmt.Errorf("verdict payload: %w", err)
		}
		t.Verdict = &v
	}
	return t, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get id=%s: %w", id, err)
	}
	return t, nil
}

// MarkVerdictRunning flips the verdict stage to running.
func (r *TaskRepo) MarkVerdictRunning(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.MarkVerdictRunning")
	defer span.End()
	q := `UPDATE tasks SET verdict_status = 'running', verdict_started_at = now(), updated_at = now()
		WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=task.mark_verdict id=%s: %w", id, err)
	}
	return nil
}

// FinishVerdict stores the verdict or its error. The task terminalizes as
// completed either way; a failed verdict is recorded but never keeps the
// task running.
func (r *TaskRepo) FinishVerdict(ctx domain.Context, id string, v *domain.Verdict, errMsg string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FinishVerdict")
	defer span.End()

	if v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("op=task.finish_verdict id=%s: %w", id, err)
		}
		q := `UPDATE tasks SET verdict = $2, verdict_status = 'success', verdict_error = '',
			verdict_finished_at = now(), status = 'completed', finished_at = now(), updated_at = now()
			WHERE id = $1`
		if _, err := r.Pool.Exec(ctx, q, id, raw); err != nil {
			return fmt.Errorf("op=task.finish_verdict id=%s: %w", id, err)
		}
		return nil
	}
	q := `UPDATE tasks SET verdict_status = 'failed', verdict_error = $2,
		verdict_finished_at = now(), status = 'completed', finished_at = now(), updated_at = now()
		WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("op=task.finish_verdict id=%s: %w", id, err)
	}
	return nil
}
