package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
	"github.com/oddish-run/oddish/internal/domain"
)

// TrialRepo persists trials and their analysis stage.
type TrialRepo struct{ Pool PgxPool }

// NewTrialRepo constructs a TrialRepo with the given pool.
func NewTrialRepo(p PgxPool) *TrialRepo { return &TrialRepo{Pool: p} }

const trialColumns = `id, name, task_id, org_id, agent, model, queue_key, provider, environment,
	sandbox_config, status, attempts, max_attempts, harbor_stage, idem_token,
	reward, error, result_path, trial_s3_key,
	input_tokens, cache_tokens, output_tokens, cost_usd, phase_timing, has_trajectory,
	analysis, analysis_status, analysis_error, analysis_started_at, analysis_finished_at,
	started_at, finished_at, created_at, updated_at`

func scanTrial(row pgx.Row) (domain.Trial, error) {
	var t domain.Trial
	var analysisRaw []byte
	var analysisStatus *string
	err := row.Scan(
		&t.ID, &t.Name, &t.TaskID, &t.OrgID, &t.Agent, &t.Model, &t.QueueKey, &t.Provider, &t.Environment,
		&t.SandboxConfig, &t.Status, &t.Attempts, &t.MaxAttempts, &t.HarborStage, &t.IdemToken,
		&t.Reward, &t.ErrorMessage, &t.ResultPath, &t.TrialS3Key,
		&t.InputTokens, &t.CacheTokens, &t.OutputTokens, &t.CostUSD, &t.PhaseTiming, &t.HasTrajectory,
		&analysisRaw, &analysisStatus, &t.AnalysisError, &t.AnalysisStartedAt, &t.AnalysisFinishedAt,
		&t.StartedAt, &t.FinishedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return domain.Trial{}, err
	}
	if analysisStatus != nil {
		t.AnalysisStatus = domain.StageStatus(*analysisStatus)
	}
	if len(analysisRaw) > 0 {
		var c domain.Classification
		if err := json.Unmarshal(analysisRaw, &c); err != nil {
			return domain.Trial{}, fmt.Errorf("analysis payload: %w", err)
		}
		t.Analysis = &c
	}
	return t, nil
}

// Get loads a trial by id.
func (r *TrialRepo) Get(ctx domain.Context, id string) (domain.Trial, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.Get")
	defer span.End()
	q := `SELECT ` + trialColumns + ` FROM trials WHERE id = $1`
	t, err := scanTrial(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trial{}, fmt.Errorf("op=trial.get id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.Trial{}, fmt.Errorf("op=trial.get id=%s: %w", id, err)
	}
	return t, nil
}

// BeginAttempt transitions the trial to running and captures everything the
// attempt needs, so the sandbox run holds no database state. The idempotency
// token is minted on the first attempt only; a pending task moves to running
// in the same transaction.
func (r *TrialRepo) BeginAttempt(ctx domain.Context, id string) (domain.AttemptSnapshot, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.BeginAttempt")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.AttemptSnapshot{}, fmt.Errorf("op=trial.begin_attempt begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var s domain.AttemptSnapshot
	s.TrialID = id
	upd := `UPDATE trials SET
			status = 'running', started_at = now(), harbor_stage = 'starting',
			attempts = attempts + 1,
			idem_token = CASE WHEN idem_token = '' THEN $2 ELSE idem_token END,
			updated_at = now()
		WHERE id = $1
		RETURNING task_id, agent, model, environment, sandbox_config, attempts, max_attempts, idem_token`
	err = tx.QueryRow(ctx, upd, id, uuid.New().String()).Scan(
		&s.TaskID, &s.Agent, &s.Model, &s.Environment, &s.SandboxConfig,
		&s.Attempts, &s.MaxAttempts, &s.IdemToken,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AttemptSnapshot{}, fmt.Errorf("op=trial.begin_attempt id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.AttemptSnapshot{}, fmt.Errorf("op=trial.begin_attempt id=%s: %w", id, err)
	}
	taskUpd := `UPDATE tasks SET status = 'running', started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'`
	if _, err := tx.Exec(ctx, taskUpd, s.TaskID); err != nil {
		return domain.AttemptSnapshot{}, fmt.Errorf("op=trial.begin_attempt task=%s: %w", s.TaskID, err)
	}
	sel := `SELECT task_path, task_s3_key, run_analysis FROM tasks WHERE id = $1`
	if err := tx.QueryRow(ctx, sel, s.TaskID).Scan(&s.TaskPath, &s.TaskS3Key, &s.RunAnalysis); err != nil {
		return domain.AttemptSnapshot{}, fmt.Errorf("op=trial.begin_attempt task=%s: %w", s.TaskID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.AttemptSnapshot{}, fmt.Errorf("op=trial.begin_attempt commit: %w", err)
	}
	return s, nil
}

// SetStage records the current sandbox lifecycle stage.
func (r *TrialRepo) SetStage(ctx domain.Context, id, stage string) error {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.SetStage")
	defer span.End()
	q := `UPDATE trials SET harbor_stage = $2, updated_at = now() WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id, stage); err != nil {
		return fmt.Errorf("op=trial.set_stage id=%s: %w", id, err)
	}
	return nil
}

// ApplyHook writes the stage and, for end events, the pre-terminal outcome.
func (r *TrialRepo) ApplyHook(ctx domain.Context, id string, w domain.HookWrite) error {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.ApplyHook")
	defer span.End()
	if w.Status == "" {
		return r.SetStage(ctx, id, w.Stage)
	}
	q := `UPDATE trials SET harbor_stage = $2, status = $3, reward = $4, error = $5, updated_at = now()`
	if w.Finished {
		q += `, finished_at = now()`
	}
	q += ` WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id, w.Stage, string(w.Status), w.Reward, w.ErrorMessage); err != nil {
		return fmt.Errorf("op=trial.apply_hook id=%s: %w", id, err)
	}
	return nil
}

// Finish writes the authoritative attempt outcome. When the analysis stage is
// requested it is marked queued and its job enqueued in the same transaction,
// guarded so a second finisher cannot double-enqueue.
func (r *TrialRepo) Finish(ctx domain.Context, id string, w domain.FinishWrite) error {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.Finish")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=trial.finish begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upd := `UPDATE trials SET
			status = $2, reward = $3, error = $4, result_path = $5, trial_s3_key = $6,
			input_tokens = $7, cache_tokens = $8, output_tokens = $9, cost_usd = $10,
			phase_timing = $11, has_trajectory = $12,
			finished_at = now(), updated_at = now()
		WHERE id = $1`
	_, err = tx.Exec(ctx, upd, id, string(w.Status), w.Reward, w.ErrorMessage, w.ResultPath, w.TrialS3Key,
		w.InputTokens, w.CacheTokens, w.OutputTokens, w.CostUSD, w.PhaseTiming, w.HasTrajectory)
	if err != nil {
		return fmt.Errorf("op=trial.finish id=%s: %w", id, err)
	}
	if w.EnqueueAnalysis {
		mark := `UPDATE trials SET analysis_status = 'queued', updated_at = now()
			WHERE id = $1 AND analysis_status IS NULL RETURNING id`
		var marked string
		err := tx.QueryRow(ctx, mark, id).Scan(&marked)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// Analysis already scheduled; nothing to enqueue.
		case err != nil:
			return fmt.Errorf("op=trial.finish mark_analysis id=%s: %w", id, err)
		default:
			p := pgq.Payload{JobType: pgq.JobAnalysis, TrialID: id, QueueKey: w.AnalysisQueueKey}
			if _, err := pgq.Enqueue(ctx, tx, w.AnalysisQueueKey, p, w.AnalysisPriority); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=trial.finish commit: %w", err)
	}
	return nil
}

// MarkRetrying records a retriable attempt failure. The queue row goes failed
// and the retry timer controls when the same trial runs again.
func (r *TrialRepo) MarkRetrying(ctx domain.Context, id, errMsg string) error {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.MarkRetrying")
	defer span.End()
	q := `UPDATE trials SET status = 'retrying', error = $2, updated_at = now() WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("op=trial.mark_retrying id=%s: %w", id, err)
	}
	return nil
}

// MarkAnalysisRunning flips the analysis stage to running and returns the
// artifact locations the handler needs.
func (r *TrialRepo) MarkAnalysisRunning(ctx domain.Context, id string) (domain.AnalysisSnapshot, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.MarkAnalysisRunning")
	defer span.End()

	var s domain.AnalysisSnapshot
	s.TrialID = id
	upd := `UPDATE trials SET analysis_status = 'running', analysis_started_at = now(), updated_at = now()
		WHERE id = $1 RETURNING task_id, result_path, trial_s3_key`
	if err := r.Pool.QueryRow(ctx, upd, id).Scan(&s.TaskID, &s.ResultPath, &s.TrialS3Key); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AnalysisSnapshot{}, fmt.Errorf("op=trial.mark_analysis id=%s: %w", id, domain.ErrNotFound)
		}
		return domain.AnalysisSnapshot{}, fmt.Errorf("op=trial.mark_analysis id=%s: %w", id, err)
	}
	sel := `SELECT task_path, task_s3_key FROM tasks WHERE id = $1`
	if err := r.Pool.QueryRow(ctx, sel, s.TaskID).Scan(&s.TaskPath, &s.TaskS3Key); err != nil {
		return domain.AnalysisSnapshot{}, fmt.Errorf("op=trial.mark_analysis task=%s: %w", s.TaskID, err)
	}
	return s, nil
}

// FinishAnalysis stores the classification or the failure.
func (r *TrialRepo) FinishAnalysis(ctx domain.Context, id string, c *domain.Classification, errMsg string) error {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.FinishAnalysis")
	defer span.End()

	if c != nil {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("op=trial.finish_analysis id=%s: %w", id, err)
		}
		q := `UPDATE trials SET analysis = $2, analysis_status = 'success', analysis_error = '',
			analysis_finished_at = now(), updated_at = now() WHERE id = $1`
		if _, err := r.Pool.Exec(ctx, q, id, raw); err != nil {
			return fmt.Errorf("op=trial.finish_analysis id=%s: %w", id, err)
		}
		return nil
	}
	q := `UPDATE trials SET analysis_status = 'failed', analysis_error = $2,
		analysis_finished_at = now(), updated_at = now() WHERE id = $1`
	if _, err := r.Pool.Exec(ctx, q, id, errMsg); err != nil {
		return fmt.Errorf("op=trial.finish_analysis id=%s: %w", id, err)
	}
	return nil
}

// ListClassifications returns the stored analyses of every successfully
// analyzed trial of a task, in trial order.
func (r *TrialRepo) ListClassifications(ctx domain.Context, taskID string) ([]domain.Classification, error) {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.ListClassifications")
	defer span.End()

	q := `SELECT analysis FROM trials
		WHERE task_id = $1 AND analysis_status = 'success' AND analysis IS NOT NULL
		ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("op=trial.list_classifications task=%s: %w", taskID, err)
	}
	defer rows.Close()
	var out []domain.Classification
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("op=trial.list_classifications scan: %w", err)
		}
		var c domain.Classification
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("op=trial.list_classifications decode: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=trial.list_classifications rows: %w", err)
	}
	return out, nil
}

// ResetForRetry requeues a trial from scratch: outcome and artifact fields
// cleared, idempotency token cleared, attempts reset, fresh job enqueued, and
// a terminal task reverted to running. One transaction.
func (r *TrialRepo) ResetForRetry(ctx domain.Context, id string, reset domain.RetryReset) error {
	tracer := otel.Tracer("repo.trials")
	ctx, span := tracer.Start(ctx, "trials.ResetForRetry")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=trial.reset_retry begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upd := `UPDATE trials SET
			status = 'queued', attempts = 0, idem_token = '', harbor_stage = '',
			reward = NULL, error = '', result_path = '', trial_s3_key = '',
			input_tokens = NULL, cache_tokens = NULL, output_tokens = NULL, cost_usd = NULL,
			phase_timing = NULL, has_trajectory = false,
			analysis = NULL, analysis_status = NULL, analysis_error = '',
			analysis_started_at = NULL, analysis_finished_at = NULL,
			started_at = NULL, finished_at = NULL, updated_at = now()
		WHERE id = $1 RETURNING task_id`
	var taskID string
	if err := tx.QueryRow(ctx, upd, id).Scan(&taskID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=trial.reset_retry id=%s: %w", id, domain.ErrNotFound)
		}
		return fmt.Errorf("op=trial.reset_retry id=%s: %w", id, err)
	}
	p := pgq.Payload{JobType: pgq.JobTrial, TrialID: id, QueueKey: reset.QueueKey}
	if _, err := pgq.Enqueue(ctx, tx, reset.QueueKey, p, reset.Priority); err != nil {
		return err
	}
	taskUpd := `UPDATE tasks SET status = 'running', finished_at = NULL, updated_at = now()
		WHERE id = $1 AND status IN ('completed', 'failed')`
	if _, err := tx.Exec(ctx, taskUpd, taskID); err != nil {
		return fmt.Errorf("op=trial.reset_retry task=%s: %w", taskID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=trial.reset_retry commit: %w", err)
	}
	return nil
}
