package usecase

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// RetryService requeues trials on user request. Retry is same trial, new job:
// result and artifact fields are cleared, the idempotency token is cleared,
// and a terminal task is reverted to running.
type RetryService struct {
	Trials domain.TrialRepository
	Tasks  domain.TaskRepository
}

// NewRetryService constructs a RetryService with its dependencies.
func NewRetryService(trials domain.TrialRepository, tasks domain.TaskRepository) RetryService {
	return RetryService{Trials: trials, Tasks: tasks}
}

// Retry resets one trial and enqueues a fresh job for it. Only terminal
// trials and stuck ones (running or retrying with a recorded error, or whose
// harbor stage already completed) are eligible; anything else conflicts with
// the worker that owns the trial.
func (s RetryService) Retry(ctx domain.Context, trialID string) error {
	tracer := otel.Tracer("usecase.retry")
	ctx, span := tracer.Start(ctx, "Retry")
	defer span.End()

	trial, err := s.Trials.Get(ctx, trialID)
	if err != nil {
		return err
	}
	if !retryable(trial) {
		return fmt.Errorf("%w: trial %s is %s and still owned by a worker",
			domain.ErrConflict, trialID, trial.Status)
	}

	task, err := s.Tasks.Get(ctx, trial.TaskID)
	if err != nil {
		return err
	}
	reset := domain.RetryReset{
		QueueKey: trial.QueueKey,
		Priority: JobPriority(task.Priority),
	}
	if err := s.Trials.ResetForRetry(ctx, trialID, reset); err != nil {
		return err
	}
	observability.LoggerFromContext(ctx).Info("trial requeued",
		"trial_id", trialID, "queue_key", trial.QueueKey, "previous_status", string(trial.Status))
	return nil
}

// retryable reports whether the trial may be reset. A running trial whose
// worker died mid-flight leaves either an error message or a completed harbor
// stage behind; those count as stuck.
func retryable(t domain.Trial) bool {
	if t.Status.Terminal() {
		return true
	}
	if t.Status == domain.TrialRunning || t.Status == domain.TrialRetrying {
		return t.ErrorMessage != "" || t.HarborStage == "completed"
	}
	return false
}
