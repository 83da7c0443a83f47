package usecase

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// CancelService marks queued jobs cancelled when their entities are removed.
// Cancellation is best-effort: rows already picked run to completion.
type CancelService struct {
	Jobs domain.JobCanceller
}

// NewCancelService constructs a CancelService with its dependencies.
func NewCancelService(jobs domain.JobCanceller) CancelService {
	return CancelService{Jobs: jobs}
}

// CancelTrials cancels queued jobs referencing the given trials and returns
// the number of rows touched.
func (s CancelService) CancelTrials(ctx domain.Context, trialIDs []string) (int, error) {
	tracer := otel.Tracer("usecase.cancel")
	ctx, span := tracer.Start(ctx, "CancelTrials")
	defer span.End()

	if len(trialIDs) == 0 {
		return 0, fmt.Errorf("%w: no trial ids", domain.ErrInvalidArgument)
	}
	n, err := s.Jobs.CancelForTrials(ctx, trialIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.LoggerFromContext(ctx).Info("trial jobs cancelled", "count", n)
	}
	return n, nil
}

// CancelTasks cancels queued jobs referencing the given tasks and returns the
// number of rows touched.
func (s CancelService) CancelTasks(ctx domain.Context, taskIDs []string) (int, error) {
	tracer := otel.Tracer("usecase.cancel")
	ctx, span := tracer.Start(ctx, "CancelTasks")
	defer span.End()

	if len(taskIDs) == 0 {
		return 0, fmt.Errorf("%w: no task ids", domain.ErrInvalidArgument)
	}
	n, err := s.Jobs.CancelForTasks(ctx, taskIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.LoggerFromContext(ctx).Info("task jobs cancelled", "count", n)
	}
	return n, nil
}
