package worker

import (
	"context"
	"time"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// VerdictHandler synthesizes the task-level verdict from the stored
// classifications. A synthesizer failure is recorded but the task still
// completes; users are never blocked on a missing verdict.
type VerdictHandler struct {
	Tasks       domain.TaskRepository
	Trials      domain.TrialRepository
	Synthesizer domain.VerdictSynthesizer
	Timeout     time.Duration
}

// Handle processes one verdict job.
func (h *VerdictHandler) Handle(ctx domain.Context, taskID string) error {
	lg := observability.LoggerFromContext(ctx)

	task, err := h.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.VerdictStatus.Terminal() {
		lg.Info("verdict already terminal, skipping",
			"task_id", taskID, "verdict_status", string(task.VerdictStatus))
		return nil
	}
	if err := h.Tasks.MarkVerdictRunning(ctx, taskID); err != nil {
		return err
	}

	cs, err := h.Trials.ListClassifications(ctx, taskID)
	if err != nil {
		return h.Tasks.FinishVerdict(ctx, taskID, nil, err.Error())
	}

	cctx := ctx
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	v, err := h.Synthesizer.Synthesize(cctx, cs)
	if err != nil {
		lg.Warn("verdict synthesis failed", "task_id", taskID, "error", err)
		return h.Tasks.FinishVerdict(ctx, taskID, nil, err.Error())
	}
	return h.Tasks.FinishVerdict(ctx, taskID, &v, "")
}
