package worker

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// AnalysisHandler classifies one finished trial. Classifier failures are
// recorded on the trial, never propagated: a broken analysis must not wedge
// the task.
type AnalysisHandler struct {
	Trials     domain.TrialRepository
	Pipeline   domain.Pipeline
	Classifier domain.TrialClassifier
	// Store is nil when object storage is disabled.
	Store   domain.ObjectStore
	Timeout time.Duration
}

// Handle processes one analysis job.
func (h *AnalysisHandler) Handle(ctx domain.Context, trialID string) error {
	lg := observability.LoggerFromContext(ctx)

	trial, err := h.Trials.Get(ctx, trialID)
	if err != nil {
		return err
	}
	if trial.AnalysisStatus.Terminal() {
		lg.Info("analysis already terminal, skipping",
			"trial_id", trialID, "analysis_status", string(trial.AnalysisStatus))
		return nil
	}

	snap, err := h.Trials.MarkAnalysisRunning(ctx, trialID)
	if err != nil {
		return err
	}

	taskDir, trialDir, cleanup, err := h.materialize(ctx, snap)
	if err != nil {
		if ferr := h.Trials.FinishAnalysis(ctx, trialID, nil, err.Error()); ferr != nil {
			return ferr
		}
		_, perr := h.Pipeline.MaybeStartVerdictStage(ctx, trialID)
		return perr
	}
	defer cleanup()

	cctx := ctx
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	c, err := h.Classifier.Classify(cctx, taskDir, trialDir)
	if err != nil {
		lg.Warn("classification failed", "trial_id", trialID, "error", err)
		if ferr := h.Trials.FinishAnalysis(ctx, trialID, nil, err.Error()); ferr != nil {
			return ferr
		}
	} else {
		if c.TrialName == "" {
			c.TrialName = trial.Name
		}
		if err := h.Trials.FinishAnalysis(ctx, trialID, &c, ""); err != nil {
			return err
		}
	}
	if _, err := h.Pipeline.MaybeStartVerdictStage(ctx, trialID); err != nil {
		return err
	}
	return nil
}

func (h *AnalysisHandler) materialize(ctx domain.Context, snap domain.AnalysisSnapshot) (taskDir, trialDir string, cleanup func(), err error) {
	cleanup = func() {}
	taskDir = snap.TaskPath
	trialDir = snap.ResultPath
	if trialDir != "" {
		trialDir = filepath.Dir(snap.ResultPath)
	}
	if h.Store == nil {
		return taskDir, trialDir, cleanup, nil
	}

	var tmp string
	if snap.TaskS3Key != "" || snap.TrialS3Key != "" {
		tmp, err = os.MkdirTemp("", "analysis-"+snap.TrialID+"-")
		if err != nil {
			return "", "", cleanup, err
		}
		cleanup = func() { _ = os.RemoveAll(tmp) }
	}
	if snap.TaskS3Key != "" {
		taskDir = filepath.Join(tmp, "task")
		if err := h.Store.DownloadPrefix(ctx, snap.TaskS3Key, taskDir); err != nil {
			cleanup()
			return "", "", func() {}, err
		}
	}
	if snap.TrialS3Key != "" {
		trialDir = filepath.Join(tmp, "trial")
		if err := h.Store.DownloadPrefix(ctx, snap.TrialS3Key, trialDir); err != nil {
			cleanup()
			return "", "", func() {}, err
		}
	}
	return taskDir, trialDir, cleanup, nil
}
