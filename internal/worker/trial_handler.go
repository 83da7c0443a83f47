// Package worker contains the job handlers and the one-shot worker shell.
package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/oddish-run/oddish/internal/adapter/storage/s3"
	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
)

// TrialHandler executes one trial job end to end: claim-time idempotency
// check, sandbox run with lifecycle hooks, artifact capture, and the
// terminalize-or-retry decision.
type TrialHandler struct {
	Trials   domain.TrialRepository
	Pipeline domain.Pipeline
	Runner   domain.SandboxRunner
	// Store is nil when object storage is disabled.
	Store domain.ObjectStore

	StorageEnabled   bool
	AnalysisQueueKey string
	AnalysisPriority int
}

// Handle processes one trial job. A returned error tells the queue to mark
// the job failed, which is how retries re-enter the lane.
func (h *TrialHandler) Handle(ctx domain.Context, trialID string) error {
	lg := observability.LoggerFromContext(ctx)

	trial, err := h.Trials.Get(ctx, trialID)
	if err != nil {
		return err
	}
	// A terminal trial with its token set already ran to completion; a
	// redelivered job must not run it again.
	if trial.IdemToken != "" && trial.Status.Terminal() {
		lg.Info("trial already terminal, skipping",
			"trial_id", trialID, "status", string(trial.Status))
		return nil
	}

	snap, err := h.Trials.BeginAttempt(ctx, trialID)
	if err != nil {
		return err
	}

	taskDir, cleanup, err := h.materializeTask(ctx, snap)
	if err != nil {
		return h.failOrRetry(ctx, snap, trial, fmt.Sprintf("materialize task inputs: %v", err))
	}
	defer cleanup()

	outcome, err := h.Runner.Run(ctx, domain.RunSpec{
		TrialID:       trialID,
		TaskDir:       taskDir,
		Agent:         snap.Agent,
		Model:         snap.Model,
		Environment:   snap.Environment,
		SandboxConfig: snap.SandboxConfig,
	}, h.hook(trialID))
	if err != nil {
		return h.failOrRetry(ctx, snap, trial, fmt.Sprintf("sandbox setup: %v", err))
	}
	cancelled := ctx.Err() != nil
	if cancelled && outcome.Error == "" {
		outcome.Error = "trial cancelled before completion"
	}

	trialS3Key := h.captureArtifacts(ctx, snap, outcome)

	w, retry := decideOutcome(outcome, snap, cancelled)
	if retry {
		if err := h.Trials.MarkRetrying(ctx, trialID, outcome.Error); err != nil {
			return err
		}
		lg.Warn("trial attempt failed, will retry",
			"trial_id", trialID, "attempt", snap.Attempts, "error", outcome.Error)
		return fmt.Errorf("attempt %d/%d failed: %s", snap.Attempts, snap.MaxAttempts, outcome.Error)
	}

	w.TrialS3Key = trialS3Key
	w.EnqueueAnalysis = snap.RunAnalysis && trial.AnalysisStatus == ""
	w.AnalysisQueueKey = h.AnalysisQueueKey
	w.AnalysisPriority = h.AnalysisPriority
	if err := h.Trials.Finish(ctx, trialID, w); err != nil {
		return err
	}
	observability.TrialsFinishedTotal.WithLabelValues(string(w.Status)).Inc()
	if w.Reward != nil {
		observability.TrialRewardHistogram.Observe(float64(*w.Reward))
	}
	if _, err := h.Pipeline.MaybeStartAnalysisStage(ctx, trialID); err != nil {
		return err
	}
	return nil
}

// hook persists each sandbox lifecycle event as it happens. The end event
// pre-terminalizes the trial so a worker killed right after it still leaves a
// terminal row.
func (h *TrialHandler) hook(trialID string) domain.HookCallback {
	return func(ctx domain.Context, p domain.HookPayload) {
		w := domain.HookWrite{Stage: stageForEvent(p.Event)}
		if p.Event == domain.HookEnd {
			w.Finished = true
			switch {
			case p.Reward != nil:
				w.Status = domain.TrialSuccess
				w.Reward = p.Reward
			case p.Err != "":
				w.Status = domain.TrialFailed
				w.ErrorMessage = p.Err
			default:
				w.Finished = false
			}
		}
		if err := h.Trials.ApplyHook(ctx, trialID, w); err != nil {
			observability.LoggerFromContext(ctx).Warn("hook write failed",
				"trial_id", trialID, "event", string(p.Event), "error", err)
		}
	}
}

// stageForEvent maps a runner lifecycle event to the harbor-stage label
// recorded on the trial. The labels are load-bearing: a stage of "completed"
// on a non-terminal trial marks it stuck and eligible for user retry.
func stageForEvent(e domain.HookEvent) string {
	switch e {
	case domain.HookTrialStart:
		return "trial_started"
	case domain.HookEnvironmentStart:
		return "environment_setup"
	case domain.HookAgentStart:
		return "agent_running"
	case domain.HookVerificationStart:
		return "verification"
	case domain.HookEnd:
		return "completed"
	case domain.HookCancel:
		return "cancelled"
	}
	return string(e)
}

func (h *TrialHandler) materializeTask(ctx domain.Context, snap domain.AttemptSnapshot) (string, func(), error) {
	if snap.TaskS3Key == "" || h.Store == nil {
		return snap.TaskPath, func() {}, nil
	}
	dir, err := os.MkdirTemp("", "task-"+snap.TaskID+"-")
	if err != nil {
		return "", nil, err
	}
	// The recorded prefix is authoritative; tasks may live under arbitrary
	// object-store paths, not just the upload layout.
	if err := h.Store.DownloadPrefix(ctx, snap.TaskS3Key, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}
	return dir, func() { _ = os.RemoveAll(dir) }, nil
}

// captureArtifacts uploads the job directory when storage is on or the task
// itself came from object storage. Upload failures are logged, not fatal: the
// database outcome is authoritative.
func (h *TrialHandler) captureArtifacts(ctx domain.Context, snap domain.AttemptSnapshot, out domain.RunnerOutcome) string {
	if h.Store == nil || out.JobDir == "" {
		return ""
	}
	if !h.StorageEnabled && snap.TaskS3Key == "" {
		return ""
	}
	prefix := s3.TrialPrefix(snap.TrialID)
	if err := h.Store.UploadDirectory(ctx, prefix, out.JobDir); err != nil {
		observability.LoggerFromContext(ctx).Warn("artifact upload failed",
			"trial_id", snap.TrialID, "error", err)
		return ""
	}
	return prefix
}

// decideOutcome maps a runner outcome to the trial's terminal write, or to a
// retry when attempts remain.
func decideOutcome(out domain.RunnerOutcome, snap domain.AttemptSnapshot, cancelled bool) (domain.FinishWrite, bool) {
	w := domain.FinishWrite{
		ResultPath:    out.ResultPath,
		InputTokens:   out.InputTokens,
		CacheTokens:   out.CacheTokens,
		OutputTokens:  out.OutputTokens,
		CostUSD:       out.CostUSD,
		PhaseTiming:   out.PhaseTiming,
		HasTrajectory: out.HasTrajectory,
	}
	switch {
	case out.Reward != nil:
		w.Status = domain.TrialSuccess
		w.Reward = out.Reward
		w.ErrorMessage = out.Error
	case isAgentTimeout(out.Error) && out.VerifierRan:
		// The agent ran out of time but verification completed: that is a
		// normal failing trial, not an infrastructure error.
		zero := 0
		w.Status = domain.TrialSuccess
		w.Reward = &zero
		w.ErrorMessage = out.Error
	case cancelled:
		w.Status = domain.TrialFailed
		w.ErrorMessage = out.Error
	case snap.Attempts < snap.MaxAttempts:
		return domain.FinishWrite{}, true
	default:
		w.Status = domain.TrialFailed
		w.ErrorMessage = out.Error
	}
	return w, false
}

func (h *TrialHandler) failOrRetry(ctx domain.Context, snap domain.AttemptSnapshot, trial domain.Trial, msg string) error {
	if snap.Attempts < snap.MaxAttempts {
		if err := h.Trials.MarkRetrying(ctx, snap.TrialID, msg); err != nil {
			return err
		}
		return fmt.Errorf("attempt %d/%d failed: %s", snap.Attempts, snap.MaxAttempts, msg)
	}
	w := domain.FinishWrite{
		Status:           domain.TrialFailed,
		ErrorMessage:     msg,
		EnqueueAnalysis:  snap.RunAnalysis && trial.AnalysisStatus == "",
		AnalysisQueueKey: h.AnalysisQueueKey,
		AnalysisPriority: h.AnalysisPriority,
	}
	if err := h.Trials.Finish(ctx, snap.TrialID, w); err != nil {
		return err
	}
	observability.TrialsFinishedTotal.WithLabelValues(string(domain.TrialFailed)).Inc()
	if _, err := h.Pipeline.MaybeStartAnalysisStage(ctx, snap.TrialID); err != nil {
		return err
	}
	return nil
}

func isAgentTimeout(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "agent") && (strings.Contains(m, "timed out") || strings.Contains(m, "timeout"))
}
