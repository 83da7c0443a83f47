package domain

import "time"

// AttemptSnapshot is the trial state captured when an attempt begins. The
// worker copies everything it needs for the long sandbox run so no database
// connection stays open while the sandbox executes.
type AttemptSnapshot struct {
	TrialID       string
	TaskID        string
	Agent         string
	Model         string
	Environment   string
	SandboxConfig map[string]any
	TaskPath      string
	TaskS3Key     string
	RunAnalysis   bool
	Attempts      int
	MaxAttempts   int
	IdemToken     string
}

// HookWrite is the database write derived from one runner lifecycle event.
// Status/Reward/Finished are only set for end and cancel events so that a
// worker killed after the hook still leaves the trial terminal.
type HookWrite struct {
	Stage        string
	Status       TrialStatus
	Reward       *int
	ErrorMessage string
	Finished     bool
}

// FinishWrite is the authoritative terminal (or retrying) write for a trial
// attempt. When EnqueueAnalysis is set and the trial has no analysis status
// yet, the repository marks the analysis queued and enqueues the analysis job
// in the same transaction.
type FinishWrite struct {
	Status       TrialStatus
	Reward       *int
	ErrorMessage string
	ResultPath   string
	TrialS3Key   string

	InputTokens   *int64
	CacheTokens   *int64
	OutputTokens  *int64
	CostUSD       *float64
	PhaseTiming   map[string]any
	HasTrajectory bool

	EnqueueAnalysis  bool
	AnalysisQueueKey string
	AnalysisPriority int
}

// AnalysisSnapshot carries what the analysis handler needs to materialize
// task and trial artifacts after marking the analysis running.
type AnalysisSnapshot struct {
	TrialID    string
	TaskID     string
	TaskPath   string
	TaskS3Key  string
	ResultPath string
	TrialS3Key string
}

// RetryReset requeues a terminal (or stuck) trial: result and artifact fields
// cleared, idempotency token cleared, attempts reset, a fresh trial job
// enqueued, and a terminal task reverted to running, all in one transaction.
type RetryReset struct {
	QueueKey string
	Priority int
}

// TrialRepository persists trials and their analysis stage.
type TrialRepository interface {
	Get(ctx Context, id string) (Trial, error)
	// BeginAttempt marks the trial running, increments attempts, sets the
	// idempotency token if absent, and moves a pending task to running.
	BeginAttempt(ctx Context, id string) (AttemptSnapshot, error)
	SetStage(ctx Context, id, stage string) error
	ApplyHook(ctx Context, id string, w HookWrite) error
	Finish(ctx Context, id string, w FinishWrite) error
	// MarkRetrying records a non-terminal failed attempt; the queue row's
	// failure plus the retry timer make the trial claimable again.
	MarkRetrying(ctx Context, id, errMsg string) error
	MarkAnalysisRunning(ctx Context, id string) (AnalysisSnapshot, error)
	FinishAnalysis(ctx Context, id string, c *Classification, errMsg string) error
	ListClassifications(ctx Context, taskID string) ([]Classification, error)
	ResetForRetry(ctx Context, id string, r RetryReset) error
}

// TaskRepository persists tasks and their verdict stage.
type TaskRepository interface {
	Get(ctx Context, id string) (Task, error)
	MarkVerdictRunning(ctx Context, id string) error
	// FinishVerdict stores the verdict (or its error) and terminalizes the
	// task as completed either way.
	FinishVerdict(ctx Context, id string, v *Verdict, errMsg string) error
}

// ExperimentRepository reads experiments; creation happens implicitly on
// submission.
type ExperimentRepository interface {
	Get(ctx Context, id string) (Experiment, error)
}

// TrialDraft is one trial of a new submission, fully resolved by the caller.
type TrialDraft struct {
	ID            string
	Name          string
	Agent         string
	Model         string
	QueueKey      string
	Provider      string
	Environment   string
	SandboxConfig map[string]any
	MaxAttempts   int
}

// TaskDraft is a new submission ready for persistence. The submitter resolves
// the experiment (by id, then name, creating it when missing), inserts the
// task and trials, and enqueues one trial job per trial, atomically.
// ExperimentGenerated marks a name minted by the service; generated names are
// never ids, so resolution skips the id lookup.
type TaskDraft struct {
	Task                Task
	ExperimentIDOrName  string
	ExperimentGenerated bool
	Trials              []TrialDraft
	JobPriority         int
}

// TaskSubmitter persists a whole submission in one transaction so a claimed
// job always sees its trial row.
type TaskSubmitter interface {
	Submit(ctx Context, d TaskDraft) (Task, error)
}

// Pipeline exposes the two fan-in transitions. Both are idempotent and
// race-free under concurrent completions; the task row lock serializes them.
type Pipeline interface {
	MaybeStartAnalysisStage(ctx Context, trialID string) (bool, error)
	MaybeStartVerdictStage(ctx Context, trialID string) (bool, error)
}

// JobCanceller marks queued jobs cancelled when their entities are removed.
// Best-effort: in-flight handlers run to completion.
type JobCanceller interface {
	CancelForTrials(ctx Context, trialIDs []string) (int, error)
	CancelForTasks(ctx Context, taskIDs []string) (int, error)
}

// ObjectStore is the storage contract the core consumes. Prefixes are chosen
// by the core: tasks/{task_id}/ and tasks/{task_id}/trials/{trial_id}/.
type ObjectStore interface {
	UploadDirectory(ctx Context, prefix, localDir string) error
	DownloadPrefix(ctx Context, prefix, localDir string) error
	ListKeys(ctx Context, prefix string) ([]string, error)
	DownloadBytes(ctx Context, key string) ([]byte, error)
	DownloadText(ctx Context, key string) (string, error)
	Presign(ctx Context, key string, ttl time.Duration) (string, error)
}

// SandboxRunner executes one trial in a sandbox, emitting lifecycle events to
// the callback while it runs.
type SandboxRunner interface {
	Run(ctx Context, spec RunSpec, hook HookCallback) (RunnerOutcome, error)
}

// TrialClassifier classifies one trial outcome from its materials.
type TrialClassifier interface {
	Classify(ctx Context, taskDir, trialDir string) (Classification, error)
}

// VerdictSynthesizer folds per-trial classifications into a task verdict.
type VerdictSynthesizer interface {
	Synthesize(ctx Context, cs []Classification) (Verdict, error)
}
