// Package domain holds the core entities, status enums, error taxonomy, and
// ports of the evaluation pipeline. It has no dependencies on adapters.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrInternal        = errors.New("internal error")
)

// TaskStatus tracks the pipeline stage of a task.
type TaskStatus string

const (
	TaskPending        TaskStatus = "pending"
	TaskRunning        TaskStatus = "running"
	TaskAnalyzing      TaskStatus = "analyzing"
	TaskVerdictPending TaskStatus = "verdict_pending"
	TaskCompleted      TaskStatus = "completed"
	TaskFailed         TaskStatus = "failed"
)

// Terminal reports whether s is a terminal task status.
func (s TaskStatus) Terminal() bool { return s == TaskCompleted || s == TaskFailed }

// TrialStatus tracks execution of a single trial.
//
// Success means "executed to completion and produced a result"; the test
// outcome lives in Reward (0 or 1). Failed means the execution itself broke
// (harness failure, API error, timeout before verification).
type TrialStatus string

const (
	TrialPending  TrialStatus = "pending"
	TrialQueued   TrialStatus = "queued"
	TrialRunning  TrialStatus = "running"
	TrialRetrying TrialStatus = "retrying"
	TrialSuccess  TrialStatus = "success"
	TrialFailed   TrialStatus = "failed"
)

// Terminal reports whether s is a terminal trial status.
func (s TrialStatus) Terminal() bool { return s == TrialSuccess || s == TrialFailed }

// StageStatus tracks a downstream stage (analysis on a trial, verdict on a
// task). The empty string means the stage has not been scheduled.
type StageStatus string

const (
	StageQueued  StageStatus = "queued"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
)

// Terminal reports whether s is a terminal stage status.
func (s StageStatus) Terminal() bool { return s == StageSuccess || s == StageFailed }

// Priority of a task. High-priority submissions enqueue their jobs with an
// elevated queue priority so they claim ahead of the backlog.
type Priority string

const (
	PriorityHigh Priority = "high"
	PriorityLow  Priority = "low"
)

// Experiment groups tasks. The core treats experiments as append-only:
// created on first reference, never mutated afterwards.
type Experiment struct {
	ID          string
	Name        string
	OrgID       string
	IsPublic    bool
	PublicToken string
	CreatedAt   time.Time
}

// Task is one user submission that expands into trials and optionally an
// analysis + verdict phase.
type Task struct {
	ID           string
	Name         string
	OrgID        string
	User         string
	Priority     Priority
	Status       TaskStatus
	TaskPath     string
	TaskS3Key    string
	ExperimentID string
	Tags         map[string]string
	RunAnalysis  bool

	StartedAt  *time.Time
	FinishedAt *time.Time

	Verdict           *Verdict
	VerdictStatus     StageStatus
	VerdictError      string
	VerdictStartedAt  *time.Time
	VerdictFinishedAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trial is one sandboxed execution of a task by an agent/model pair.
// Its id is deterministic: "{task_id}-{i}" with i the 0-based index.
type Trial struct {
	ID     string
	Name   string
	TaskID string
	OrgID  string

	Agent       string
	Model       string
	QueueKey    string
	Provider    string
	Environment string
	// SandboxConfig is the opaque passthrough blob handed to the runner.
	SandboxConfig map[string]any

	Status      TrialStatus
	Attempts    int
	MaxAttempts int
	HarborStage string
	// IdemToken is set on the first attempt and preserved across automatic
	// retries; only a user-initiated retry clears it.
	IdemToken string

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

	Analysis           *Classification
	AnalysisStatus     StageStatus
	AnalysisError      string
	AnalysisStartedAt  *time.Time
	AnalysisFinishedAt *time.Time

	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ClassificationLabel is the top-level bucket the classifier assigns to a
// trial outcome.
type ClassificationLabel string

const (
	GoodSuccess  ClassificationLabel = "GOOD_SUCCESS"
	GoodFailure  ClassificationLabel = "GOOD_FAILURE"
	BadSuccess   ClassificationLabel = "BAD_SUCCESS"
	BadFailure   ClassificationLabel = "BAD_FAILURE"
	HarnessError ClassificationLabel = "HARNESS_ERROR"
)

// Classification is the per-trial analysis result.
type Classification struct {
	TrialName      string              `json:"trial_name"`
	Classification ClassificationLabel `json:"classification"`
	Subtype        string              `json:"subtype"`
	Evidence       string              `json:"evidence"`
	RootCause      string              `json:"root_cause"`
	Recommendation string              `json:"recommendation"`
	Reward         *int                `json:"reward"`
}

// Verdict is the task-level synthesis over all trial classifications.
type Verdict struct {
	IsGood            bool     `json:"is_good"`
	Confidence        int      `json:"confidence"`
	PrimaryIssue      string   `json:"primary_issue"`
	Recommendations   []string `json:"recommendations"`
	TaskProblemCount  int      `json:"task_problem_count"`
	AgentProblemCount int      `json:"agent_problem_count"`
	SuccessCount      int      `json:"success_count"`
	HarnessErrorCount int      `json:"harness_error_count"`
}

// HookEvent labels a sandbox-runner lifecycle event.
type HookEvent string

const (
	HookTrialStart        HookEvent = "trial_start"
	HookEnvironmentStart  HookEvent = "environment_start"
	HookAgentStart        HookEvent = "agent_start"
	HookVerificationStart HookEvent = "verification_start"
	HookEnd               HookEvent = "end"
	HookCancel            HookEvent = "cancel"
)

// HookPayload carries what is known at the time a lifecycle event fires.
// Reward and Err are only populated on end events, and only when the runner
// already knows them.
type HookPayload struct {
	Event       HookEvent
	Reward      *int
	Err         string
	VerifierRan bool
}

// HookCallback receives runner lifecycle events while a trial executes.
type HookCallback func(ctx context.Context, p HookPayload)

// RunnerOutcome summarizes one sandbox execution. Reward nil with a non-empty
// Error signals an execution error; the handler decides retry vs terminal.
type RunnerOutcome struct {
	Reward      *int
	Error       string
	ExitCode    int
	DurationSec float64
	ResultPath  string
	JobDir      string

	InputTokens   *int64
	CacheTokens   *int64
	OutputTokens  *int64
	CostUSD       *float64
	PhaseTiming   map[string]any
	HasTrajectory bool
	VerifierRan   bool
}

// RunSpec is the input to a sandbox execution.
type RunSpec struct {
	TrialID       string
	TaskDir       string
	Agent         string
	Model         string
	Environment   string
	SandboxConfig map[string]any
}

// Context aliases context.Context; adapters and usecases pass it through.
type Context = context.Context
