// Package usecase contains the application services behind the API surface:
// task submission, user-driven trial retry, and job cancellation.
package usecase

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/oddish-run/oddish/internal/adapter/storage/s3"
	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/observability"
	"github.com/oddish-run/oddish/pkg/queuekey"
)

// Queue priorities by task priority. High-priority submissions claim ahead of
// the whole backlog; the gap leaves room for future bands.
const (
	jobPriorityHigh = 1000
	jobPriorityLow  = 0
)

// JobPriority maps a task priority to its jobq priority.
func JobPriority(p domain.Priority) int {
	if p == domain.PriorityHigh {
		return jobPriorityHigh
	}
	return jobPriorityLow
}

// TrialRequest is one requested trial of a submission.
type TrialRequest struct {
	Name          string
	Agent         string
	Model         string
	Environment   string
	SandboxConfig map[string]any
	MaxAttempts   int
}

// SubmitRequest is a new task submission as received from the API collaborator.
// TaskPath is either a local directory or an object-store prefix; when a local
// directory is given and storage is enabled, the service uploads it before
// persisting.
type SubmitRequest struct {
	Name        string
	OrgID       string
	User        string
	Priority    domain.Priority
	TaskPath    string
	Experiment  string
	RunAnalysis bool
	Tags        map[string]string
	Trials      []TrialRequest
}

// SubmitService turns a submission into a task, its trials, and their queued
// jobs, all persisted in one transaction.
type SubmitService struct {
	Submitter      domain.TaskSubmitter
	Store          domain.ObjectStore
	StorageEnabled bool
	MaxAttempts    int
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(s domain.TaskSubmitter, store domain.ObjectStore, storageEnabled bool, maxAttempts int) SubmitService {
	return SubmitService{Submitter: s, Store: store, StorageEnabled: storageEnabled, MaxAttempts: maxAttempts}
}

// Submit validates the request, resolves queue keys, uploads local task
// inputs when storage is enabled, and persists the whole submission.
func (s SubmitService) Submit(ctx domain.Context, req SubmitRequest) (domain.Task, error) {
	tracer := otel.Tracer("usecase.submit")
	ctx, span := tracer.Start(ctx, "Submit")
	defer span.End()

	if req.TaskPath == "" {
		return domain.Task{}, fmt.Errorf("%w: task path required", domain.ErrInvalidArgument)
	}
	if len(req.Trials) == 0 {
		return domain.Task{}, fmt.Errorf("%w: at least one trial required", domain.ErrInvalidArgument)
	}
	for i, tr := range req.Trials {
		if tr.Agent == "" {
			return domain.Task{}, fmt.Errorf("%w: trial %d missing agent", domain.ErrInvalidArgument, i)
		}
	}

	taskID := ulid.Make().String()
	now := time.Now().UTC()

	task := domain.Task{
		ID:          taskID,
		Name:        req.Name,
		OrgID:       req.OrgID,
		User:        req.User,
		Priority:    req.Priority,
		Status:      domain.TaskPending,
		Tags:        req.Tags,
		RunAnalysis: req.RunAnalysis,
		CreatedAt:   now,
	}
	if task.Priority == "" {
		task.Priority = domain.PriorityLow
	}
	if task.Name == "" {
		task.Name = DeriveTaskName(req.TaskPath)
	}

	if key, ok := objectStoreKey(req.TaskPath); ok {
		task.TaskS3Key = key
	} else if s.StorageEnabled && s.Store != nil {
		prefix := s3.TaskPrefix(taskID)
		if err := s.Store.UploadDirectory(ctx, prefix, req.TaskPath); err != nil {
			return domain.Task{}, fmt.Errorf("op=usecase.submit upload: %w", err)
		}
		task.TaskS3Key = prefix
		task.TaskPath = req.TaskPath
	} else {
		task.TaskPath = req.TaskPath
	}

	experiment := req.Experiment
	generated := false
	if experiment == "" {
		experiment = "adhoc-" + now.Format("2006-01-02")
		generated = true
	}

	draft := domain.TaskDraft{
		Task:                task,
		ExperimentIDOrName:  experiment,
		ExperimentGenerated: generated,
		JobPriority:         JobPriority(task.Priority),
	}
	for i, tr := range req.Trials {
		model := queuekey.NormalizeModel(tr.Agent, tr.Model)
		key := queuekey.ForTrial(tr.Agent, tr.Model)
		name := tr.Name
		if name == "" {
			name = fmt.Sprintf("%s #%d", tr.Agent, i)
		}
		maxAttempts := tr.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.MaxAttempts
		}
		draft.Trials = append(draft.Trials, domain.TrialDraft{
			ID:            fmt.Sprintf("%s-%d", taskID, i),
			Name:          name,
			Agent:         tr.Agent,
			Model:         model,
			QueueKey:      key,
			Provider:      queuekey.Provider(key),
			Environment:   tr.Environment,
			SandboxConfig: tr.SandboxConfig,
			MaxAttempts:   maxAttempts,
		})
	}

	created, err := s.Submitter.Submit(ctx, draft)
	if err != nil {
		return domain.Task{}, err
	}
	observability.LoggerFromContext(ctx).Info("task submitted",
		"task_id", created.ID, "trials", len(draft.Trials), "priority", string(created.Priority))
	return created, nil
}

// DeriveTaskName builds a human name from a task path: the last path element
// with any scheme and trailing id suffix stripped.
func DeriveTaskName(taskPath string) string {
	name := strings.TrimPrefix(taskPath, "s3://")
	name = path.Base(strings.TrimRight(name, "/"))
	if idx := strings.LastIndex(name, "-"); idx > 0 && looksLikeID(name[idx+1:]) {
		name = name[:idx]
	}
	return name
}

// looksLikeID reports whether s resembles a generated id suffix, which is a
// ULID-length run of upper-case alphanumerics.
func looksLikeID(s string) bool {
	if len(s) != ulid.EncodedSize {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}

// objectStoreKey recognizes a task path already living in object storage and
// returns the in-bucket key.
func objectStoreKey(taskPath string) (string, bool) {
	if rest, ok := strings.CutPrefix(taskPath, "s3://"); ok {
		// Drop the bucket segment; keys are bucket-relative.
		if _, key, found := strings.Cut(rest, "/"); found {
			return key, true
		}
		return rest, true
	}
	if strings.HasPrefix(taskPath, "tasks/") {
		return taskPath, true
	}
	return "", false
}
