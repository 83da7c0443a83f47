package usecase_test

import (
	"time"

	"github.com/oddish-run/oddish/internal/domain"
)

type submitterStub struct {
	draft domain.TaskDraft
	err   error
}

func (s *submitterStub) Submit(_ domain.Context, d domain.TaskDraft) (domain.Task, error) {
	s.draft = d
	if s.err != nil {
		return domain.Task{}, s.err
	}
	return d.Task, nil
}

type storeStub struct {
	uploads map[string]string
	err     error
}

func (s *storeStub) UploadDirectory(_ domain.Context, prefix, localDir string) error {
	if s.uploads == nil {
		s.uploads = map[string]string{}
	}
	s.uploads[prefix] = localDir
	return s.err
}

func (s *storeStub) DownloadPrefix(domain.Context, string, string) error { return nil }
func (s *storeStub) ListKeys(domain.Context, string) ([]string, error)  { return nil, nil }
func (s *storeStub) DownloadBytes(domain.Context, string) ([]byte, error) {
	return nil, nil
}
func (s *storeStub) DownloadText(domain.Context, string) (string, error) { return "", nil }
func (s *storeStub) Presign(domain.Context, string, time.Duration) (string, error) {
	return "", nil
}

type trialRepoStub struct {
	trial    domain.Trial
	getErr   error
	reset    *domain.RetryReset
	resetID  string
	resetErr error
}

func (s *trialRepoStub) Get(_ domain.Context, _ string) (domain.Trial, error) {
	return s.trial, s.getErr
}

func (s *trialRepoStub) ResetForRetry(_ domain.Context, id string, r domain.RetryReset) error {
	s.resetID = id
	s.reset = &r
	return s.resetErr
}

func (s *trialRepoStub) BeginAttempt(domain.Context, string) (domain.AttemptSnapshot, error) {
	return domain.AttemptSnapshot{}, nil
}
func (s *trialRepoStub) SetStage(domain.Context, string, string) error           { return nil }
func (s *trialRepoStub) ApplyHook(domain.Context, string, domain.HookWrite) error { return nil }
func (s *trialRepoStub) Finish(domain.Context, string, domain.FinishWrite) error  { return nil }
func (s *trialRepoStub) MarkRetrying(domain.Context, string, string) error        { return nil }
func (s *trialRepoStub) MarkAnalysisRunning(domain.Context, string) (domain.AnalysisSnapshot, error) {
	return domain.AnalysisSnapshot{}, nil
}
func (s *trialRepoStub) FinishAnalysis(domain.Context, string, *domain.Classification, string) error {
	return nil
}
func (s *trialRepoStub) ListClassifications(domain.Context, string) ([]domain.Classification, error) {
	return nil, nil
}

type taskRepoStub struct {
	task   domain.Task
	getErr error
}

func (s *taskRepoStub) Get(_ domain.Context, _ string) (domain.Task, error) {
	return s.task, s.getErr
}
func (s *taskRepoStub) MarkVerdictRunning(domain.Context, string) error { return nil }
func (s *taskRepoStub) FinishVerdict(domain.Context, string, *domain.Verdict, string) error {
	return nil
}

type cancellerStub struct {
	trialIDs []string
	taskIDs  []string
	n        int
	err      error
}

func (s *cancellerStub) CancelForTrials(_ domain.Context, ids []string) (int, error) {
	s.trialIDs = ids
	return s.n, s.err
}

func (s *cancellerStub) CancelForTasks(_ domain.Context, ids []string) (int, error) {
	s.taskIDs = ids
	return s.n, s.err
}
