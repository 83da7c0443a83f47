package worker_test

import (
	"time"

	"github.com/oddish-run/oddish/internal/domain"
)

// trialRepoStub implements domain.TrialRepository with recordable writes.
type trialRepoStub struct {
	trial    domain.Trial
	getErr   error
	snap     domain.AttemptSnapshot
	beginErr error

	begun         bool
	hookWrites    []domain.HookWrite
	finish        *domain.FinishWrite
	retryingMsg   string
	markedRetry   bool
	analysisSnap  domain.AnalysisSnapshot
	analysisRun   bool
	analysisDone  *domain.Classification
	analysisError string
	analysisSaved bool
	classes       []domain.Classification
	resets        []domain.RetryReset
}

func (s *trialRepoStub) Get(_ domain.Context, _ string) (domain.Trial, error) {
	return s.trial, s.getErr
}

func (s *trialRepoStub) BeginAttempt(_ domain.Context, id string) (domain.AttemptSnapshot, error) {
	s.begun = true
	if s.snap.TrialID == "" {
		s.snap.TrialID = id
	}
	return s.snap, s.beginErr
}

func (s *trialRepoStub) SetStage(_ domain.Context, _, _ string) error { return nil }

func (s *trialRepoStub) ApplyHook(_ domain.Context, _ string, w domain.HookWrite) error {
	s.hookWrites = append(s.hookWrites, w)
	return nil
}

func (s *trialRepoStub) Finish(_ domain.Context, _ string, w domain.FinishWrite) error {
	s.finish = &w
	return nil
}

func (s *trialRepoStub) MarkRetrying(_ domain.Context, _, msg string) error {
	s.markedRetry = true
	s.retryingMsg = msg
	return nil
}

func (s *trialRepoStub) MarkAnalysisRunning(_ domain.Context, id string) (domain.AnalysisSnapshot, error) {
	s.analysisRun = true
	if s.analysisSnap.TrialID == "" {
		s.analysisSnap.TrialID = id
	}
	return s.analysisSnap, nil
}

func (s *trialRepoStub) FinishAnalysis(_ domain.Context, _ string, c *domain.Classification, errMsg string) error {
	s.analysisSaved = true
	s.analysisDone = c
	s.analysisError = errMsg
	return nil
}

func (s *trialRepoStub) ListClassifications(_ domain.Context, _ string) ([]domain.Classification, error) {
	return s.classes, nil
}

func (s *trialRepoStub) ResetForRetry(_ domain.Context, _ string, r domain.RetryReset) error {
	s.resets = append(s.resets, r)
	return nil
}

// taskRepoStub implements domain.TaskRepository.
type taskRepoStub struct {
	task          domain.Task
	getErr        error
	verdictRun    bool
	verdict       *domain.Verdict
	verdictErrMsg string
	verdictSaved  bool
}

func (s *taskRepoStub) Get(_ domain.Context, _ string) (domain.Task, error) {
	return s.task, s.getErr
}

func (s *taskRepoStub) MarkVerdictRunning(_ domain.Context, _ string) error {
	s.verdictRun = true
	return nil
}

func (s *taskRepoStub) FinishVerdict(_ domain.Context, _ string, v *domain.Verdict, errMsg string) error {
	s.verdictSaved = true
	s.verdict = v
	s.verdictErrMsg = errMsg
	return nil
}

// pipelineStub records fan-in calls.
type pipelineStub struct {
	analysisCalls int
	verdictCalls  int
}

func (p *pipelineStub) MaybeStartAnalysisStage(_ domain.Context, _ string) (bool, error) {
	p.analysisCalls++
	return true, nil
}

func (p *pipelineStub) MaybeStartVerdictStage(_ domain.Context, _ string) (bool, error) {
	p.verdictCalls++
	return true, nil
}

// runnerStub returns a fixed outcome, optionally firing hook events first.
type runnerStub struct {
	outcome domain.RunnerOutcome
	err     error
	events  []domain.HookPayload
}

func (r *runnerStub) Run(ctx domain.Context, _ domain.RunSpec, hook domain.HookCallback) (domain.RunnerOutcome, error) {
	for _, ev := range r.events {
		hook(ctx, ev)
	}
	return r.outcome, r.err
}

// classifierStub returns a fixed classification.
type classifierStub struct {
	c   domain.Classification
	err error
}

func (s *classifierStub) Classify(_ domain.Context, _, _ string) (domain.Classification, error) {
	return s.c, s.err
}

// synthStub returns a fixed verdict.
type synthStub struct {
	v   domain.Verdict
	err error
}

func (s *synthStub) Synthesize(_ domain.Context, _ []domain.Classification) (domain.Verdict, error) {
	return s.v, s.err
}

// objectStoreStub records the prefixes it is asked to move.
type objectStoreStub struct {
	downloads []string
	uploads   []string
}

func (s *objectStoreStub) UploadDirectory(_ domain.Context, prefix, _ string) error {
	s.uploads = append(s.uploads, prefix)
	return nil
}

func (s *objectStoreStub) DownloadPrefix(_ domain.Context, prefix, _ string) error {
	s.downloads = append(s.downloads, prefix)
	return nil
}

func (s *objectStoreStub) ListKeys(domain.Context, string) ([]string, error) { return nil, nil }
func (s *objectStoreStub) DownloadBytes(domain.Context, string) ([]byte, error) {
	return nil, nil
}
func (s *objectStoreStub) DownloadText(domain.Context, string) (string, error) { return "", nil }
func (s *objectStoreStub) Presign(domain.Context, string, time.Duration) (string, error) {
	return "", nil
}

func intp(v int) *int { return &v }
