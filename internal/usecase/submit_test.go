package usecase_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/usecase"
)

func TestSubmitValidation(t *testing.T) {
	svc := usecase.NewSubmitService(&submitterStub{}, nil, false, 6)

	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		Trials: []usecase.TrialRequest{{Agent: "swe"}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(context.Background(), usecase.SubmitRequest{TaskPath: "/tasks/demo"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Submit(context.Background(), usecase.SubmitRequest{
		TaskPath: "/tasks/demo",
		Trials:   []usecase.TrialRequest{{Model: "gpt-5.2"}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSubmitBuildsDraft(t *testing.T) {
	sub := &submitterStub{}
	svc := usecase.NewSubmitService(sub, nil, false, 6)

	task, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		OrgID:       "acme",
		Priority:    domain.PriorityHigh,
		TaskPath:    "/tasks/fix-the-build",
		Experiment:  "nightly",
		RunAnalysis: true,
		Trials: []usecase.TrialRequest{
			{Agent: "swe", Model: "claude-haiku-4-5"},
			{Agent: "swe", Model: "gpt-5.2"},
			{Agent: "oracle"},
		},
	})
	require.NoError(t, err)

	d := sub.draft
	assert.Equal(t, "nightly", d.ExperimentIDOrName)
	assert.False(t, d.ExperimentGenerated)
	assert.Equal(t, 1000, d.JobPriority)
	assert.Equal(t, "fix-the-build", task.Name)
	assert.True(t, task.RunAnalysis)
	assert.Equal(t, domain.TaskPending, task.Status)
	require.NotEmpty(t, task.ID)

	require.Len(t, d.Trials, 3)
	for i, tr := range d.Trials {
		assert.True(t, strings.HasSuffix(tr.ID, "-"+string(rune('0'+i))), tr.ID)
		assert.True(t, strings.HasPrefix(tr.ID, task.ID), tr.ID)
		assert.Equal(t, 6, tr.MaxAttempts)
	}
	assert.Equal(t, "anthropic/claude-haiku-4-5", d.Trials[0].QueueKey)
	assert.Equal(t, "claude", d.Trials[0].Provider)
	assert.Equal(t, "openai/gpt-5.2", d.Trials[1].QueueKey)
	assert.Equal(t, "default", d.Trials[2].QueueKey)
}

func TestSubmitGeneratesExperimentName(t *testing.T) {
	sub := &submitterStub{}
	svc := usecase.NewSubmitService(sub, nil, false, 6)

	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		TaskPath: "/tasks/demo",
		Trials:   []usecase.TrialRequest{{Agent: "swe"}},
	})
	require.NoError(t, err)
	assert.True(t, sub.draft.ExperimentGenerated)
	assert.True(t, strings.HasPrefix(sub.draft.ExperimentIDOrName, "adhoc-"))
}

func TestSubmitUploadsLocalTaskWhenStorageEnabled(t *testing.T) {
	sub := &submitterStub{}
	store := &storeStub{}
	svc := usecase.NewSubmitService(sub, store, true, 6)

	task, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		TaskPath: "/tasks/demo",
		Trials:   []usecase.TrialRequest{{Agent: "swe"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tasks/"+task.ID+"/", task.TaskS3Key)
	assert.Equal(t, "/tasks/demo", store.uploads[task.TaskS3Key])
}

func TestSubmitUploadFailureAborts(t *testing.T) {
	sub := &submitterStub{}
	store := &storeStub{err: errors.New("bucket gone")}
	svc := usecase.NewSubmitService(sub, store, true, 6)

	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		TaskPath: "/tasks/demo",
		Trials:   []usecase.TrialRequest{{Agent: "swe"}},
	})
	require.Error(t, err)
	assert.Empty(t, sub.draft.Task.ID)
}

func TestSubmitRecognizesObjectStorePath(t *testing.T) {
	sub := &submitterStub{}
	svc := usecase.NewSubmitService(sub, &storeStub{}, true, 6)

	task, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		TaskPath: "s3://oddish/tasks/demo/",
		Trials:   []usecase.TrialRequest{{Agent: "swe"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tasks/demo/", task.TaskS3Key)
	assert.Equal(t, "demo", task.Name)
}

func TestDeriveTaskName(t *testing.T) {
	cases := map[string]string{
		"/tasks/fix-the-build":  "fix-the-build",
		"s3://bucket/foo/bar/":  "bar",
		"demo-01J8ZX2B3C4D5E6F7G8H9JKMNP": "demo",
	}
	for in, want := range cases {
		assert.Equal(t, want, usecase.DeriveTaskName(in), in)
	}
}
