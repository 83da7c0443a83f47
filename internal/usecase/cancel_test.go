package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddish-run/oddish/internal/domain"
	"github.com/oddish-run/oddish/internal/usecase"
)

func TestCancelTrials(t *testing.T) {
	jobs := &cancellerStub{n: 2}
	svc := usecase.NewCancelService(jobs)

	n, err := svc.CancelTrials(context.Background(), []string{"t-0", "t-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"t-0", "t-1"}, jobs.trialIDs)
}

func TestCancelTasks(t *testing.T) {
	jobs := &cancellerStub{n: 1}
	svc := usecase.NewCancelService(jobs)

	n, err := svc.CancelTasks(context.Background(), []string{"t"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"t"}, jobs.taskIDs)
}

func TestCancelRequiresIDs(t *testing.T) {
	svc := usecase.NewCancelService(&cancellerStub{})

	_, err := svc.CancelTrials(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = svc.CancelTasks(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
