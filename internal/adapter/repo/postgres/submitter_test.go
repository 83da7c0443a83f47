package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddish-run/oddish/internal/adapter/repo/postgres"
	"github.com/oddish-run/oddish/internal/domain"
)

func submitDraft(generated bool) domain.TaskDraft {
	return domain.TaskDraft{
		Task:                domain.Task{ID: "task-1", Name: "demo", OrgID: "acme", Priority: domain.PriorityLow},
		ExperimentIDOrName:  "adhoc-2026-08-24",
		ExperimentGenerated: generated,
		Trials: []domain.TrialDraft{
			{ID: "task-1-0", Name: "swe #0", Agent: "swe", QueueKey: "default", Provider: "default", MaxAttempts: 6},
		},
	}
}

func TestSubmitGeneratedExperimentSkipsIDLookup(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		noRow(), // no experiment with that (org, name) yet
		{scan: func(dest ...any) error { // experiment insert
			*dest[0].(*string) = "exp-1"
			return nil
		}},
		{scan: func(dest ...any) error { // trial job insert
			*dest[0].(*int64) = 5
			return nil
		}},
	}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewSubmitRepo(pool)

	task, err := repo.Submit(context.Background(), submitDraft(true))
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.Equal(t, "exp-1", task.ExperimentID)

	// A generated name is never an id, so resolution starts at the
	// (org, name) lookup.
	require.NotEmpty(t, tx.querySQL)
	assert.Contains(t, tx.querySQL[0], "org_id = $1 AND name = $2")
	for _, q := range tx.querySQL {
		assert.NotContains(t, q, "experiments WHERE id")
	}
}

func TestSubmitNamedExperimentChecksIDFirst(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		{scan: func(dest ...any) error { // id lookup hits
			*dest[0].(*string) = "exp-9"
			return nil
		}},
		{scan: func(dest ...any) error { // trial job insert
			*dest[0].(*int64) = 6
			return nil
		}},
	}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewSubmitRepo(pool)

	task, err := repo.Submit(context.Background(), submitDraft(false))
	require.NoError(t, err)
	assert.Equal(t, "exp-9", task.ExperimentID)
	require.NotEmpty(t, tx.querySQL)
	assert.Contains(t, tx.querySQL[0], "experiments WHERE id = $1")
}

func TestSubmitEnqueuesOneJobPerTrial(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		{scan: func(dest ...any) error {
			*dest[0].(*string) = "exp-9"
			return nil
		}},
		{scan: func(dest ...any) error {
			*dest[0].(*int64) = 7
			return nil
		}},
	}}
	pool := &poolStub{tx: tx}
	repo := postgres.NewSubmitRepo(pool)

	_, err := repo.Submit(context.Background(), submitDraft(false))
	require.NoError(t, err)
	// task insert, trial insert, jobq_log for the queued job
	require.Len(t, tx.execSQL, 3)
	assert.Contains(t, tx.execSQL[0], "INSERT INTO tasks")
	assert.Contains(t, tx.execSQL[1], "INSERT INTO trials")
	assert.Contains(t, tx.execSQL[2], "jobq_log")
}
