package pgq_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
)

func strRow(vals ...string) rowStub {
	return rowStub{scan: func(dest ...any) error {
		for i, d := range dest {
			*d.(*string) = vals[i]
		}
		return nil
	}}
}

func intRow(v int) rowStub {
	return rowStub{scan: func(dest ...any) error {
		*dest[0].(*int) = v
		return nil
	}}
}

func TestVerdictStageAdvancesUnderTaskLock(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		strRow("task-1"),
		strRow("analyzing"),
		intRow(0),
		{scan: func(dest ...any) error { // verdict job insert
			*dest[0].(*int64) = 11
			return nil
		}},
	}}
	pool := &poolStub{tx: tx}
	p := pgq.NewPipeline(pool, "openai/gpt-5.2")

	advanced, err := p.MaybeStartVerdictStage(context.Background(), "task-1-0")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.True(t, tx.committed)

	// The task row is locked before the decision; concurrent completions
	// serialize here and the losers observe verdict_pending below.
	require.Len(t, tx.querySQL, 4)
	assert.Contains(t, tx.querySQL[1], "FOR UPDATE")
	assert.Contains(t, tx.querySQL[3], "INSERT INTO jobq")

	require.Len(t, tx.execSQL, 2)
	assert.Contains(t, tx.execSQL[0], "verdict_pending")
	assert.Contains(t, tx.execSQL[0], "verdict_status = 'queued'")
	assert.Contains(t, tx.execSQL[1], "jobq_log")
}

func TestVerdictStageSecondCallerNoOps(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		strRow("task-1"),
		strRow("verdict_pending"),
	}}
	pool := &poolStub{tx: tx}
	p := pgq.NewPipeline(pool, "openai/gpt-5.2")

	advanced, err := p.MaybeStartVerdictStage(context.Background(), "task-1-1")
	require.NoError(t, err)
	// The first completion already enqueued the verdict; no second job.
	assert.False(t, advanced)
	assert.Empty(t, tx.execSQL)
	assert.False(t, tx.committed)
}

func TestVerdictStageWaitsForOpenAnalyses(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		strRow("task-1"),
		strRow("analyzing"),
		intRow(2),
	}}
	pool := &poolStub{tx: tx}
	p := pgq.NewPipeline(pool, "openai/gpt-5.2")

	advanced, err := p.MaybeStartVerdictStage(context.Background(), "task-1-0")
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Empty(t, tx.execSQL)
}

func TestAnalysisStageCompletesTaskWhenAnalysisOff(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		strRow("task-1"),
		{scan: func(dest ...any) error {
			*dest[0].(*string) = "running"
			*dest[1].(*bool) = false
			return nil
		}},
		intRow(0),
	}}
	pool := &poolStub{tx: tx}
	p := pgq.NewPipeline(pool, "openai/gpt-5.2")

	advanced, err := p.MaybeStartAnalysisStage(context.Background(), "task-1-0")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.True(t, tx.committed)
	require.Len(t, tx.execSQL, 1)
	assert.Contains(t, tx.execSQL[0], "'completed'")
	assert.Contains(t, tx.execSQL[0], "finished_at = now()")
}

func TestAnalysisStageWaitsForRunningTrials(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		strRow("task-1"),
		{scan: func(dest ...any) error {
			*dest[0].(*string) = "running"
			*dest[1].(*bool) = true
			return nil
		}},
		intRow(1),
	}}
	pool := &poolStub{tx: tx}
	p := pgq.NewPipeline(pool, "openai/gpt-5.2")

	advanced, err := p.MaybeStartAnalysisStage(context.Background(), "task-1-0")
	require.NoError(t, err)
	assert.False(t, advanced)
	assert.Empty(t, tx.execSQL)
}

func TestAnalysisStageClosesEarlyFinishRace(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		strRow("task-1"),
		{scan: func(dest ...any) error {
			*dest[0].(*string) = "running"
			*dest[1].(*bool) = true
			return nil
		}},
		intRow(0), // no unfinished trials
		intRow(0), // every analysis already terminal
		{scan: func(dest ...any) error {
			*dest[0].(*int64) = 12
			return nil
		}},
	}}
	pool := &poolStub{tx: tx}
	p := pgq.NewPipeline(pool, "openai/gpt-5.2")

	advanced, err := p.MaybeStartAnalysisStage(context.Background(), "task-1-0")
	require.NoError(t, err)
	assert.True(t, advanced)
	assert.True(t, tx.committed)
	// All analyses finished before the task left running: the verdict is
	// enqueued in the same transaction instead of stranding the task.
	require.Len(t, tx.execSQL, 3)
	assert.Contains(t, tx.execSQL[0], "'analyzing'")
	assert.Contains(t, tx.execSQL[1], "verdict_pending")
	assert.Contains(t, tx.execSQL[2], "jobq_log")
}
