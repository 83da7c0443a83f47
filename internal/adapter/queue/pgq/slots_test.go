package pgq_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oddish-run/oddish/internal/adapter/queue/pgq"
)

func TestAcquireBoundsSlotIndexAndLease(t *testing.T) {
	tx := &txStub{rows: []rowStub{
		{scan: func(dest ...any) error {
			*dest[0].(*int) = 3
			return nil
		}},
	}}
	pool := &poolStub{tx: tx}
	store := pgq.NewSlotStore(pool)

	slot, ok, err := store.Acquire(context.Background(), "openai/gpt-5.2", 4, "w1", 2*time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, slot)
	assert.True(t, tx.committed)

	// Slot rows are provisioned idempotently before the lease attempt.
	require.Len(t, pool.execSQL, 1)
	assert.Contains(t, pool.execSQL[0], "generate_series")
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (queue_key, slot) DO NOTHING")

	// Only slots under the current limit are candidates, and the select
	// locks the row so two workers cannot lease the same slot.
	require.Len(t, tx.querySQL, 1)
	assert.Contains(t, tx.querySQL[0], "slot < $2")
	assert.Contains(t, tx.querySQL[0], "FOR UPDATE SKIP LOCKED")
	assert.Equal(t, 4, tx.queryArgs[0][1])

	require.Len(t, tx.execSQL, 1)
	assert.Contains(t, tx.execSQL[0], "make_interval")
	assert.Equal(t, (2 * time.Hour).Seconds(), tx.execArgs[0][3])
}

func TestAcquireSaturatedKey(t *testing.T) {
	tx := &txStub{rows: []rowStub{noRow()}}
	pool := &poolStub{tx: tx}
	store := pgq.NewSlotStore(pool)

	_, ok, err := store.Acquire(context.Background(), "default", 2, "w1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, tx.execSQL)
	assert.False(t, tx.committed)
}

func TestReleaseGuardsOnOwner(t *testing.T) {
	pool := &poolStub{}
	store := pgq.NewSlotStore(pool)

	require.NoError(t, store.Release(context.Background(), "default", 1, "w1"))
	require.Len(t, pool.execSQL, 1)
	// A late worker must not clear a lease that was re-issued to another.
	assert.Contains(t, pool.execSQL[0], "locked_by = $3")
}
