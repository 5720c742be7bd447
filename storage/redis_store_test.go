package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsflow/opsflow/workflow"
)

func newRedisStore(t *testing.T) *RedisCheckpointStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCheckpointStoreFromClient(client, "opsflow-test:", 0)
}

func TestRedisStore_SaveLoadRoundTrip(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("inst-1", 1)
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.InstanceID, got.InstanceID)
	assert.Equal(t, cp.Sequence, got.Sequence)
	assert.Equal(t, workflow.TaskCompleted, got.Tasks["build"].Status)
}

func TestRedisStore_AppendOnly(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("inst-1", 1)
	require.NoError(t, store.Save(ctx, cp))

	// The same id is never overwritten.
	err := store.Save(ctx, cp)
	require.Error(t, err)
	assert.Equal(t, workflow.ErrCodeStorage, workflow.CodeOf(err))
}

func TestRedisStore_LoadLatestAndList(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, store.Save(ctx, sampleCheckpoint("inst-1", seq)))
	}

	latest, err := store.LoadLatest(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 3, latest.Sequence)

	cps, err := store.List(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	for i, cp := range cps {
		assert.Equal(t, i+1, cp.Sequence)
	}

	_, err = store.LoadLatest(ctx, "inst-2")
	require.Error(t, err)
	assert.Equal(t, workflow.ErrCodeStorage, workflow.CodeOf(err))
}

func TestRedisStore_LatestCheckpoints(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	for seq := 1; seq <= 3; seq++ {
		require.NoError(t, store.Save(ctx, sampleCheckpoint("inst-1", seq)))
	}
	require.NoError(t, store.Save(ctx, sampleCheckpoint("inst-2", 5)))

	latest, err := store.LatestCheckpoints(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	bySeq := make(map[string]int, len(latest))
	for _, cp := range latest {
		bySeq[cp.InstanceID] = cp.Sequence
	}
	assert.Equal(t, 3, bySeq["inst-1"])
	assert.Equal(t, 5, bySeq["inst-2"])
}

func TestRedisStore_Delete(t *testing.T) {
	store := newRedisStore(t)
	ctx := context.Background()

	cp := sampleCheckpoint("inst-1", 1)
	require.NoError(t, store.Save(ctx, cp))
	require.NoError(t, store.Delete(ctx, cp.ID))

	_, err := store.Load(ctx, cp.ID)
	require.Error(t, err)

	// The index entry is removed with the payload.
	cps, err := store.List(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, cps)

	assert.NoError(t, store.Delete(ctx, cp.ID))
}

func TestRedisStore_RestoreIntegration(t *testing.T) {
	// A full manager round trip: checkpoint to Redis, restore a cold
	// instance from it.
	store := newRedisStore(t)
	mgr := workflow.NewCheckpointManager(store, nil, nil)
	ctx := context.Background()

	def, err := workflow.ParseDefinition([]byte(definitionYAMLVersion(1)))
	require.NoError(t, err)
	dag, err := workflow.BuildDAG(def, nil)
	require.NoError(t, err)

	inst := workflow.NewInstance(def, nil, "tester")
	_, err = mgr.Create(ctx, inst, "batch")
	require.NoError(t, err)

	restored := workflow.NewInstance(def, nil, "")
	restored.ID = inst.ID
	_, err = mgr.Restore(ctx, restored, dag, "")
	require.NoError(t, err)
	ts, ok := restored.TaskStateOf("restart")
	require.True(t, ok)
	assert.Equal(t, workflow.TaskPending, ts.Status)
}
