package graph

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

func setupCheckpointStore(t *testing.T) (services.CheckpointStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisCheckpointStore(client, 86400), mr
}

func TestCheckpointSaveLoad(t *testing.T) {
	store, _ := setupCheckpointStore(t)
	ctx := context.Background()

	state := &models.PipelineState{
		Question:   "what changed in Q3",
		Plan:       "find the Q3 delta",
		Iterations: 1,
		Confidence: 61.2,
	}

	require.NoError(t, store.Save(ctx, "thread-1", NodeCritic, state))

	cp, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "thread-1", cp.ThreadID)
	assert.Equal(t, NodeCritic, cp.Node)
	assert.Equal(t, "what changed in Q3", cp.State.Question)
	assert.Equal(t, 1, cp.State.Iterations)
	assert.InDelta(t, 61.2, cp.State.Confidence, 1e-9)
}

func TestCheckpointMissingThread(t *testing.T) {
	store, _ := setupCheckpointStore(t)

	cp, err := store.Load(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointOverwrite(t *testing.T) {
	store, _ := setupCheckpointStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "thread-1", NodePlanner, &models.PipelineState{Question: "first"}))
	require.NoError(t, store.Save(ctx, "thread-1", NodeRetriever, &models.PipelineState{Question: "second"}))

	cp, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, NodeRetriever, cp.Node)
	assert.Equal(t, "second", cp.State.Question)
}

func TestCheckpointDelete(t *testing.T) {
	store, _ := setupCheckpointStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "thread-1", NodePlanner, &models.PipelineState{Question: "q"}))
	require.NoError(t, store.Delete(ctx, "thread-1"))

	cp, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointTTL(t *testing.T) {
	store, mr := setupCheckpointStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "thread-1", NodePlanner, &models.PipelineState{Question: "q"}))

	mr.FastForward(25 * time.Hour)

	cp, err := store.Load(ctx, "thread-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestCheckpointCancelledContext(t *testing.T) {
	store, mr := setupCheckpointStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Save(ctx, "thread-1", NodeRefine, &models.PipelineState{Question: "q"})
	assert.Error(t, err)
	assert.False(t, mr.Exists(checkpointKeyPrefix+"thread-1"))
}
