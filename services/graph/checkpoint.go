package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tas-rag-engine/models"
	"github.com/tas-rag-engine/services"
)

const checkpointKeyPrefix = "graph:checkpoint:"

// RedisCheckpointStore persists one serialized pipeline state per thread id.
// Last-writer-wins: concurrent runs on the same thread may interleave but a
// write is always a complete, valid checkpoint.
type RedisCheckpointStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCheckpointStore(client *redis.Client, ttlSeconds int) services.CheckpointStore {
	return &RedisCheckpointStore{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}
}

func checkpointKey(threadID string) string {
	return checkpointKeyPrefix + threadID
}

func (s *RedisCheckpointStore) Save(ctx context.Context, threadID string, node string, state *models.PipelineState) error {
	// A cancelled node must not persist partial results.
	if err := ctx.Err(); err != nil {
		return err
	}
	cp := models.Checkpoint{
		ThreadID:  threadID,
		Node:      node,
		State:     state,
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, checkpointKey(threadID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *RedisCheckpointStore) Load(ctx context.Context, threadID string) (*models.Checkpoint, error) {
	data, err := s.client.Get(ctx, checkpointKey(threadID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *RedisCheckpointStore) Delete(ctx context.Context, threadID string) error {
	if err := s.client.Del(ctx, checkpointKey(threadID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}
