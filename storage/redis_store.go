package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsflow/opsflow/workflow"
)

// RedisCheckpointStore is a Redis-backed workflow.CheckpointStore for
// distributed deployments. Checkpoints live under per-id string keys; a
// per-instance sorted set scored by sequence provides ordering, latest
// lookup and retention listing.
type RedisCheckpointStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// RedisOptions configures the store connection.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires checkpoint payloads; zero keeps them until swept.
	TTL time.Duration
}

// NewRedisCheckpointStore connects and verifies the backend.
func NewRedisCheckpointStore(opts RedisOptions) (*RedisCheckpointStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "redis connect failed").WithCause(err)
	}
	return NewRedisCheckpointStoreFromClient(client, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisCheckpointStoreFromClient wraps an existing client, used by tests
// and hosts that share a connection pool.
func NewRedisCheckpointStoreFromClient(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisCheckpointStore {
	if keyPrefix == "" {
		keyPrefix = "opsflow:"
	}
	return &RedisCheckpointStore{
		client:    client,
		keyPrefix: keyPrefix + "checkpoint:",
		ttl:       ttl,
	}
}

// Close closes the underlying client.
func (s *RedisCheckpointStore) Close() error {
	return s.client.Close()
}

// Ping checks backend health.
func (s *RedisCheckpointStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisCheckpointStore) dataKey(checkpointID string) string {
	return s.keyPrefix + "data:" + checkpointID
}

func (s *RedisCheckpointStore) indexKey(instanceID string) string {
	return s.keyPrefix + "instance:" + instanceID
}

// Save implements workflow.CheckpointStore. SetNX keeps the chain
// append-only: an id is never overwritten.
func (s *RedisCheckpointStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "checkpoint encode failed").WithCause(err)
	}

	ok, err := s.client.SetNX(ctx, s.dataKey(cp.ID), payload, s.ttl).Result()
	if err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "checkpoint write failed").WithCause(err)
	}
	if !ok {
		return workflow.NewError(workflow.ErrCodeStorage,
			fmt.Sprintf("checkpoint %s already exists", cp.ID))
	}
	err = s.client.ZAdd(ctx, s.indexKey(cp.InstanceID), redis.Z{
		Score:  float64(cp.Sequence),
		Member: cp.ID,
	}).Err()
	if err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "checkpoint index write failed").WithCause(err)
	}
	return nil
}

// Load implements workflow.CheckpointStore.
func (s *RedisCheckpointStore) Load(ctx context.Context, checkpointID string) (*workflow.Checkpoint, error) {
	payload, err := s.client.Get(ctx, s.dataKey(checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, workflow.NewError(workflow.ErrCodeStorage,
			fmt.Sprintf("checkpoint %s not found", checkpointID))
	}
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint read failed").WithCause(err)
	}
	return decodeCheckpoint(payload)
}

// LoadLatest implements workflow.CheckpointStore via the highest-scored
// index member.
func (s *RedisCheckpointStore) LoadLatest(ctx context.Context, instanceID string) (*workflow.Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(instanceID), 0, 0).Result()
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint index read failed").WithCause(err)
	}
	if len(ids) == 0 {
		return nil, workflow.NewError(workflow.ErrCodeStorage,
			fmt.Sprintf("no checkpoints for instance %s", instanceID))
	}
	return s.Load(ctx, ids[0])
}

// List implements workflow.CheckpointStore, ordered by sequence. Index
// entries whose payload expired are dropped from the result.
func (s *RedisCheckpointStore) List(ctx context.Context, instanceID string) ([]*workflow.Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(instanceID), 0, -1).Result()
	if err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint index read failed").WithCause(err)
	}
	out := make([]*workflow.Checkpoint, 0, len(ids))
	for _, id := range ids {
		payload, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint read failed").WithCause(err)
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// LatestCheckpoints scans the per-instance index keys and returns each
// instance's highest-sequence checkpoint. The serve startup uses it to find
// interrupted instances to recover.
func (s *RedisCheckpointStore) LatestCheckpoints(ctx context.Context) ([]*workflow.Checkpoint, error) {
	var out []*workflow.Checkpoint
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"instance:*", 100).Iterator()
	for iter.Next(ctx) {
		instanceID := iter.Val()[len(s.keyPrefix+"instance:"):]
		cp, err := s.LoadLatest(ctx, instanceID)
		if err != nil {
			// The index can outlive an expired payload.
			continue
		}
		out = append(out, cp)
	}
	if err := iter.Err(); err != nil {
		return nil, workflow.NewError(workflow.ErrCodeStorage, "checkpoint scan failed").WithCause(err)
	}
	return out, nil
}

// Delete implements workflow.CheckpointStore: removes the payload and its
// index entry.
func (s *RedisCheckpointStore) Delete(ctx context.Context, checkpointID string) error {
	payload, err := s.client.Get(ctx, s.dataKey(checkpointID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "checkpoint read failed").WithCause(err)
	}
	cp, err := decodeCheckpoint(payload)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(checkpointID))
	pipe.ZRem(ctx, s.indexKey(cp.InstanceID), checkpointID)
	if _, err := pipe.Exec(ctx); err != nil {
		return workflow.NewError(workflow.ErrCodeStorage, "checkpoint delete failed").WithCause(err)
	}
	return nil
}
