// Copyright (c) OpsFlow Authors.
// Licensed under the MIT License.

/*
Package storage provides the durable backends for the workflow engine.

GormStore implements workflow.CheckpointStore on any GORM dialect (SQLite
for single-node, PostgreSQL for shared deployments) and doubles as the
registry for versioned workflow definitions. RedisCheckpointStore implements
the same interface on Redis for distributed setups, using per-instance
sorted sets for sequence ordering.

Both stores keep the checkpoint chain append-only: an id or (instance,
sequence) pair is never overwritten, matching the engine's recovery
contract.
*/
package storage
