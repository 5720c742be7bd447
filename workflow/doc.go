// Copyright (c) OpsFlow Authors.
// Licensed under the MIT License.

/*
Package workflow implements the OpsFlow orchestration engine: declarative
workflow definitions compiled into a batched execution plan and driven
through a strict instance lifecycle.

# Overview

A WorkflowDefinition (YAML or JSON) declares tasks and their dependencies.
BuildDAG validates the graph, rejects cycles with an explicit path, and
produces parallel execution batches via topological layering. The
Orchestrator creates instances from definitions and drives them batch by
batch: every batch fully resolves before the next starts, and every
instance-state mutation goes through the StateMachine's transition table.

# Core types

  - WorkflowDefinition / TaskDefinition — immutable, versioned workflow source
  - DAG                 — dependency graph plus its batch schedule
  - StateMachine        — lifecycle states with an audit transition history
  - WorkflowInstance    — one run: task states, execution context, result
  - TaskExecutor        — batch execution, retries, conditionals, loops,
    subworkflows
  - HandlerRegistry     — task-type dispatch (command, http_call, wait,
    plugins, host-registered types)
  - CheckpointManager   — append-only snapshots, restore, retention sweep
  - ApprovalGateController — human decision gates with deadlines,
    first-decision-wins
  - Orchestrator        — create / start / pause / resume / cancel / status /
    list / event streaming, rollback via compensation tasks
  - EventBus            — per-instance ordered event history with live
    subscriptions

# Execution model

Tasks within a batch run concurrently, bounded by the definition's max
parallelism. Task outputs commit to the shared ExecutionContext only on
completion, so concurrent siblings never observe partial writes. Failures
follow the task's on_failure action: halt the run, continue the batch,
retry with exponential backoff, or force compensation rollback. Approval
tasks suspend the instance in WaitingApproval until resolved or expired.

Checkpoints are written at batch boundaries, on pause, before tasks that
request one, and optionally on a timer. Restore re-queues tasks that were
recorded Running, giving at-least-once execution semantics; task
implementations are expected to be idempotent.
*/
package workflow
