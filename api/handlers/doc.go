// Copyright (c) OpsFlow Authors.
// Licensed under the MIT License.

/*
Package handlers implements the OpsFlow HTTP endpoints.

# Overview

Every handler writes the uniform Response envelope from common.go and maps
engine error codes onto HTTP statuses. The surface:

  - WorkflowHandler: instance lifecycle (create, start, pause, resume,
    cancel, status, list, event history)
  - DefinitionHandler: versioned definition registry
  - ApprovalHandler: pending approvals and decisions
  - StreamHandler: live event streaming over WebSocket
  - HealthHandler: liveness, readiness and version endpoints

Starts and resumes run on a background Runner so requests return 202 while
the engine drives the instance.
*/
package handlers
