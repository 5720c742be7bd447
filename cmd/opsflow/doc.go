// Copyright (c) OpsFlow Authors.
// Licensed under the MIT License.

/*
The opsflow command runs the workflow orchestration server.

# Overview

opsflow serve wires the engine together: the relational store (SQLite or
PostgreSQL), the optional Redis checkpoint backend, the task handler
registry, the orchestrator, and the HTTP API with Prometheus metrics on a
separate port.

Usage:

	opsflow serve --config /etc/opsflow/config.yaml
	opsflow health --addr http://localhost:8080
	opsflow version
*/
package main
