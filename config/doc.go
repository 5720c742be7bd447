// Copyright (c) OpsFlow Authors.
// Licensed under the MIT License.

/*
Package config resolves the engine configuration from three layers, in
increasing precedence:

  - built-in defaults (DefaultConfig)
  - a YAML config file (optional; a missing file is tolerated)
  - OPSFLOW_* environment variables mapped from struct env tags, nested
    sections joined with underscores (OPSFLOW_SERVER_PORT)

Usage:

	cfg, err := config.NewLoader().
		WithConfigPath("opsflow.yaml").
		Load()
*/
package config
