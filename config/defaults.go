package config

import "time"

// DefaultConfig returns the base configuration before file and environment
// layers apply.
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Engine:   DefaultEngineConfig(),
		Database: DefaultDatabaseConfig(),
		Redis:    DefaultRedisConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig returns the HTTP API defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		MetricsPort:     9090,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    50,
		RateLimitBurst:  100,
	}
}

// DefaultEngineConfig returns the orchestration defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentWorkflows: 32,
		CheckpointRetention:    10,
		ArchiveAfter:           24 * time.Hour,
		SweepInterval:          time.Hour,
	}
}

// DefaultDatabaseConfig defaults to a local SQLite file.
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver: "sqlite",
		Path:   "opsflow.db",
	}
}

// DefaultRedisConfig leaves Redis disabled until an address is configured.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		DB:        0,
		KeyPrefix: "opsflow:",
	}
}

// DefaultLogConfig returns the logging defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "json",
	}
}
