package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration tree. Values resolve in three
// layers: built-in defaults, then the YAML config file, then OPSFLOW_*
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server" env:"SERVER"`
	Engine   EngineConfig   `yaml:"engine" env:"ENGINE"`
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`
	Redis    RedisConfig    `yaml:"redis" env:"REDIS"`
	Log      LogConfig      `yaml:"log" env:"LOG"`
}

// ServerConfig controls the HTTP API surface.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst  int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// APIKeys gate the API; empty disables authentication.
	APIKeys            []string `yaml:"api_keys" env:"API_KEYS"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// EngineConfig controls orchestration behaviour that is not part of a
// workflow definition.
type EngineConfig struct {
	// MaxConcurrentWorkflows caps instances driven at the same time.
	MaxConcurrentWorkflows int `yaml:"max_concurrent_workflows" env:"MAX_CONCURRENT_WORKFLOWS"`
	// CheckpointRetention is how many checkpoints the sweep keeps per
	// instance.
	CheckpointRetention int           `yaml:"checkpoint_retention" env:"CHECKPOINT_RETENTION"`
	ArchiveAfter        time.Duration `yaml:"archive_after" env:"ARCHIVE_AFTER"`
	SweepInterval       time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// DatabaseConfig selects and configures the relational backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver" env:"DRIVER"`
	// Path is the SQLite file (":memory:" for ephemeral).
	Path string `yaml:"path" env:"PATH"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" env:"DSN"`
}

// RedisConfig configures the optional Redis checkpoint backend. An empty
// Addr disables it.
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is "json" or "console".
	Format string `yaml:"format" env:"FORMAT"`
}

// Validate checks cross-field consistency after all layers are applied.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.MaxConcurrentWorkflows < 1 {
		return fmt.Errorf("engine.max_concurrent_workflows must be at least 1")
	}
	if c.Engine.CheckpointRetention < 1 {
		return fmt.Errorf("engine.checkpoint_retention must be at least 1")
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn required for postgres")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// Loader resolves a Config. Build it fluently and call Load:
//
//	cfg, err := config.NewLoader().
//		WithConfigPath("opsflow.yaml").
//		Load()
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader returns a Loader with the OPSFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "OPSFLOW"}
}

// WithConfigPath sets the YAML config file. A missing file is not an error;
// defaults and environment variables still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
	return l
}

// WithValidator appends a validation hook run after Config.Validate.
func (l *Loader) WithValidator(fn func(*Config) error) *Loader {
	l.validators = append(l.validators, fn)
	return l
}

// Load resolves the configuration: defaults, then file, then environment.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, err
		}
	}
	if err := setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	for _, fn := range l.validators {
		if err := fn(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", l.configPath, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", l.configPath, err)
	}
	return nil
}

// setFieldsFromEnv walks the struct and overrides any field whose env tag
// resolves to a set environment variable. Nested structs join with "_":
// OPSFLOW_SERVER_PORT targets Config.Server.Port.
func setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Duration(0)) {
			if err := setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("env %s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element kind %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
