package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "restack.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RESTACK_PORT")
	setString(&cfg.Server.CORSOrigin, "RESTACK_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RESTACK_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RESTACK_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RESTACK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RESTACK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RESTACK_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.LiteLLM.URL, "LITELLM_URL")
	setString(&cfg.LiteLLM.MasterKey, "LITELLM_MASTER_KEY")
	setString(&cfg.LiteLLM.Model, "RESTACK_CONVERT_MODEL")
	setDuration(&cfg.LiteLLM.Timeout, "RESTACK_CONVERT_TIMEOUT")
	setString(&cfg.Logging.Level, "RESTACK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RESTACK_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "RESTACK_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RESTACK_BREAKER_TIMEOUT")
	setInt(&cfg.Scheduler.MaxConcurrent, "RESTACK_SCHED_MAX_CONCURRENT")
	setInt(&cfg.Scheduler.MaxRetries, "RESTACK_SCHED_MAX_RETRIES")
	setDuration(&cfg.Scheduler.RetryBase, "RESTACK_SCHED_RETRY_BASE")
	setDuration(&cfg.Scheduler.RetryMax, "RESTACK_SCHED_RETRY_MAX")
	setDuration(&cfg.Scheduler.TaskTimeout, "RESTACK_SCHED_TASK_TIMEOUT")
	setBool(&cfg.Scheduler.HardPause, "RESTACK_SCHED_HARD_PAUSE")
	setInt64(&cfg.Cache.MaxSizeMB, "RESTACK_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.StatusTTL, "RESTACK_CACHE_STATUS_TTL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Scheduler.MaxConcurrent < 1 {
		return errors.New("scheduler.max_concurrent must be >= 1")
	}
	if cfg.Scheduler.MaxRetries < 0 {
		return errors.New("scheduler.max_retries must be >= 0")
	}
	if cfg.Scheduler.TaskTimeout <= 0 {
		return errors.New("scheduler.task_timeout must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
