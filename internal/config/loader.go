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
const DefaultConfigFile = "relaymind.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
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

// loadYAML reads the YAML file and unmarshals it over cfg. A missing file
// is not an error.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
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

// loadEnv overlays environment variables onto cfg. Only non-empty values
// override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RELAYMIND_PORT")
	setString(&cfg.Server.CORSOrigin, "RELAYMIND_CORS_ORIGIN")
	setString(&cfg.Server.APIKeyHash, "RELAYMIND_API_KEY_HASH")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RELAYMIND_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RELAYMIND_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RELAYMIND_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RELAYMIND_PG_MAX_CONN_IDLE_TIME")

	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.NATS.Enabled, "RELAYMIND_NATS_ENABLED")

	setBool(&cfg.Cache.Enabled, "RELAYMIND_CACHE_ENABLED")
	setInt64(&cfg.Cache.L1MaxSizeMB, "RELAYMIND_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.L1TTL, "RELAYMIND_CACHE_L1_TTL")
	setString(&cfg.Cache.L2Bucket, "RELAYMIND_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "RELAYMIND_CACHE_L2_TTL")

	setString(&cfg.Logging.Level, "RELAYMIND_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RELAYMIND_LOG_SERVICE")

	setInt(&cfg.Controller.MaxSteps, "RELAYMIND_MAX_STEPS")
	setInt64(&cfg.Controller.MaxTokens, "RELAYMIND_MAX_TOKENS")
	setFloat64(&cfg.Controller.MaxCostUSD, "RELAYMIND_MAX_COST_USD")
	setInt(&cfg.Controller.MaxReparse, "RELAYMIND_MAX_REPARSE")
	setDuration(&cfg.Controller.ModelTimeout, "RELAYMIND_MODEL_TIMEOUT")

	setInt(&cfg.Executor.Parallelism, "RELAYMIND_EXEC_PARALLELISM")
	setDuration(&cfg.Executor.BackoffBase, "RELAYMIND_EXEC_BACKOFF_BASE")
	setDuration(&cfg.Executor.BackoffMax, "RELAYMIND_EXEC_BACKOFF_MAX")
	setDuration(&cfg.Executor.ToolTimeout, "RELAYMIND_TOOL_TIMEOUT")

	setInt(&cfg.Breaker.FailureThreshold, "RELAYMIND_BREAKER_THRESHOLD")
	setDuration(&cfg.Breaker.FailureWindow, "RELAYMIND_BREAKER_WINDOW")
	setDuration(&cfg.Breaker.Cooldown, "RELAYMIND_BREAKER_COOLDOWN")

	setFloat64(&cfg.Selector.CapabilityWeight, "RELAYMIND_SELECT_CAPABILITY_WEIGHT")
	setFloat64(&cfg.Selector.LatencyWeight, "RELAYMIND_SELECT_LATENCY_WEIGHT")
	setFloat64(&cfg.Selector.CostWeight, "RELAYMIND_SELECT_COST_WEIGHT")
	setDuration(&cfg.Selector.TargetLatency, "RELAYMIND_SELECT_TARGET_LATENCY")
	setFloat64(&cfg.Selector.LatencyAlpha, "RELAYMIND_SELECT_LATENCY_ALPHA")

	setBool(&cfg.Telemetry.Enabled, "RELAYMIND_OTEL_ENABLED")
	setString(&cfg.Telemetry.Endpoint, "RELAYMIND_OTEL_ENDPOINT")

	setString(&cfg.TemplateDir, "RELAYMIND_TEMPLATE_DIR")
	setString(&cfg.MCPConfigFile, "RELAYMIND_MCP_CONFIG")
}

// validate checks the invariants the rest of the process relies on.
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
	if cfg.Breaker.FailureThreshold < 1 {
		return errors.New("breaker.failure_threshold must be >= 1")
	}
	if cfg.Breaker.FailureWindow <= 0 || cfg.Breaker.Cooldown <= 0 {
		return errors.New("breaker.failure_window and breaker.cooldown must be positive")
	}
	if cfg.Executor.Parallelism < 1 {
		return errors.New("executor.parallelism must be >= 1")
	}
	if cfg.Selector.LatencyAlpha <= 0 || cfg.Selector.LatencyAlpha > 1 {
		return errors.New("selector.latency_alpha must be in (0, 1]")
	}
	sum := cfg.Selector.CapabilityWeight + cfg.Selector.LatencyWeight + cfg.Selector.CostWeight
	if sum < 0.99 || sum > 1.01 {
		return errors.New("selector weights must sum to 1")
	}
	for i, p := range cfg.Providers {
		if p.ID == "" || p.BaseURL == "" {
			return fmt.Errorf("providers[%d]: id and base_url are required", i)
		}
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
