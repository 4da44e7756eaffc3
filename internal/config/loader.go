package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables. An empty path
// skips the file.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		v := viper.New()
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			// The file is optional when the environment carries the settings.
			fmt.Fprintf(os.Stderr, "Warning: could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
		} else if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies ENTITYSTORE_* variables, which take precedence
// over the file.
func applyEnvironmentOverrides(cfg *Config) {
	// Store configuration
	if backend := os.Getenv("ENTITYSTORE_STORE_BACKEND"); backend != "" {
		cfg.Store.Backend = backend
	}
	if tables := os.Getenv("ENTITYSTORE_STORE_TABLES"); tables != "" {
		cfg.Store.Tables = splitList(tables)
	}
	if history := os.Getenv("ENTITYSTORE_STORE_HISTORY_TABLE"); history != "" {
		cfg.Store.HistoryTable = history
	}
	if path := os.Getenv("ENTITYSTORE_BOLT_PATH"); path != "" {
		cfg.Store.Bolt.Path = path
	}
	if region := os.Getenv("ENTITYSTORE_DYNAMODB_REGION"); region != "" {
		cfg.Store.DynamoDB.Region = region
	}
	if endpoint := os.Getenv("ENTITYSTORE_DYNAMODB_ENDPOINT"); endpoint != "" {
		cfg.Store.DynamoDB.Endpoint = endpoint
	}

	// Driver configuration
	if global := os.Getenv("ENTITYSTORE_GLOBAL_ENABLED"); global != "" {
		if b, err := strconv.ParseBool(global); err == nil {
			cfg.Driver.GlobalEnabled = b
		}
	}
	if retries := os.Getenv("ENTITYSTORE_MAX_RETRY"); retries != "" {
		if n, err := strconv.Atoi(retries); err == nil {
			cfg.Driver.MaxRetry = n
		}
	}
	if base := os.Getenv("ENTITYSTORE_RETRY_BASE"); base != "" {
		if d, err := time.ParseDuration(base); err == nil {
			cfg.Driver.RetryBase = d
		}
	}

	// Executor configuration
	if workers := os.Getenv("ENTITYSTORE_EXECUTOR_WORKERS"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil {
			cfg.Executor.Workers = n
		}
	}

	// Server ports
	if port := os.Getenv("ENTITYSTORE_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Metrics.Port = p
		}
	}
	if port := os.Getenv("ENTITYSTORE_HEALTH_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Health.Port = p
		}
	}

	// Logging configuration
	if logLevel := os.Getenv("ENTITYSTORE_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat := os.Getenv("ENTITYSTORE_LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
