package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/devrev/pairdb/entitystore/internal/hash"
	"github.com/devrev/pairdb/entitystore/internal/kvdriver"
)

// Config represents the entity store configuration
type Config struct {
	Store    StoreConfig           `mapstructure:"store"`
	Driver   DriverConfig          `mapstructure:"driver"`
	Loader   LoaderConfig          `mapstructure:"loader"`
	Executor ExecutorConfig        `mapstructure:"executor"`
	Types    map[string]TypeConfig `mapstructure:"types"`
	Metrics  MetricsConfig         `mapstructure:"metrics"`
	Health   HealthConfig          `mapstructure:"health"`
	Logging  LoggingConfig         `mapstructure:"logging"`
}

// StoreConfig selects and configures the backing store
type StoreConfig struct {
	Backend      string         `mapstructure:"backend"`
	Tables       []string       `mapstructure:"tables"`
	HistoryTable string         `mapstructure:"history_table"`
	Bolt         BoltConfig     `mapstructure:"bolt"`
	DynamoDB     DynamoDBConfig `mapstructure:"dynamodb"`
}

type BoltConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DynamoDBConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// DriverConfig holds the reference driver limits
type DriverConfig struct {
	GlobalEnabled      bool          `mapstructure:"global_enabled"`
	BatchGetSize       int           `mapstructure:"batch_get_size"`
	BatchWriteSize     int           `mapstructure:"batch_write_size"`
	MaxRetry           int           `mapstructure:"max_retry"`
	RetryBase          time.Duration `mapstructure:"retry_base"`
	QueryPageSize      int           `mapstructure:"query_page_size"`
	ScanPagesPerSecond float64       `mapstructure:"scan_pages_per_second"`
}

// LoaderConfig tunes the coordinator's point-read batching
type LoaderConfig struct {
	Batching     bool `mapstructure:"batching"`
	MaxBatchSize int  `mapstructure:"max_batch_size"`
}

// ExecutorConfig sizes the worker pool that runs dispatch rounds
type ExecutorConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// TypeConfig declares the sharding and history capabilities of one entity type
type TypeConfig struct {
	History bool `mapstructure:"history"`
	// Hash is empty, "delimiter" or "bucket".
	Hash      string   `mapstructure:"hash"`
	Separator string   `mapstructure:"separator"`
	Buckets   int      `mapstructure:"buckets"`
	Children  []string `mapstructure:"children"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type HealthConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "dynamodb":
	case "bolt":
		if c.Store.Bolt.Path == "" {
			return errors.New("store.bolt.path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of: memory, bolt, dynamodb (got %q)", c.Store.Backend)
	}
	if len(c.Store.Tables) == 0 {
		return errors.New("store.tables must list at least one table")
	}
	seen := make(map[string]bool, len(c.Store.Tables))
	for _, table := range c.Store.Tables {
		if table == "" {
			return errors.New("store.tables must not contain empty names")
		}
		if seen[table] {
			return fmt.Errorf("store.tables lists %q twice", table)
		}
		seen[table] = true
	}
	if c.Driver.BatchGetSize <= 0 {
		return errors.New("driver.batch_get_size must be positive")
	}
	if c.Driver.BatchWriteSize <= 0 {
		return errors.New("driver.batch_write_size must be positive")
	}
	if c.Driver.MaxRetry <= 0 {
		return errors.New("driver.max_retry must be positive")
	}
	if c.Driver.RetryBase < 0 {
		return errors.New("driver.retry_base must not be negative")
	}
	if c.Executor.Workers <= 0 {
		return errors.New("executor.workers must be positive")
	}
	if c.Executor.QueueSize <= 0 {
		return errors.New("executor.queue_size must be positive")
	}
	for name, t := range c.Types {
		switch t.Hash {
		case "", "delimiter":
		case "bucket":
			if t.Buckets <= 0 {
				return fmt.Errorf("types.%s.buckets must be positive", name)
			}
		default:
			return fmt.Errorf("types.%s.hash must be one of: delimiter, bucket", name)
		}
		if t.History && c.Store.HistoryTable == "" {
			return fmt.Errorf("types.%s has history but store.history_table is empty", name)
		}
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return errors.New("logging.format must be one of: json, console")
	}
	return nil
}

// KVDriver converts the store and driver sections into driver settings.
func (c *Config) KVDriver() kvdriver.Config {
	return kvdriver.Config{
		Tables:             c.Store.Tables,
		HistoryTable:       c.Store.HistoryTable,
		GlobalEnabled:      c.Driver.GlobalEnabled,
		BatchGetSize:       c.Driver.BatchGetSize,
		BatchWriteSize:     c.Driver.BatchWriteSize,
		MaxRetry:           c.Driver.MaxRetry,
		RetryBase:          c.Driver.RetryBase,
		QueryPageSize:      c.Driver.QueryPageSize,
		ScanPagesPerSecond: c.Driver.ScanPagesPerSecond,
	}
}

// Registry builds the type registry from the types section.
func (c *Config) Registry() *hash.Registry {
	r := hash.NewRegistry()
	for name, t := range c.Types {
		opts := hash.TypeOptions{History: t.History}
		switch t.Hash {
		case "delimiter":
			opts.Extractor = hash.DelimiterExtractor{Separator: t.Separator}
		case "bucket":
			opts.Extractor = hash.BucketExtractor{Buckets: t.Buckets}
		}
		if len(t.Children) > 0 {
			opts.QueryBuilder = hash.ChildPartitions{Types: t.Children}
		}
		r.Register(name, opts)
	}
	return r
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	drv := kvdriver.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Backend:      "memory",
			Tables:       []string{"entities"},
			HistoryTable: "entities_history",
			Bolt: BoltConfig{
				Path:    "./entitystore.db",
				Timeout: time.Second,
			},
		},
		Driver: DriverConfig{
			GlobalEnabled:  drv.GlobalEnabled,
			BatchGetSize:   drv.BatchGetSize,
			BatchWriteSize: drv.BatchWriteSize,
			MaxRetry:       drv.MaxRetry,
			RetryBase:      drv.RetryBase,
		},
		Loader: LoaderConfig{
			Batching: true,
		},
		Executor: ExecutorConfig{
			Workers:   16,
			QueueSize: 1024,
		},
		Types: map[string]TypeConfig{},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Health: HealthConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
