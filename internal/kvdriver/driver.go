// Package kvdriver implements the driver contract against a partitioned
// key-value store.Store, layering an ordered list of tables where later tables
// override earlier ones.
package kvdriver

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/hash"
	"github.com/devrev/pairdb/entitystore/internal/metrics"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// Config holds driver configuration
type Config struct {
	// Tables in override order. The last table receives every write.
	Tables        []string
	HistoryTable  string
	GlobalEnabled bool

	BatchGetSize   int
	BatchWriteSize int
	MaxRetry       int
	RetryBase      time.Duration
	QueryPageSize  int

	// ScanPagesPerSecond throttles table scans across all segments. Zero disables it.
	ScanPagesPerSecond float64
}

// DefaultConfig returns the store limits the driver was tuned for.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled:  true,
		BatchGetSize:   100,
		BatchWriteSize: 25,
		MaxRetry:       20,
		RetryBase:      100 * time.Millisecond,
	}
}

// Option customises a Driver.
type Option func(*Driver)

func WithIDGenerator(fn func() string) Option {
	return func(d *Driver) { d.newID = fn }
}

func WithClock(fn func() time.Time) Option {
	return func(d *Driver) { d.now = fn }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// Driver is safe for concurrent use by many coordinators.
type Driver struct {
	cfg         Config
	store       store.Store
	registry    *hash.Registry
	entityTable string
	logger      *zap.Logger
	metrics     *metrics.Metrics
	newID       func() string
	now         func() time.Time
	scanLimiter *rate.Limiter
}

var _ driver.Driver = (*Driver)(nil)

// New creates a Driver over st. registry may be nil when no type is hashed.
func New(st store.Store, registry *hash.Registry, cfg Config, logger *zap.Logger, opts ...Option) (*Driver, error) {
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("at least one entity table is required")
	}
	defaults := DefaultConfig()
	if cfg.BatchGetSize <= 0 {
		cfg.BatchGetSize = defaults.BatchGetSize
	}
	if cfg.BatchWriteSize <= 0 {
		cfg.BatchWriteSize = defaults.BatchWriteSize
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = defaults.MaxRetry
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaults.RetryBase
	}
	if registry == nil {
		registry = hash.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Driver{
		cfg:         cfg,
		store:       st,
		registry:    registry,
		entityTable: cfg.Tables[len(cfg.Tables)-1],
		logger:      logger,
		newID:       uuid.NewString,
		now:         time.Now,
	}
	if cfg.ScanPagesPerSecond > 0 {
		d.scanLimiter = rate.NewLimiter(rate.Limit(cfg.ScanPagesPerSecond), 1)
	}
	for _, opt := range opts {
		opt(d)
	}

	d.logger.Info("Entity driver initialized",
		zap.Strings("tables", cfg.Tables),
		zap.String("entity_table", d.entityTable),
		zap.Bool("global_enabled", cfg.GlobalEnabled),
		zap.Int("max_batch_size", d.MaxBatchSize()))
	return d, nil
}

func (d *Driver) NewID() string {
	return d.newID()
}

// MaxBatchSize is the number of point keys one get batch may carry: every key
// fans out to each table, and to the global scope when enabled.
func (d *Driver) MaxBatchSize() int {
	size := d.cfg.BatchGetSize / len(d.cfg.Tables)
	if d.cfg.GlobalEnabled {
		size /= 2
	}
	if size < 1 {
		size = 1
	}
	return size
}

// scopes returns the organisations a read in org must consult, lowest priority first.
func (d *Driver) scopes(org string) []string {
	if d.cfg.GlobalEnabled && org != model.GlobalOrganisation {
		return []string{model.GlobalOrganisation, org}
	}
	return []string{org}
}
