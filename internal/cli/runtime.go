package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/devrev/pairdb/entitystore/internal/config"
	"github.com/devrev/pairdb/entitystore/internal/database"
	"github.com/devrev/pairdb/entitystore/internal/kvdriver"
	"github.com/devrev/pairdb/entitystore/internal/metrics"
	"github.com/devrev/pairdb/entitystore/internal/store"
	"github.com/devrev/pairdb/entitystore/internal/store/boltstore"
	"github.com/devrev/pairdb/entitystore/internal/store/dynamostore"
	"github.com/devrev/pairdb/entitystore/internal/store/memstore"
	"github.com/devrev/pairdb/entitystore/internal/util/workerpool"
)

// runtime is everything a command needs, built from the configuration.
type runtime struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	store   store.Store
	driver  *kvdriver.Driver
	pool    *workerpool.Pool
	manager *database.Manager
}

func newRuntime(opts *RootOptions, reg prometheus.Registerer) (*runtime, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	m := metrics.NewMetrics(reg)
	st, err := openStore(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	drv, err := kvdriver.New(st, cfg.Registry(), cfg.KVDriver(), logger, kvdriver.WithMetrics(m))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	pool := workerpool.New(workerpool.Config{
		Name:      "dispatch",
		Workers:   cfg.Executor.Workers,
		QueueSize: cfg.Executor.QueueSize,
	}, logger)

	manager := database.NewManager(drv, database.Options{
		Executor:     pool,
		Unbatched:    !cfg.Loader.Batching,
		MaxBatchSize: cfg.Loader.MaxBatchSize,
	}, logger, m)

	return &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		store:   st,
		driver:  drv,
		pool:    pool,
		manager: manager,
	}, nil
}

// Close stops the executor, then closes the store.
func (r *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := multierr.Combine(r.pool.Stop(ctx), r.store.Close())
	_ = r.logger.Sync()
	return err
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memstore.New(logger), nil
	case "bolt":
		st, err := boltstore.Open(boltstore.Config{
			Path:    cfg.Store.Bolt.Path,
			Timeout: cfg.Store.Bolt.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "dynamodb":
		tables := append([]string(nil), cfg.Store.Tables...)
		if cfg.Store.HistoryTable != "" {
			tables = append(tables, cfg.Store.HistoryTable)
		}
		st, err := dynamostore.Open(dynamostore.Config{
			Region:   cfg.Store.DynamoDB.Region,
			Endpoint: cfg.Store.DynamoDB.Endpoint,
			Tables:   tables,
		}, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Store.Backend)
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
