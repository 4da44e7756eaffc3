package database

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/metrics"
)

// Manager hands out per-request coordinators over one shared driver.
type Manager struct {
	driver  driver.Driver
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewManager(drv driver.Driver, opts Options, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{driver: drv, opts: opts, logger: logger, metrics: m}
}

// New creates a coordinator scoped to org for the lifetime of ctx.
func (m *Manager) New(ctx context.Context, org string) *Database {
	return New(ctx, org, m.driver, m.opts, m.logger.With(zap.String("organisation_id", org)), m.metrics)
}

func (m *Manager) Driver() driver.Driver {
	return m.driver
}
