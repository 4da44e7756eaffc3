// Package database implements the request-scoped coordinator that batches and
// caches reads, buffers writes and keeps links symmetric on top of a driver.
package database

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/loader"
	"github.com/devrev/pairdb/entitystore/internal/metrics"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/util/workerpool"
)

// WritePermission decides whether the coordinator may mutate entity.
type WritePermission func(ctx context.Context, entity *model.Entity) (bool, error)

// AllowAll permits every write.
func AllowAll(context.Context, *model.Entity) (bool, error) {
	return true, nil
}

// Executor runs dispatch rounds. *workerpool.Pool satisfies it.
type Executor interface {
	Submit(ctx context.Context, label string, fn workerpool.Task) error
}

// Options configures a Database.
type Options struct {
	Executor   Executor
	Permission WritePermission
	// Unbatched sends every point read to the driver on its own.
	Unbatched bool
	// MaxBatchSize caps point-read batches below the driver's own limit.
	MaxBatchSize int
}

// Database is scoped to one tenant-bound request and must not be shared between
// unrelated requests. The driver underneath is shared.
type Database struct {
	ctx     context.Context
	driver  driver.Driver
	allow   WritePermission
	exec    Executor
	logger  *zap.Logger
	metrics *metrics.Metrics

	orgMu sync.RWMutex
	org   string

	items     *loader.Loader[model.DatabaseKey, *model.Entity]
	queries   *loader.Loader[model.DatabaseQueryKey, []*model.Entity]
	histories *loader.Loader[model.DatabaseQueryHistoryKey, []*model.Entity]
	writes    *loader.Writer
	engines   []engine

	// submitted counts dispatch requests since the running round started; zero
	// means no round is running.
	submitted atomic.Int32
}

// New creates a coordinator for org. Batches run under ctx, which should live as
// long as the request.
func New(ctx context.Context, org string, drv driver.Driver, opts Options, logger *zap.Logger, m *metrics.Metrics) *Database {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Permission == nil {
		opts.Permission = AllowAll
	}
	d := &Database{
		ctx:     context.WithoutCancel(ctx),
		driver:  drv,
		allow:   opts.Permission,
		exec:    opts.Executor,
		logger:  logger,
		metrics: m,
		org:     org,
	}

	maxBatch := drv.MaxBatchSize()
	if opts.MaxBatchSize > 0 && (maxBatch <= 0 || opts.MaxBatchSize < maxBatch) {
		maxBatch = opts.MaxBatchSize
	}
	d.items = loader.New[model.DatabaseKey, *model.Entity](drv.Get, loader.Options{
		Name:         "items",
		Batching:     !opts.Unbatched,
		MaxBatchSize: maxBatch,
	}, logger, m)
	d.queries = loader.New[model.DatabaseQueryKey, []*model.Entity](func(ctx context.Context, keys []model.DatabaseQueryKey) ([][]*model.Entity, error) {
		out := make([][]*model.Entity, len(keys))
		for i, key := range keys {
			res, err := drv.Query(ctx, key)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	}, loader.Options{Name: "queries"}, logger, m)
	d.histories = loader.New[model.DatabaseQueryHistoryKey, []*model.Entity](func(ctx context.Context, keys []model.DatabaseQueryHistoryKey) ([][]*model.Entity, error) {
		out := make([][]*model.Entity, len(keys))
		for i, key := range keys {
			res, err := drv.QueryHistory(ctx, key)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	}, loader.Options{Name: "histories"}, logger, m)
	d.writes = loader.NewWriter("writes", drv.BulkPut, logger, m)

	d.engines = []engine{
		{name: "items", dispatcher: d.items},
		{name: "queries", dispatcher: d.queries},
		{name: "histories", dispatcher: d.histories},
		{name: "writes", dispatcher: d.writes},
	}
	return d
}

// OrganisationID is the tenant scope of every read and write.
func (d *Database) OrganisationID() string {
	d.orgMu.RLock()
	defer d.orgMu.RUnlock()
	return d.org
}

// SetOrganisationID switches the tenant scope. Cached results stay keyed by the
// scope they were read in.
func (d *Database) SetOrganisationID(org string) {
	d.orgMu.Lock()
	d.org = org
	d.orgMu.Unlock()
}

// SourceOrganisationID is the scope an entity was read from, which is the global
// scope for shared records.
func (d *Database) SourceOrganisationID(e *model.Entity) string {
	return e.SourceOrganisationID
}

func (d *Database) NewID() string {
	return d.driver.NewID()
}

func (d *Database) LinkIDs(e *model.Entity, targetType string) []string {
	return e.LinkIDs(targetType)
}

func (d *Database) checkWrite(ctx context.Context, e *model.Entity) error {
	ok, err := d.allow(ctx, e)
	if err != nil {
		return err
	}
	if !ok {
		d.metrics.RecordWriteRejected("permission")
		d.logger.Debug("Write rejected",
			zap.String("organisation_id", d.OrganisationID()),
			zap.String("type", e.Type),
			zap.String("id", e.ID))
		return errors.ForbiddenWrite(e.Type, e.ID)
	}
	return nil
}

// clearKeys evicts point reads of ids of entityType in the current scope.
func (d *Database) clearKeys(entityType string, ids ...string) {
	org := d.OrganisationID()
	for _, id := range ids {
		d.items.Clear(model.DatabaseKey{OrganisationID: org, Type: entityType, ID: id})
	}
}

func cloneAll(entities []*model.Entity) []*model.Entity {
	if entities == nil {
		return nil
	}
	out := make([]*model.Entity, 0, len(entities))
	for _, e := range entities {
		if e != nil {
			out = append(out, e.Clone())
		}
	}
	return out
}
