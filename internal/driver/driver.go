// Package driver defines the contract a backing store adapter implements for the
// request-scoped Database coordinator.
package driver

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/entitystore/internal/model"
)

// Fetcher resolves point keys, usually through the coordinator's batched item loader.
// Missing records come back as nil entries.
type Fetcher func(ctx context.Context, keys []model.DatabaseKey) ([]*model.Entity, error)

// Driver is implemented by backing-store adapters. A single Driver is shared by
// many coordinators and must be safe for concurrent use.
type Driver interface {
	// Get returns one entry per key, nil where no live record exists.
	Get(ctx context.Context, keys []model.DatabaseKey) ([]*model.Entity, error)
	Query(ctx context.Context, key model.DatabaseQueryKey) ([]*model.Entity, error)
	QueryHistory(ctx context.Context, key model.DatabaseQueryHistoryKey) ([]*model.Entity, error)
	QueryGlobal(ctx context.Context, entityType, value string) ([]*model.Entity, error)
	QuerySecondary(ctx context.Context, entityType, org, value string, fetch Fetcher) ([]*model.Entity, error)
	GetViaLinks(ctx context.Context, org string, entity *model.Entity, targetType string, fetch Fetcher) ([]*model.Entity, error)

	// BulkPut settles every value, resolving or failing each one, before it returns.
	BulkPut(ctx context.Context, values []*PutValue)

	Link(ctx context.Context, org string, entity *model.Entity, targetType string, targetIDs []string) (*model.Entity, error)
	Unlink(ctx context.Context, org string, entity *model.Entity, targetType, targetID string) (*model.Entity, error)
	DeleteLinks(ctx context.Context, org string, entity *model.Entity) (*model.Entity, error)
	Delete(ctx context.Context, org string, entity *model.Entity) (*model.Entity, error)
	DeleteType(ctx context.Context, org, entityType string) ([]*model.Entity, error)

	DestroyOrganisation(ctx context.Context, org string) error
	TakeBackup(ctx context.Context, org string) ([]*model.BackupItem, error)
	RestoreBackup(ctx context.Context, items []*model.BackupItem) error
	TakeHistoryBackup(ctx context.Context, org string) ([]*model.HistoryBackupItem, error)
	RestoreHistoryBackup(ctx context.Context, items []*model.HistoryBackupItem) error

	ScanTable(ctx context.Context, query TableScanQuery, visit ScanVisitor) error

	NewID() string
	MaxBatchSize() int
}

// PutValue is one buffered write. Settle is invoked exactly once.
type PutValue struct {
	OrganisationID string
	Entity         *model.Entity
	Check          bool

	once   sync.Once
	settle func(*model.Entity, error)
}

func NewPutValue(org string, entity *model.Entity, check bool, settle func(*model.Entity, error)) *PutValue {
	return &PutValue{
		OrganisationID: org,
		Entity:         entity,
		Check:          check,
		settle:         settle,
	}
}

// Resolve completes the write successfully with the (mutated) entity.
func (v *PutValue) Resolve() {
	v.once.Do(func() {
		if v.settle != nil {
			v.settle(v.Entity, nil)
		}
	})
}

// Fail completes the write with err. Calls after the first settlement are ignored.
func (v *PutValue) Fail(err error) {
	v.once.Do(func() {
		if v.settle != nil {
			v.settle(nil, err)
		}
	})
}
