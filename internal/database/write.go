package database

import (
	"context"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/model"
)

// Put writes e. With check set the write only succeeds if the stored revision is
// still the one e was read at, or if nothing is stored yet for a new entity.
func (d *Database) Put(ctx context.Context, e *model.Entity, check bool) (*model.Entity, error) {
	return d.put(ctx, d.OrganisationID(), e, check)
}

// PutGlobal writes e into the global scope without a revision check.
func (d *Database) PutGlobal(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	return d.put(ctx, model.GlobalOrganisation, e, false)
}

func (d *Database) put(ctx context.Context, org string, e *model.Entity, check bool) (*model.Entity, error) {
	if err := d.checkWrite(ctx, e); err != nil {
		return nil, err
	}
	d.invalidate(e)
	// The batch writes to its own copy; e is only updated once the write settled.
	pending := e.Clone()
	f := d.writes.Put(org, pending, check)
	saved, err := await(ctx, d, f)
	if !f.IsDone() {
		go func() {
			<-f.Done()
			d.invalidate(pending)
		}()
		return nil, err
	}
	// The id may only be known now, and loads issued while the write was in flight
	// may hold the old state.
	d.invalidate(pending)
	if err != nil {
		return nil, err
	}
	e.ID = saved.ID
	e.Revision = saved.Revision
	e.CreatedAt = saved.CreatedAt
	e.UpdatedAt = saved.UpdatedAt
	e.SetSource(saved.SourceTable, saved.SourceOrganisationID)
	return e, nil
}

func (d *Database) invalidate(e *model.Entity) {
	if e.ID != "" {
		d.clearKeys(e.Type, e.ID)
	}
	d.queries.ClearAll()
}

// Delete removes e. Unless deleteLinks is set an entity that still has links is
// refused, so no link is left pointing at a deleted record.
func (d *Database) Delete(ctx context.Context, e *model.Entity, deleteLinks bool) (*model.Entity, error) {
	if !deleteLinks && e.HasLinks() {
		d.metrics.RecordWriteRejected("dangling_links")
		return nil, errors.DanglingLinks(e.Type, e.ID)
	}
	if err := d.checkWrite(ctx, e); err != nil {
		return nil, err
	}
	d.invalidate(e)
	if deleteLinks && e.HasLinks() {
		if _, err := d.deleteLinks(ctx, e); err != nil {
			return nil, err
		}
	}
	deleted, err := d.driver.Delete(ctx, d.OrganisationID(), e)
	d.invalidate(e)
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteType deletes every entity of entityType in the current organisation.
func (d *Database) DeleteType(ctx context.Context, entityType string) ([]*model.Entity, error) {
	if err := d.checkWrite(ctx, model.NewEntity(entityType, nil)); err != nil {
		return nil, err
	}
	deleted, err := d.driver.DeleteType(ctx, d.OrganisationID(), entityType)
	d.items.ClearAll()
	d.queries.ClearAll()
	return deleted, err
}

// DeleteLinks removes every link of e, on both sides.
func (d *Database) DeleteLinks(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	if err := d.checkWrite(ctx, e); err != nil {
		return nil, err
	}
	return d.deleteLinks(ctx, e)
}

func (d *Database) deleteLinks(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	updated, err := d.driver.DeleteLinks(ctx, d.OrganisationID(), e)
	// Every former target changed; their keys are not worth tracking individually.
	d.items.ClearAll()
	d.queries.ClearAll()
	return updated, err
}

// Link makes targetID the only targetType link of e. An empty targetID clears them.
func (d *Database) Link(ctx context.Context, e *model.Entity, targetType, targetID string) (*model.Entity, error) {
	var ids []string
	if targetID != "" {
		ids = []string{targetID}
	}
	return d.Links(ctx, e, targetType, ids)
}

// Links makes targetIDs exactly the targetType links of e.
func (d *Database) Links(ctx context.Context, e *model.Entity, targetType string, targetIDs []string) (*model.Entity, error) {
	if err := d.checkWrite(ctx, e); err != nil {
		return nil, err
	}
	previous := e.LinkIDs(targetType)
	d.invalidateLinks(e, targetType, previous, targetIDs)
	updated, err := d.driver.Link(ctx, d.OrganisationID(), e, targetType, targetIDs)
	d.invalidateLinks(e, targetType, previous, targetIDs)
	if err != nil {
		d.logger.Debug("Link failed",
			zap.String("type", e.Type),
			zap.String("id", e.ID),
			zap.String("target_type", targetType),
			zap.Error(err))
		return nil, err
	}
	return updated, nil
}

// Unlink removes the link between e and targetType:targetID on both sides.
func (d *Database) Unlink(ctx context.Context, e *model.Entity, targetType, targetID string) (*model.Entity, error) {
	if err := d.checkWrite(ctx, e); err != nil {
		return nil, err
	}
	d.invalidateLinks(e, targetType, []string{targetID})
	updated, err := d.driver.Unlink(ctx, d.OrganisationID(), e, targetType, targetID)
	d.invalidateLinks(e, targetType, []string{targetID})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *Database) invalidateLinks(e *model.Entity, targetType string, targets ...[]string) {
	d.clearKeys(e.Type, e.ID)
	for _, ids := range targets {
		d.clearKeys(targetType, ids...)
	}
	d.queries.ClearAll()
}

// DestroyOrganisation deletes every record of the current organisation.
func (d *Database) DestroyOrganisation(ctx context.Context) error {
	err := d.driver.DestroyOrganisation(ctx, d.OrganisationID())
	d.items.ClearAll()
	d.queries.ClearAll()
	return err
}

func (d *Database) TakeBackup(ctx context.Context) ([]*model.BackupItem, error) {
	return d.driver.TakeBackup(ctx, d.OrganisationID())
}

func (d *Database) RestoreBackup(ctx context.Context, items []*model.BackupItem) error {
	err := d.driver.RestoreBackup(ctx, items)
	d.items.ClearAll()
	d.queries.ClearAll()
	return err
}

func (d *Database) TakeHistoryBackup(ctx context.Context) ([]*model.HistoryBackupItem, error) {
	return d.driver.TakeHistoryBackup(ctx, d.OrganisationID())
}

func (d *Database) RestoreHistoryBackup(ctx context.Context, items []*model.HistoryBackupItem) error {
	err := d.driver.RestoreHistoryBackup(ctx, items)
	d.histories.ClearAll()
	return err
}

// ScanTable visits every record of the write table.
func (d *Database) ScanTable(ctx context.Context, q driver.TableScanQuery, visit driver.ScanVisitor) error {
	err := d.driver.ScanTable(ctx, q, visit)
	d.items.ClearAll()
	d.queries.ClearAll()
	return err
}
