package kvdriver

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// Get reads every key from every table in the tenant and global scopes and
// flattens the copies.
func (d *Driver) Get(ctx context.Context, keys []model.DatabaseKey) ([]*model.Entity, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	seen := make(map[store.Key]struct{})
	var physical []store.Key
	for _, k := range keys {
		for _, org := range d.scopes(k.OrganisationID) {
			sk := d.storageKey(org, k.Type, k.ID)
			if _, ok := seen[sk]; ok {
				continue
			}
			seen[sk] = struct{}{}
			physical = append(physical, sk)
		}
	}

	chunk := max(d.cfg.BatchGetSize/len(d.cfg.Tables), 1)
	results := make([]map[string][]*store.Record, (len(physical)+chunk-1)/chunk)
	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		i := i
		part := physical[i*chunk : min((i+1)*chunk, len(physical))]
		g.Go(func() error {
			req := make(map[string][]store.Key, len(d.cfg.Tables))
			for _, table := range d.cfg.Tables {
				req[table] = part
			}
			res, err := d.batchGet(gctx, req)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Each requested key flattens on its own so org-scoped ranking uses its organisation.
	flat := make(map[string]*flattener)
	for _, k := range keys {
		if _, ok := flat[k.OrganisationID]; !ok {
			flat[k.OrganisationID] = newFlattener(d.cfg.Tables, k.OrganisationID, false)
		}
	}
	for _, res := range results {
		for table, recs := range res {
			for _, rec := range recs {
				org, _, _ := identify(rec)
				for flatOrg, f := range flat {
					if org == flatOrg || org == model.GlobalOrganisation {
						f.addOne(table, rec)
					}
				}
			}
		}
	}
	out := make([]*model.Entity, len(keys))
	for i, k := range keys {
		out[i] = flat[k.OrganisationID].get("", k.Type, k.ID)
	}
	return out, nil
}

// BulkPut writes conditional values one at a time and batches the rest by
// partition. A failed batch fails its own values and every later batch.
func (d *Driver) BulkPut(ctx context.Context, values []*driver.PutValue) {
	var conditional []*driver.PutValue
	partitions := make(map[string][]*driver.PutValue)
	var order []string
	for _, v := range values {
		if v.Check {
			conditional = append(conditional, v)
			continue
		}
		p := d.storageKey(v.OrganisationID, v.Entity.Type, v.Entity.ID).OrganisationID
		if _, ok := partitions[p]; !ok {
			order = append(order, p)
		}
		partitions[p] = append(partitions[p], v)
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.BatchWriteSize)
	for _, v := range conditional {
		v := v
		g.Go(func() error {
			d.putConditional(ctx, v)
			return nil
		})
	}

	var batched []*driver.PutValue
	for _, p := range order {
		batched = append(batched, partitions[p]...)
	}
	d.putBatched(ctx, batched)
	_ = g.Wait()
}

type preparedPut struct {
	value    *driver.PutValue
	record   *store.Record
	revision int64
}

// prepare assigns id and timestamps and renders the record at the next revision.
func (d *Driver) prepare(v *driver.PutValue) preparedPut {
	e := v.Entity
	if e.ID == "" {
		e.ID = d.newID()
	}
	now := d.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	revision := e.Revision + 1
	return preparedPut{value: v, record: d.toRecord(v.OrganisationID, e, revision), revision: revision}
}

func (d *Driver) settled(p preparedPut) {
	p.value.Entity.Revision = p.revision
	p.value.Entity.SetSource(d.entityTable, p.value.OrganisationID)
	p.value.Resolve()
}

// revisionGuard is the condition that pins a write to the revision the entity was
// read at. It is empty when the entity was not read from the write table and org.
func (d *Driver) revisionGuard(org string, e *model.Entity) []store.Condition {
	if e.SourceTable == d.entityTable && e.SourceOrganisationID == org && e.Revision != 0 {
		return []store.Condition{store.RevisionIs(e.Revision)}
	}
	return nil
}

func (d *Driver) putConditional(ctx context.Context, v *driver.PutValue) {
	e := v.Entity
	readRevision := e.Revision
	cond := d.revisionGuard(v.OrganisationID, e)
	if cond == nil {
		cond = []store.Condition{store.NotExists(store.AttrRevision)}
	}
	p := d.prepare(v)
	err := d.store.Put(ctx, d.entityTable, p.record, cond...)
	d.metrics.RecordStoreRequest("put", err)
	switch {
	case stderrors.Is(err, store.ErrConditionFailed):
		d.metrics.RecordRevisionConflict("put")
		v.Fail(errors.RevisionMismatch(e.Type, e.ID, readRevision, err))
	case err != nil:
		v.Fail(errors.BackendUnavailable("put failed", err))
	default:
		d.settled(p)
	}
}

func (d *Driver) putBatched(ctx context.Context, values []*driver.PutValue) {
	prepared := make([]preparedPut, len(values))
	for i, v := range values {
		prepared[i] = d.prepare(v)
	}
	for start := 0; start < len(prepared); start += d.cfg.BatchWriteSize {
		chunk := prepared[start:min(start+d.cfg.BatchWriteSize, len(prepared))]
		requests := make([]store.WriteRequest, len(chunk))
		for i, p := range chunk {
			requests[i] = store.WriteRequest{Put: p.record}
		}
		if err := d.batchWrite(ctx, map[string][]store.WriteRequest{d.entityTable: requests}); err != nil {
			d.logger.Warn("Batch put failed",
				zap.Int("failed", len(prepared)-start),
				zap.Error(err))
			for _, p := range prepared[start:] {
				p.value.Fail(err)
			}
			return
		}
		for _, p := range chunk {
			d.settled(p)
		}
	}
}

// Delete removes an entity. A record read from the write table is removed under
// its revision guard; with lower tables present it is replaced by a tombstone so
// older copies stay shadowed. Entities read on behalf of another organisation are
// left alone.
func (d *Driver) Delete(ctx context.Context, org string, e *model.Entity) (*model.Entity, error) {
	if e.SourceOrganisationID != "" && e.SourceOrganisationID != org {
		return e, nil
	}
	key := d.storageKey(org, e.Type, e.ID)
	tombstone := &store.Record{
		OrganisationID: key.OrganisationID,
		ID:             key.ID,
		Deleted:        true,
		Hashed:         d.registry.Hashed(e.Type),
	}

	var cond []store.Condition
	if e.SourceTable == "" || e.SourceTable == d.entityTable {
		cond = []store.Condition{store.NotExists(store.AttrRevision)}
		if e.Revision != 0 {
			cond = []store.Condition{store.RevisionIs(e.Revision)}
		}
	}

	// Records read from the write table are removed outright, which may reveal a
	// lower table's copy. Lower-table records need a tombstone to be hidden.
	var err error
	if cond != nil {
		err = d.store.Delete(ctx, d.entityTable, key, cond...)
		d.metrics.RecordStoreRequest("delete", err)
	} else {
		err = d.store.Put(ctx, d.entityTable, tombstone)
		d.metrics.RecordStoreRequest("put", err)
	}
	if stderrors.Is(err, store.ErrConditionFailed) {
		d.metrics.RecordRevisionConflict("delete")
		return nil, errors.RevisionMismatch(e.Type, e.ID, e.Revision, err)
	}
	if err != nil {
		return nil, errors.BackendUnavailable("delete failed", err)
	}
	e.Deleted = true
	return e, nil
}

// DeleteType deletes every entity of entityType visible to org.
func (d *Driver) DeleteType(ctx context.Context, org, entityType string) ([]*model.Entity, error) {
	if d.registry.Hashed(entityType) {
		return nil, errors.Unsupported("delete type", entityType)
	}
	entities, err := d.Query(ctx, model.DatabaseQueryKey{
		OrganisationID: org,
		Query:          model.Query{Type: entityType},
	})
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.BatchWriteSize)
	for _, e := range entities {
		e := e
		g.Go(func() error {
			_, err := d.Delete(gctx, org, e)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	d.logger.Info("Deleted entity type",
		zap.String("organisation_id", org),
		zap.String("type", entityType),
		zap.Int("count", len(entities)))
	return entities, nil
}
