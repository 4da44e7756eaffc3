package database

import (
	"context"

	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/loader"
	"github.com/devrev/pairdb/entitystore/internal/model"
)

// GetAsync loads one entity through the batched item cache. The settled value is
// shared with every other caller of the same key and must not be mutated.
func (d *Database) GetAsync(entityType, id string) *loader.Future[*model.Entity] {
	f := d.items.Load(model.DatabaseKey{OrganisationID: d.OrganisationID(), Type: entityType, ID: id})
	d.schedule(f.IsDone())
	return f
}

// Get returns the entity, or nil when it does not exist.
func (d *Database) Get(ctx context.Context, entityType, id string) (*model.Entity, error) {
	e, err := d.GetAsync(entityType, id).Get(ctx)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// GetMany returns the existing entities among ids, in id order.
func (d *Database) GetMany(ctx context.Context, entityType string, ids []string) ([]*model.Entity, error) {
	org := d.OrganisationID()
	keys := make([]model.DatabaseKey, len(ids))
	for i, id := range ids {
		keys[i] = model.DatabaseKey{OrganisationID: org, Type: entityType, ID: id}
	}
	entities, err := d.fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	return cloneAll(entities), nil
}

// fetch resolves keys through the item cache. Drivers use it to turn index hits
// into entities.
func (d *Database) fetch(ctx context.Context, keys []model.DatabaseKey) ([]*model.Entity, error) {
	return await(ctx, d, d.items.LoadMany(keys))
}

// GetLinks returns the targetType entities linked from e.
func (d *Database) GetLinks(ctx context.Context, e *model.Entity, targetType string) ([]*model.Entity, error) {
	linked, err := d.driver.GetViaLinks(ctx, d.OrganisationID(), e, targetType, d.fetch)
	if err != nil {
		return nil, err
	}
	return cloneAll(linked), nil
}

// GetLink returns the single targetType entity linked from e, nil when there is none.
func (d *Database) GetLink(ctx context.Context, e *model.Entity, targetType string) (*model.Entity, error) {
	linked, err := d.GetLinks(ctx, e, targetType)
	if err != nil {
		return nil, err
	}
	return unique(targetType, linked)
}

func (d *Database) QueryAsync(q model.Query) *loader.Future[[]*model.Entity] {
	f := d.queries.Load(model.DatabaseQueryKey{OrganisationID: d.OrganisationID(), Query: q})
	d.schedule(f.IsDone())
	return f
}

// Query returns the entities selected by q. Results are cached until the next write.
func (d *Database) Query(ctx context.Context, q model.Query) ([]*model.Entity, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	entities, err := d.QueryAsync(q).Get(ctx)
	if err != nil {
		return nil, err
	}
	return cloneAll(entities), nil
}

func (d *Database) QueryHistory(ctx context.Context, q model.QueryHistory) ([]*model.Entity, error) {
	f := d.histories.Load(model.DatabaseQueryHistoryKey{OrganisationID: d.OrganisationID(), QueryHistory: q})
	entities, err := await(ctx, d, f)
	if err != nil {
		return nil, err
	}
	return cloneAll(entities), nil
}

// QueryGlobal finds entities of every organisation by their global secondary value.
func (d *Database) QueryGlobal(ctx context.Context, entityType, value string) ([]*model.Entity, error) {
	return d.driver.QueryGlobal(ctx, entityType, value)
}

func (d *Database) QueryGlobalUnique(ctx context.Context, entityType, value string) (*model.Entity, error) {
	found, err := d.QueryGlobal(ctx, entityType, value)
	if err != nil {
		return nil, err
	}
	return unique(entityType, found)
}

// QuerySecondary finds entities of the current organisation by their secondary value.
func (d *Database) QuerySecondary(ctx context.Context, entityType, value string) ([]*model.Entity, error) {
	found, err := d.driver.QuerySecondary(ctx, entityType, d.OrganisationID(), value, d.fetch)
	if err != nil {
		return nil, err
	}
	return cloneAll(found), nil
}

func (d *Database) QuerySecondaryUnique(ctx context.Context, entityType, value string) (*model.Entity, error) {
	found, err := d.QuerySecondary(ctx, entityType, value)
	if err != nil {
		return nil, err
	}
	return unique(entityType, found)
}

func unique(entityType string, entities []*model.Entity) (*model.Entity, error) {
	switch len(entities) {
	case 0:
		return nil, nil
	case 1:
		return entities[0], nil
	default:
		return nil, errors.MultipleResults(entityType, len(entities))
	}
}
