package kvdriver

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/hash"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// queryPlan is one partition read of a fan-out query.
type queryPlan struct {
	table string
	input store.QueryInput
	// clientAfter is applied when the cursor cannot be expressed as an exclusive start.
	clientAfter bool
}

// partitionRead is a physical partition and sort prefix of a logical prefix query.
type partitionRead struct {
	partition  string
	sortPrefix string
}

// partitions resolves the physical partitions a prefix query over entityType in
// org must read.
func (d *Driver) partitions(org, entityType, startsWith string) ([]partitionRead, error) {
	ext, hashed := d.registry.Extractor(entityType)
	if !hashed {
		return []partitionRead{{partition: org, sortPrefix: entityType + ":" + startsWith}}, nil
	}
	if exp, ok := ext.(hash.Expander); ok {
		parts := exp.Expand(startsWith)
		out := make([]partitionRead, len(parts))
		for i, p := range parts {
			out[i] = partitionRead{partition: hashedPartition(org, entityType, p.HashID), sortPrefix: p.SortPrefix}
		}
		return out, nil
	}
	if startsWith == "" {
		return nil, errors.InvalidArgument("query on hashed type "+entityType+" needs a startsWith to derive its partition", nil)
	}
	return []partitionRead{{
		partition:  hashedPartition(org, entityType, ext.HashID(startsWith)),
		sortPrefix: ext.SortID(startsWith),
	}}, nil
}

func (d *Driver) queryPlans(key model.DatabaseQueryKey) ([]queryPlan, error) {
	q := key.Query
	var plans []queryPlan
	for _, org := range d.scopes(key.OrganisationID) {
		reads, err := d.partitions(org, q.Type, q.StartsWith)
		if err != nil {
			return nil, err
		}
		var afterKey store.Key
		if q.After != "" {
			afterKey = d.storageKey(org, q.Type, q.After)
		}
		for _, table := range d.cfg.Tables {
			for _, r := range reads {
				in := store.QueryInput{
					Table:          table,
					Partition:      r.partition,
					SortPrefix:     r.sortPrefix,
					Limit:          d.pageSize(q.Limit),
					ConsistentRead: true,
				}
				if q.Parallel() {
					in.Index = store.IndexParallelHash
					in.SortPrefix = hash.ShardPrefix(q.ThreadIndex, q.ThreadCount)
					in.FilterIDPrefix = r.sortPrefix
					in.ConsistentRead = false
				}
				plan := queryPlan{table: table, input: in}
				if q.After != "" {
					if afterKey.OrganisationID == r.partition {
						cursor := &store.Cursor{Key: afterKey, IndexSort: afterKey.ID}
						if q.Parallel() {
							cursor.IndexSort = hash.ParallelHash(q.After)
						}
						plan.input.ExclusiveStart = cursor
					} else {
						plan.clientAfter = true
					}
				}
				plans = append(plans, plan)
			}
		}
	}
	return plans, nil
}

func (d *Driver) pageSize(limit int) int {
	if limit > 0 {
		return limit
	}
	return d.cfg.QueryPageSize
}

// queryOrder is the result order of a query: parallel queries follow the
// parallel hash, everything else the logical id.
func queryOrder(parallel bool) func(a, b string) bool {
	if !parallel {
		return func(a, b string) bool { return a < b }
	}
	return func(a, b string) bool {
		ha, hb := hash.ParallelHash(a), hash.ParallelHash(b)
		if ha != hb {
			return ha < hb
		}
		return a < b
	}
}

// Query runs every partition read of the query concurrently, paging each one
// until it has yielded limit records, then flattens, orders and truncates.
func (d *Driver) Query(ctx context.Context, key model.DatabaseQueryKey) ([]*model.Entity, error) {
	q := key.Query
	if err := q.Validate(); err != nil {
		return nil, err
	}
	plans, err := d.queryPlans(key)
	if err != nil {
		return nil, err
	}
	less := queryOrder(q.Parallel())

	results := make([][]*store.Record, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			recs, err := d.queryAll(gctx, plan.input, q.Limit, func(rec *store.Record) bool {
				if !plan.clientAfter {
					return true
				}
				_, _, id := identify(rec)
				return less(q.After, id)
			})
			results[i] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	f := newFlattener(d.cfg.Tables, key.OrganisationID, false)
	for i, plan := range plans {
		f.add(plan.table, results[i])
	}
	out := f.results(func(a, b *model.Entity) bool { return less(a.ID, b.ID) })
	if q.After != "" {
		kept := out[:0]
		for _, e := range out {
			if less(q.After, e.ID) {
				kept = append(kept, e)
			}
		}
		out = kept
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// queryAll pages through one partition read. With a positive limit it stops once
// limit records were accepted by keep.
func (d *Driver) queryAll(ctx context.Context, in store.QueryInput, limit int, keep func(*store.Record) bool) ([]*store.Record, error) {
	var out []*store.Record
	for {
		res, err := d.store.Query(ctx, in)
		d.metrics.RecordStoreRequest("query", err)
		if err != nil {
			return nil, errors.BackendUnavailable("query failed", err)
		}
		for _, rec := range res.Records {
			if keep == nil || keep(rec) {
				out = append(out, rec)
			}
		}
		if res.LastEvaluated == nil || (limit > 0 && len(out) >= limit) {
			return out, nil
		}
		in.ExclusiveStart = res.LastEvaluated
	}
}

// QueryGlobal finds every entity of entityType, across organisations, whose
// global secondary value is value.
func (d *Driver) QueryGlobal(ctx context.Context, entityType, value string) ([]*model.Entity, error) {
	results := make([][]*store.Record, len(d.cfg.Tables))
	g, gctx := errgroup.WithContext(ctx)
	for i, table := range d.cfg.Tables {
		i, table := i, table
		g.Go(func() error {
			recs, err := d.queryAll(gctx, store.QueryInput{
				Table:     table,
				Index:     store.IndexSecondaryGlobal,
				Partition: entityType + ":" + value,
				Limit:     d.cfg.QueryPageSize,
			}, 0, nil)
			results[i] = recs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	f := newFlattener(d.cfg.Tables, "", true)
	for i, table := range d.cfg.Tables {
		f.add(table, results[i])
	}
	return f.results(func(a, b *model.Entity) bool {
		if a.SourceOrganisationID != b.SourceOrganisationID {
			return a.SourceOrganisationID < b.SourceOrganisationID
		}
		return a.ID < b.ID
	}), nil
}

// QuerySecondary finds the ids of entityType in org whose organisation-scoped
// secondary value is value and resolves them through fetch.
func (d *Driver) QuerySecondary(ctx context.Context, entityType, org, value string, fetch driver.Fetcher) ([]*model.Entity, error) {
	if d.registry.Hashed(entityType) {
		return nil, errors.Unsupported("query secondary", entityType)
	}
	want := entityType + ":" + value
	seen := make(map[string]struct{})
	var keys []model.DatabaseKey
	for _, scope := range d.scopes(org) {
		for _, table := range d.cfg.Tables {
			recs, err := d.queryAll(ctx, store.QueryInput{
				Table:      table,
				Index:      store.IndexSecondaryOrganisation,
				Partition:  scope,
				SortPrefix: want,
				Limit:      d.cfg.QueryPageSize,
			}, 0, func(rec *store.Record) bool { return rec.SecondaryOrganisation == want })
			if err != nil {
				return nil, err
			}
			for _, rec := range recs {
				_, _, id := identify(rec)
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				keys = append(keys, model.DatabaseKey{OrganisationID: org, Type: entityType, ID: id})
			}
		}
	}
	entities, err := fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	return matching(entities, func(e *model.Entity) bool { return e.SecondaryOrganisation == value }), nil
}

// GetViaLinks resolves the targetType ids linked from e.
func (d *Driver) GetViaLinks(ctx context.Context, org string, e *model.Entity, targetType string, fetch driver.Fetcher) ([]*model.Entity, error) {
	if d.registry.Hashed(e.Type) {
		return nil, errors.Unsupported("get via links", e.Type)
	}
	if d.registry.Hashed(targetType) {
		return nil, errors.Unsupported("get via links", targetType)
	}
	ids := e.LinkIDs(targetType)
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]model.DatabaseKey, len(ids))
	for i, id := range ids {
		keys[i] = model.DatabaseKey{OrganisationID: org, Type: targetType, ID: id}
	}
	entities, err := fetch(ctx, keys)
	if err != nil {
		return nil, err
	}
	return matching(entities, nil), nil
}

// matching drops nil entries and those rejected by keep.
func matching(entities []*model.Entity, keep func(*model.Entity) bool) []*model.Entity {
	out := make([]*model.Entity, 0, len(entities))
	for _, e := range entities {
		if e != nil && (keep == nil || keep(e)) {
			out = append(out, e)
		}
	}
	return out
}

