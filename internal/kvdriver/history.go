package kvdriver

import (
	"context"
	"math"

	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// historyInput maps a history query onto the index that serves it.
func (d *Driver) historyInput(key model.DatabaseQueryHistoryKey) store.HistoryQueryInput {
	q := key.QueryHistory
	in := store.HistoryQueryInput{
		Table:     d.cfg.HistoryTable,
		Partition: store.HistoryPartition(key.OrganisationID, q.Type),
		Limit:     d.cfg.QueryPageSize,
	}
	from, to := int64(0), int64(math.MaxInt64)
	if q.ID != "" {
		switch {
		case q.HasUpdatedAtRange():
			in.Index = store.HistoryIndexIDDate
			if !q.FromUpdatedAt.IsZero() {
				from = q.FromUpdatedAt.UnixMilli()
			}
			if !q.ToUpdatedAt.IsZero() {
				to = q.ToUpdatedAt.UnixMilli()
			}
		default:
			in.Index = store.HistoryIndexRevision
			if q.FromRevision > 0 {
				from = q.FromRevision
			}
			if q.ToRevision > 0 {
				to = q.ToRevision
			}
		}
		in.SortFrom = store.HistorySortKey(q.ID, from)
		in.SortTo = store.HistorySortKey(q.ID, to)
		return in
	}

	in.Index = store.HistoryIndexUpdatedAt
	if !q.FromUpdatedAt.IsZero() {
		from = q.FromUpdatedAt.UnixMilli()
	}
	if !q.ToUpdatedAt.IsZero() {
		to = q.ToUpdatedAt.UnixMilli()
	}
	in.SortFrom = store.HistoryTimeKey(from, "")
	// ';' sorts after the ':' separator, so every id at the upper timestamp is included.
	in.SortTo = store.HistoryTimeKey(to, "")[:19] + ";"
	in.FilterIDPrefix = q.StartsWith
	in.FilterUpdatedFrom = from
	if to != math.MaxInt64 {
		in.FilterUpdatedTo = to
	}
	return in
}

// QueryHistory returns the recorded revisions selected by the query, in index order.
func (d *Driver) QueryHistory(ctx context.Context, key model.DatabaseQueryHistoryKey) ([]*model.Entity, error) {
	q := key.QueryHistory
	if d.cfg.HistoryTable == "" {
		return nil, errors.InvalidArgument("no history table configured", nil)
	}
	if !d.registry.HasHistory(q.Type) {
		return nil, errors.InvalidArgument("type "+q.Type+" does not keep history", nil)
	}
	records, err := d.historyAll(ctx, d.historyInput(key))
	if err != nil {
		return nil, err
	}
	out := make([]*model.Entity, 0, len(records))
	for _, rec := range records {
		e := &model.Entity{
			Type:      q.Type,
			ID:        rec.ID,
			Revision:  rec.Revision,
			UpdatedAt: fromMillis(rec.UpdatedAt),
			Links:     model.Links{},
			History:   true,
		}
		if rec.Item != nil {
			e.CreatedAt = fromMillis(rec.Item.CreatedAt)
			e.Data = rec.Item.Data
		}
		if e.Data == nil {
			e.Data = map[string]any{}
		}
		e.SetSource(d.cfg.HistoryTable, key.OrganisationID)
		out = append(out, e)
	}
	return out, nil
}

func (d *Driver) historyAll(ctx context.Context, in store.HistoryQueryInput) ([]*store.HistoryRecord, error) {
	var out []*store.HistoryRecord
	for {
		res, err := d.store.QueryHistory(ctx, in)
		d.metrics.RecordStoreRequest("query_history", err)
		if err != nil {
			return nil, errors.BackendUnavailable("history query failed", err)
		}
		out = append(out, res.Records...)
		if res.LastEvaluated == nil {
			return out, nil
		}
		in.ExclusiveStart = res.LastEvaluated
	}
}
