package kvdriver

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/hash"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// organisationRecords reads every record of org in table: the organisation
// partition itself and every hashed partition owned by it.
func (d *Driver) organisationRecords(ctx context.Context, table, org string) ([]*store.Record, error) {
	base, err := d.queryAll(ctx, store.QueryInput{Table: table, Partition: org, Limit: d.cfg.QueryPageSize, ConsistentRead: true}, 0, nil)
	if err != nil {
		return nil, err
	}

	partitions := make(map[string]struct{})
	for _, rec := range base {
		_, entityType, id := identify(rec)
		qb, ok := d.registry.QueryBuilder(entityType)
		if !ok {
			continue
		}
		for _, hq := range qb.ExtractHashQueries(id) {
			partitions[hashedPartition(org, hq.Type, hq.HashID)] = struct{}{}
		}
	}
	for _, entityType := range d.registry.Types() {
		ext, ok := d.registry.Extractor(entityType)
		if !ok {
			continue
		}
		if exp, ok := ext.(hash.Expander); ok {
			for _, p := range exp.Expand("") {
				partitions[hashedPartition(org, entityType, p.HashID)] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(partitions))
	for p := range partitions {
		names = append(names, p)
	}
	sort.Strings(names)
	out := base
	for _, p := range names {
		recs, err := d.queryAll(ctx, store.QueryInput{Table: table, Partition: p, Limit: d.cfg.QueryPageSize, ConsistentRead: true}, 0, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// TakeBackup captures the raw records of org from every table.
func (d *Driver) TakeBackup(ctx context.Context, org string) ([]*model.BackupItem, error) {
	var items []*model.BackupItem
	for _, table := range d.cfg.Tables {
		recs, err := d.organisationRecords(ctx, table, org)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			items = append(items, toBackupItem(table, rec))
		}
	}
	d.logger.Info("Backup taken",
		zap.String("organisation_id", org),
		zap.Int("items", len(items)))
	return items, nil
}

// RestoreBackup writes items back verbatim, grouped by table.
func (d *Driver) RestoreBackup(ctx context.Context, items []*model.BackupItem) error {
	byTable := make(map[string][]store.WriteRequest)
	var order []string
	for _, item := range items {
		table := item.Table
		if table == "" {
			table = d.entityTable
		}
		if _, ok := byTable[table]; !ok {
			order = append(order, table)
		}
		byTable[table] = append(byTable[table], store.WriteRequest{Put: fromBackupItem(item)})
	}
	for _, table := range order {
		if err := d.writeChunked(ctx, table, byTable[table]); err != nil {
			return err
		}
	}
	d.logger.Info("Backup restored", zap.Int("items", len(items)))
	return nil
}

// TakeHistoryBackup captures the history of every history-keeping type of org.
func (d *Driver) TakeHistoryBackup(ctx context.Context, org string) ([]*model.HistoryBackupItem, error) {
	if d.cfg.HistoryTable == "" {
		return nil, nil
	}
	var items []*model.HistoryBackupItem
	for _, entityType := range d.registry.HistoryTypes() {
		recs, err := d.historyAll(ctx, store.HistoryQueryInput{
			Table:     d.cfg.HistoryTable,
			Partition: store.HistoryPartition(org, entityType),
			Limit:     d.cfg.QueryPageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			item := &model.HistoryBackupItem{
				Table:              d.cfg.HistoryTable,
				OrganisationIDType: rec.OrganisationIDType,
				IDRevision:         rec.IDRevision,
				ID:                 rec.ID,
				Revision:           rec.Revision,
				UpdatedAt:          rec.UpdatedAt,
			}
			if rec.Item != nil {
				item.Item = &model.BackupPayload{
					ID:        rec.Item.ID,
					CreatedAt: rec.Item.CreatedAt,
					UpdatedAt: rec.Item.UpdatedAt,
					Data:      rec.Item.Data,
				}
			}
			items = append(items, item)
		}
	}
	return items, nil
}

// RestoreHistoryBackup writes history items back, rebuilding their index keys.
func (d *Driver) RestoreHistoryBackup(ctx context.Context, items []*model.HistoryBackupItem) error {
	byTable := make(map[string][]*store.HistoryRecord)
	var order []string
	for _, item := range items {
		table := item.Table
		if table == "" {
			table = d.cfg.HistoryTable
		}
		if _, ok := byTable[table]; !ok {
			order = append(order, table)
		}
		org, entityType, _ := strings.Cut(item.OrganisationIDType, ":")
		var payload *store.Payload
		if item.Item != nil {
			payload = &store.Payload{
				ID:        item.Item.ID,
				CreatedAt: item.Item.CreatedAt,
				UpdatedAt: item.Item.UpdatedAt,
				Data:      item.Item.Data,
			}
		}
		byTable[table] = append(byTable[table], store.NewHistoryRecord(org, entityType, item.ID, item.Revision, item.UpdatedAt, payload))
	}
	for _, table := range order {
		recs := byTable[table]
		for start := 0; start < len(recs); start += d.cfg.BatchWriteSize {
			if err := d.batchWriteHistory(ctx, table, recs[start:min(start+d.cfg.BatchWriteSize, len(recs))]); err != nil {
				return err
			}
		}
	}
	return nil
}

// DestroyOrganisation deletes every record of org from the write table.
func (d *Driver) DestroyOrganisation(ctx context.Context, org string) error {
	recs, err := d.organisationRecords(ctx, d.entityTable, org)
	if err != nil {
		return err
	}
	requests := make([]store.WriteRequest, len(recs))
	for i, rec := range recs {
		key := rec.Key()
		requests[i] = store.WriteRequest{Delete: &key}
	}
	if err := d.writeChunked(ctx, d.entityTable, requests); err != nil {
		return err
	}
	d.logger.Info("Organisation destroyed",
		zap.String("organisation_id", org),
		zap.String("table", d.entityTable),
		zap.Int("records", len(recs)))
	return nil
}
