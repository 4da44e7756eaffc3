package kvdriver

import (
	"strings"
	"time"

	"github.com/devrev/pairdb/entitystore/internal/hash"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// storageKey maps a logical identity onto the physical key. Hashed types live in
// the partition org:type:hashID with the extractor's sort key.
func (d *Driver) storageKey(org, entityType, id string) store.Key {
	if ext, ok := d.registry.Extractor(entityType); ok {
		return store.Key{
			OrganisationID: hashedPartition(org, entityType, ext.HashID(id)),
			ID:             ext.SortID(id),
		}
	}
	return store.Key{OrganisationID: org, ID: entityType + ":" + id}
}

func hashedPartition(org, entityType, hashID string) string {
	return org + ":" + entityType + ":" + hashID
}

// splitHashedPartition reverses hashedPartition. Organisation ids never contain ':'.
func splitHashedPartition(partition string) (org, entityType string) {
	parts := strings.SplitN(partition, ":", 3)
	if len(parts) < 2 {
		return partition, ""
	}
	return parts[0], parts[1]
}

// identify recovers the organisation, type and logical id of a stored record.
func identify(rec *store.Record) (org, entityType, id string) {
	if rec.Hashed {
		org, entityType = splitHashedPartition(rec.OrganisationID)
	} else {
		org = rec.OrganisationID
		entityType, id, _ = strings.Cut(rec.ID, ":")
	}
	if rec.Item != nil && rec.Item.ID != "" {
		id = rec.Item.ID
	}
	return org, entityType, id
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// toRecord renders an entity as the record stored at revision.
func (d *Driver) toRecord(org string, e *model.Entity, revision int64) *store.Record {
	key := d.storageKey(org, e.Type, e.ID)
	links := map[string][]string(e.Links.Clone())
	if links == nil {
		links = map[string][]string{}
	}
	rec := &store.Record{
		OrganisationID: key.OrganisationID,
		ID:             key.ID,
		Revision:       revision,
		Item: &store.Payload{
			ID:        e.ID,
			CreatedAt: millis(e.CreatedAt),
			UpdatedAt: millis(e.UpdatedAt),
			Data:      e.Data,
		},
		Links:        links,
		History:      e.History,
		Hashed:       d.registry.Hashed(e.Type),
		ParallelHash: hash.ParallelHash(e.ID),
	}
	if e.SecondaryGlobal != "" {
		rec.SecondaryGlobal = e.Type + ":" + e.SecondaryGlobal
	}
	if e.SecondaryOrganisation != "" {
		rec.SecondaryOrganisation = e.Type + ":" + e.SecondaryOrganisation
	}
	return rec
}

// toEntity converts a stored (possibly merged) record read from table.
func toEntity(table string, rec *store.Record) *model.Entity {
	org, entityType, id := identify(rec)
	e := &model.Entity{
		Type:                  entityType,
		ID:                    id,
		Revision:              rec.Revision,
		Links:                 model.Links(rec.Links).Clone(),
		History:               rec.History,
		Deleted:               rec.Deleted,
		SecondaryGlobal:       strings.TrimPrefix(rec.SecondaryGlobal, entityType+":"),
		SecondaryOrganisation: strings.TrimPrefix(rec.SecondaryOrganisation, entityType+":"),
	}
	if e.Links == nil {
		e.Links = model.Links{}
	}
	if rec.Item != nil {
		e.CreatedAt = fromMillis(rec.Item.CreatedAt)
		e.UpdatedAt = fromMillis(rec.Item.UpdatedAt)
		e.Data = rec.Item.Data
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.SetSource(table, org)
	return e
}

func toBackupItem(table string, rec *store.Record) *model.BackupItem {
	item := &model.BackupItem{
		Table:                 table,
		OrganisationID:        rec.OrganisationID,
		ID:                    rec.ID,
		Revision:              rec.Revision,
		Links:                 rec.Links,
		Deleted:               rec.Deleted,
		History:               rec.History,
		Hashed:                rec.Hashed,
		ParallelHash:          rec.ParallelHash,
		SecondaryGlobal:       rec.SecondaryGlobal,
		SecondaryOrganisation: rec.SecondaryOrganisation,
	}
	if rec.Item != nil {
		item.Item = &model.BackupPayload{
			ID:        rec.Item.ID,
			CreatedAt: rec.Item.CreatedAt,
			UpdatedAt: rec.Item.UpdatedAt,
			Data:      rec.Item.Data,
		}
	}
	return item
}

func fromBackupItem(item *model.BackupItem) *store.Record {
	rec := &store.Record{
		OrganisationID:        item.OrganisationID,
		ID:                    item.ID,
		Revision:              item.Revision,
		Links:                 item.Links,
		Deleted:               item.Deleted,
		History:               item.History,
		Hashed:                item.Hashed,
		ParallelHash:          item.ParallelHash,
		SecondaryGlobal:       item.SecondaryGlobal,
		SecondaryOrganisation: item.SecondaryOrganisation,
	}
	if item.Item != nil {
		rec.Item = &store.Payload{
			ID:        item.Item.ID,
			CreatedAt: item.Item.CreatedAt,
			UpdatedAt: item.Item.UpdatedAt,
			Data:      item.Item.Data,
		}
	}
	return rec
}
