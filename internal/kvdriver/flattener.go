package kvdriver

import (
	"sort"

	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// rank orders the copies of one logical record: tenant scope beats global, then
// later tables beat earlier ones.
type rank struct {
	tenant bool
	table  int
}

func (r rank) less(o rank) bool {
	if r.tenant != o.tenant {
		return !r.tenant
	}
	return r.table < o.table
}

type flatEntry struct {
	rank  rank
	table string
	rec   *store.Record
}

// flattener merges the records read from every table and scope into one view
// per logical record. The highest-ranked copy keeps its scalar fields and its
// deleted flag, links are unioned across all copies, and a links-only winner
// inherits the payload of the best copy below it.
type flattener struct {
	tables  map[string]int
	org     string
	byOrg   bool
	entries map[string]*flatEntry
}

// newFlattener creates a flattener for reads on behalf of org. When byOrg is set
// records of different organisations are kept apart and none counts as tenant.
func newFlattener(tables []string, org string, byOrg bool) *flattener {
	idx := make(map[string]int, len(tables))
	for i, t := range tables {
		idx[t] = i
	}
	return &flattener{tables: idx, org: org, byOrg: byOrg, entries: make(map[string]*flatEntry)}
}

func flatKey(org, entityType, id string) string {
	return org + "\x00" + entityType + "\x00" + id
}

func (f *flattener) add(table string, recs []*store.Record) {
	for _, rec := range recs {
		f.addOne(table, rec)
	}
}

func (f *flattener) addOne(table string, rec *store.Record) {
	org, entityType, id := identify(rec)
	keyOrg := ""
	if f.byOrg {
		keyOrg = org
	}
	key := flatKey(keyOrg, entityType, id)
	incoming := &flatEntry{
		rank:  rank{tenant: !f.byOrg && org == f.org && org != model.GlobalOrganisation, table: f.tables[table]},
		table: table,
		rec:   rec.Clone(),
	}
	existing, ok := f.entries[key]
	if !ok {
		f.entries[key] = incoming
		return
	}
	winner, loser := existing, incoming
	if existing.rank.less(incoming.rank) {
		winner, loser = incoming, existing
	}
	merged := *winner
	merged.rec = winner.rec.Clone()
	if winner.rec.Links != nil || loser.rec.Links != nil {
		merged.rec.Links = map[string][]string(model.Links(winner.rec.Links).Union(model.Links(loser.rec.Links)))
	}
	if merged.rec.Item == nil && loser.rec.Item != nil && !loser.rec.Deleted {
		item := *loser.rec.Item
		merged.rec.Item = &item
		if merged.rec.SecondaryGlobal == "" {
			merged.rec.SecondaryGlobal = loser.rec.SecondaryGlobal
		}
		if merged.rec.SecondaryOrganisation == "" {
			merged.rec.SecondaryOrganisation = loser.rec.SecondaryOrganisation
		}
	}
	f.entries[key] = &merged
}

func (f *flattener) entity(e *flatEntry) *model.Entity {
	if e == nil || e.rec.Deleted || e.rec.Item == nil {
		return nil
	}
	return toEntity(e.table, e.rec)
}

// get returns the merged live entity, nil when absent or tombstoned.
func (f *flattener) get(org, entityType, id string) *model.Entity {
	keyOrg := ""
	if f.byOrg {
		keyOrg = org
	}
	return f.entity(f.entries[flatKey(keyOrg, entityType, id)])
}

// results returns every live merged entity ordered by less.
func (f *flattener) results(less func(a, b *model.Entity) bool) []*model.Entity {
	out := make([]*model.Entity, 0, len(f.entries))
	for _, e := range f.entries {
		if ent := f.entity(e); ent != nil {
			out = append(out, ent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
