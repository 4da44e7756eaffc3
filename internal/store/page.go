package store

import (
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultPageSize is used when a query or scan does not set a limit.
const DefaultPageSize = 100

// IndexKey returns the partition and sort values of rec in index. ok is false when
// the record does not carry the index attributes.
func IndexKey(rec *Record, index Index) (partition, sortValue string, ok bool) {
	switch index {
	case IndexPrimary:
		return rec.OrganisationID, rec.ID, true
	case IndexSecondaryGlobal:
		return rec.SecondaryGlobal, "", rec.SecondaryGlobal != ""
	case IndexSecondaryOrganisation:
		return rec.OrganisationID, rec.SecondaryOrganisation, rec.SecondaryOrganisation != ""
	case IndexParallelHash:
		return rec.OrganisationID, rec.ParallelHash, rec.ParallelHash != ""
	default:
		return "", "", false
	}
}

func cursorLess(a, b Cursor) bool {
	if a.IndexSort != b.IndexSort {
		return a.IndexSort < b.IndexSort
	}
	if a.OrganisationID != b.OrganisationID {
		return a.OrganisationID < b.OrganisationID
	}
	return a.ID < b.ID
}

// SelectPage applies in to candidate records: key condition, filter, index order,
// exclusive start and page limit. Backends without native secondary indexes use it.
func SelectPage(candidates []*Record, in QueryInput) *QueryOutput {
	type entry struct {
		cursor Cursor
		rec    *Record
	}
	var matched []entry
	for _, rec := range candidates {
		partition, sortValue, ok := IndexKey(rec, in.Index)
		if !ok || partition != in.Partition {
			continue
		}
		if !strings.HasPrefix(sortValue, in.SortPrefix) {
			continue
		}
		matched = append(matched, entry{cursor: Cursor{Key: rec.Key(), IndexSort: sortValue}, rec: rec})
	}
	sort.Slice(matched, func(i, j int) bool { return cursorLess(matched[i].cursor, matched[j].cursor) })

	limit := in.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	start := in.ExclusiveStart
	if start != nil && in.Index == IndexPrimary && start.IndexSort == "" {
		// The primary index sorts on the record id itself.
		start = &Cursor{Key: start.Key, IndexSort: start.ID}
	}
	out := &QueryOutput{}
	evaluated := 0
	for i, m := range matched {
		if start != nil && !cursorLess(*start, m.cursor) {
			continue
		}
		evaluated++
		if in.FilterIDPrefix == "" || strings.HasPrefix(m.rec.ID, in.FilterIDPrefix) {
			out.Records = append(out.Records, m.rec.Clone())
		}
		if evaluated == limit {
			if i < len(matched)-1 {
				last := m.cursor
				out.LastEvaluated = &last
			}
			break
		}
	}
	return out
}

// Segment assigns a partition to one of total scan segments.
func Segment(partition string, total int) int {
	if total <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(partition) % uint64(total))
}
