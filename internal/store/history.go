package store

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// History index names.
const (
	HistoryIndexRevision  Index = ""
	HistoryIndexIDDate    Index = "idDate"
	HistoryIndexUpdatedAt Index = "updatedAt"
)

// HistoryRecord is one entry of the append-only history table, partitioned by
// organisation and type.
type HistoryRecord struct {
	OrganisationIDType string   `msgpack:"organisationIdType"`
	IDRevision         string   `msgpack:"idRevision"`
	IDDate             string   `msgpack:"idDate"`
	UpdatedAtID        string   `msgpack:"updatedAtId"`
	ID                 string   `msgpack:"id"`
	Revision           int64    `msgpack:"revision"`
	UpdatedAt          int64    `msgpack:"updatedAt"`
	Item               *Payload `msgpack:"item,omitempty"`
}

// HistoryPartition is the partition value for a type within an organisation.
func HistoryPartition(org, entityType string) string {
	return org + ":" + entityType
}

// HistorySortKey joins an id with a fixed-width number so lexical order is numeric order.
func HistorySortKey(id string, n int64) string {
	return fmt.Sprintf("%s:%019d", id, n)
}

// HistoryTimeKey leads with the timestamp so a type can be read in time order.
func HistoryTimeKey(updatedAt int64, id string) string {
	return fmt.Sprintf("%019d:%s", updatedAt, id)
}

// NewHistoryRecord derives every key attribute of a history entry.
func NewHistoryRecord(org, entityType, id string, revision, updatedAt int64, item *Payload) *HistoryRecord {
	return &HistoryRecord{
		OrganisationIDType: HistoryPartition(org, entityType),
		IDRevision:         HistorySortKey(id, revision),
		IDDate:             HistorySortKey(id, updatedAt),
		UpdatedAtID:        HistoryTimeKey(updatedAt, id),
		ID:                 id,
		Revision:           revision,
		UpdatedAt:          updatedAt,
		Item:               item,
	}
}

// HistoryCursor marks the last evaluated history entry.
type HistoryCursor struct {
	IDRevision string
	IndexSort  string
}

// HistoryQueryInput reads one page of a history partition. SortFrom and SortTo
// bound the index sort attribute inclusively when set.
type HistoryQueryInput struct {
	Table             string
	Index             Index
	Partition         string
	SortFrom          string
	SortTo            string
	FilterIDPrefix    string
	FilterUpdatedFrom int64
	FilterUpdatedTo   int64
	ExclusiveStart    *HistoryCursor
	Limit             int
}

type HistoryQueryOutput struct {
	Records       []*HistoryRecord
	LastEvaluated *HistoryCursor
}

func historySortValue(rec *HistoryRecord, index Index) string {
	switch index {
	case HistoryIndexIDDate:
		return rec.IDDate
	case HistoryIndexUpdatedAt:
		return rec.UpdatedAtID
	default:
		return rec.IDRevision
	}
}

func historyLess(a, b HistoryCursor) bool {
	if a.IndexSort != b.IndexSort {
		return a.IndexSort < b.IndexSort
	}
	return a.IDRevision < b.IDRevision
}

// SelectHistoryPage applies in to candidate history entries.
func SelectHistoryPage(candidates []*HistoryRecord, in HistoryQueryInput) *HistoryQueryOutput {
	type entry struct {
		cursor HistoryCursor
		rec    *HistoryRecord
	}
	var matched []entry
	for _, rec := range candidates {
		if rec.OrganisationIDType != in.Partition {
			continue
		}
		sortValue := historySortValue(rec, in.Index)
		if in.SortFrom != "" && sortValue < in.SortFrom {
			continue
		}
		if in.SortTo != "" && sortValue > in.SortTo {
			continue
		}
		matched = append(matched, entry{cursor: HistoryCursor{IDRevision: rec.IDRevision, IndexSort: sortValue}, rec: rec})
	}
	sort.Slice(matched, func(i, j int) bool { return historyLess(matched[i].cursor, matched[j].cursor) })

	limit := in.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	to := in.FilterUpdatedTo
	if to == 0 {
		to = math.MaxInt64
	}
	out := &HistoryQueryOutput{}
	evaluated := 0
	for i, m := range matched {
		if in.ExclusiveStart != nil && !historyLess(*in.ExclusiveStart, m.cursor) {
			continue
		}
		evaluated++
		if strings.HasPrefix(m.rec.ID, in.FilterIDPrefix) && m.rec.UpdatedAt >= in.FilterUpdatedFrom && m.rec.UpdatedAt <= to {
			copied := *m.rec
			out.Records = append(out.Records, &copied)
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
