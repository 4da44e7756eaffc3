package model

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/devrev/pairdb/entitystore/internal/errors"
)

// MaxThreadCount bounds parallel shards to the width of the coarse hash.
const MaxThreadCount = 256

// DatabaseKey identifies a point lookup.
type DatabaseKey struct {
	OrganisationID string
	Type           string
	ID             string
}

func (k DatabaseKey) String() string {
	return k.OrganisationID + ":" + k.Type + ":" + k.ID
}

// Query selects records of one type by id prefix.
type Query struct {
	Type       string
	StartsWith string
	// After is an exclusive cursor: the id of the last record of the previous page.
	After string
	// Limit of zero means unlimited.
	Limit       int
	ThreadIndex int
	ThreadCount int
}

// Parallel reports whether the query is restricted to one shard of a parallel scan.
func (q Query) Parallel() bool {
	return q.ThreadCount > 0
}

func (q Query) Validate() error {
	if q.Type == "" {
		return errors.InvalidArgument("query type is required", nil)
	}
	if q.Limit < 0 {
		return errors.InvalidArgument(fmt.Sprintf("invalid limit %d", q.Limit), nil)
	}
	if q.ThreadCount == 0 {
		if q.ThreadIndex != 0 {
			return errors.InvalidArgument("thread index set without thread count", nil)
		}
		return nil
	}
	if q.ThreadCount < 0 || q.ThreadCount > MaxThreadCount || bits.OnesCount(uint(q.ThreadCount)) != 1 {
		return errors.InvalidArgument(fmt.Sprintf("thread count %d must be a power of two up to %d", q.ThreadCount, MaxThreadCount), nil)
	}
	if q.ThreadIndex < 0 || q.ThreadIndex >= q.ThreadCount {
		return errors.InvalidArgument(fmt.Sprintf("thread index %d out of range for %d threads", q.ThreadIndex, q.ThreadCount), nil)
	}
	return nil
}

// DatabaseQueryKey identifies a query within a tenant.
type DatabaseQueryKey struct {
	OrganisationID string
	Query          Query
}

// QueryHistory selects history entries of one type. Build it with NewQueryHistory.
type QueryHistory struct {
	Type          string
	ID            string
	StartsWith    string
	FromRevision  int64
	ToRevision    int64
	FromUpdatedAt time.Time
	ToUpdatedAt   time.Time
}

// HasRevisionRange reports whether either revision bound was set.
func (q QueryHistory) HasRevisionRange() bool {
	return q.FromRevision != 0 || q.ToRevision != 0
}

// HasUpdatedAtRange reports whether either timestamp bound was set.
func (q QueryHistory) HasUpdatedAtRange() bool {
	return !q.FromUpdatedAt.IsZero() || !q.ToUpdatedAt.IsZero()
}

// DatabaseQueryHistoryKey identifies a history query within a tenant.
type DatabaseQueryHistoryKey struct {
	OrganisationID string
	QueryHistory   QueryHistory
}

// QueryHistoryBuilder accumulates history query options and validates them on Build.
type QueryHistoryBuilder struct {
	q QueryHistory
}

func NewQueryHistory(entityType string) *QueryHistoryBuilder {
	return &QueryHistoryBuilder{q: QueryHistory{Type: entityType}}
}

func (b *QueryHistoryBuilder) ID(id string) *QueryHistoryBuilder {
	b.q.ID = id
	return b
}

func (b *QueryHistoryBuilder) StartsWith(prefix string) *QueryHistoryBuilder {
	b.q.StartsWith = prefix
	return b
}

func (b *QueryHistoryBuilder) FromRevision(revision int64) *QueryHistoryBuilder {
	b.q.FromRevision = revision
	return b
}

func (b *QueryHistoryBuilder) ToRevision(revision int64) *QueryHistoryBuilder {
	b.q.ToRevision = revision
	return b
}

func (b *QueryHistoryBuilder) FromUpdatedAt(t time.Time) *QueryHistoryBuilder {
	b.q.FromUpdatedAt = t
	return b
}

func (b *QueryHistoryBuilder) ToUpdatedAt(t time.Time) *QueryHistoryBuilder {
	b.q.ToUpdatedAt = t
	return b
}

func (b *QueryHistoryBuilder) Build() (QueryHistory, error) {
	q := b.q
	switch {
	case q.Type == "":
		return QueryHistory{}, errors.InvalidArgument("history query type is required", nil)
	case q.ID != "" && q.StartsWith != "":
		return QueryHistory{}, errors.InvalidArgument("id and startsWith cannot both be set", nil)
	case q.ID == "" && q.StartsWith == "":
		return QueryHistory{}, errors.InvalidArgument("id or startsWith must be set", nil)
	}
	if q.HasRevisionRange() {
		if q.HasUpdatedAtRange() {
			return QueryHistory{}, errors.InvalidArgument("revision and updatedAt ranges cannot both be set", nil)
		}
		if q.StartsWith != "" {
			return QueryHistory{}, errors.InvalidArgument("startsWith can only be used with an updatedAt range", nil)
		}
	}
	return q, nil
}
