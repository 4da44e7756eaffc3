// Package store defines the partitioned key-value contract the reference driver
// runs against. Records live in named tables, are addressed by (partition, sort)
// keys and support single-record conditional writes only.
package store

import (
	"context"
	"errors"
)

// ErrConditionFailed is returned by conditional writes whose condition did not hold.
var ErrConditionFailed = errors.New("conditional check failed")

// Index names. The primary index is addressed by the zero value.
type Index string

const (
	IndexPrimary               Index = ""
	IndexSecondaryGlobal       Index = "secondaryGlobal"
	IndexSecondaryOrganisation Index = "secondaryOrganisation"
	IndexParallelHash          Index = "parallelHash"
)

// Key is the primary key of a record.
type Key struct {
	OrganisationID string `msgpack:"organisationId" yaml:"organisationId"`
	ID             string `msgpack:"id" yaml:"id"`
}

// Payload is the caller-visible part of a record.
type Payload struct {
	ID        string         `msgpack:"id"`
	CreatedAt int64          `msgpack:"createdAt"`
	UpdatedAt int64          `msgpack:"updatedAt"`
	Data      map[string]any `msgpack:"data,omitempty"`
}

// Record is one stored document. A nil Links map means the attribute is absent;
// a zero Revision means the revision attribute is absent.
type Record struct {
	OrganisationID        string              `msgpack:"organisationId"`
	ID                    string              `msgpack:"id"`
	Revision              int64               `msgpack:"revision,omitempty"`
	Item                  *Payload            `msgpack:"item,omitempty"`
	Links                 map[string][]string `msgpack:"links,omitempty"`
	Deleted               bool                `msgpack:"deleted,omitempty"`
	History               bool                `msgpack:"history,omitempty"`
	Hashed                bool                `msgpack:"hashed,omitempty"`
	ParallelHash          string              `msgpack:"parallelHash,omitempty"`
	SecondaryGlobal       string              `msgpack:"secondaryGlobal,omitempty"`
	SecondaryOrganisation string              `msgpack:"secondaryOrganisation,omitempty"`
}

func (r *Record) Key() Key {
	return Key{OrganisationID: r.OrganisationID, ID: r.ID}
}

// Clone deep-copies the record so callers never share maps with a backend.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Item != nil {
		item := *r.Item
		if r.Item.Data != nil {
			item.Data = make(map[string]any, len(r.Item.Data))
			for k, v := range r.Item.Data {
				item.Data[k] = v
			}
		}
		out.Item = &item
	}
	if r.Links != nil {
		out.Links = make(map[string][]string, len(r.Links))
		for t, ids := range r.Links {
			out.Links[t] = append([]string(nil), ids...)
		}
	}
	return &out
}

// WriteRequest is one element of a batch write: exactly one of Put or Delete is set.
type WriteRequest struct {
	Put    *Record
	Delete *Key
}

// Key returns the primary key the request addresses.
func (w WriteRequest) Key() Key {
	if w.Put != nil {
		return w.Put.Key()
	}
	return *w.Delete
}

type BatchGetOutput struct {
	Responses   map[string][]*Record
	Unprocessed map[string][]Key
}

// Cursor marks the last evaluated position of a query page.
type Cursor struct {
	Key
	IndexSort string
}

// QueryInput reads one page of a single partition of an index.
type QueryInput struct {
	Table     string
	Index     Index
	Partition string
	// SortPrefix restricts the index sort attribute with begins_with.
	SortPrefix string
	// FilterIDPrefix is applied to the primary sort key after the key condition.
	FilterIDPrefix string
	ExclusiveStart *Cursor
	Limit          int
	ConsistentRead bool
}

type QueryOutput struct {
	Records       []*Record
	LastEvaluated *Cursor
}

// ScanInput reads one page of one segment of a table.
type ScanInput struct {
	Table          string
	Segment        int
	TotalSegments  int
	ExclusiveStart *Key
	Limit          int
}

type ScanOutput struct {
	Records       []*Record
	LastEvaluated *Key
}

// Store is the partitioned key-value backend. Implementations must be safe for
// concurrent use.
type Store interface {
	BatchGet(ctx context.Context, keys map[string][]Key) (*BatchGetOutput, error)
	// BatchWrite returns the requests the backend did not process.
	BatchWrite(ctx context.Context, requests map[string][]WriteRequest) (map[string][]WriteRequest, error)
	Put(ctx context.Context, table string, record *Record, conds ...Condition) error
	// Update creates the record when absent and returns its new state.
	Update(ctx context.Context, table string, key Key, update Update, conds ...Condition) (*Record, error)
	Delete(ctx context.Context, table string, key Key, conds ...Condition) error
	Query(ctx context.Context, in QueryInput) (*QueryOutput, error)
	Scan(ctx context.Context, in ScanInput) (*ScanOutput, error)

	BatchWriteHistory(ctx context.Context, table string, records []*HistoryRecord) ([]*HistoryRecord, error)
	QueryHistory(ctx context.Context, in HistoryQueryInput) (*HistoryQueryOutput, error)

	Ping(ctx context.Context) error
	Close() error
}
