// Package hash holds the per-type sharding capabilities and the coarse hash used
// for parallel scans.
package hash

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Extractor splits a logical id into the hash suffix of its physical partition and
// its physical sort key.
type Extractor interface {
	HashID(id string) string
	SortID(id string) string
}

// Partition is one physical sub-partition a prefix query must read.
type Partition struct {
	HashID     string
	SortPrefix string
}

// Expander is implemented by extractors whose prefix queries span several partitions.
type Expander interface {
	Expand(prefix string) []Partition
}

// HashQuery names a hashed sub-partition of another type.
type HashQuery struct {
	Type   string
	HashID string
}

// QueryBuilder is registered on a parent type whose records own hashed partitions
// of other types. Backups and organisation teardown use it to find them.
type QueryBuilder interface {
	ExtractHashQueries(id string) []HashQuery
}

// TypeOptions are the capabilities of one logical type.
type TypeOptions struct {
	Extractor    Extractor
	QueryBuilder QueryBuilder
	History      bool
}

// Registry maps logical type names to their capabilities. It is populated at
// startup and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeOptions
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]TypeOptions)}
}

func (r *Registry) Register(entityType string, opts TypeOptions) *Registry {
	r.mu.Lock()
	r.types[entityType] = opts
	r.mu.Unlock()
	return r
}

func (r *Registry) options(entityType string) (TypeOptions, bool) {
	if r == nil {
		return TypeOptions{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	opts, ok := r.types[entityType]
	return opts, ok
}

// Extractor returns the hash extractor of a hashed type.
func (r *Registry) Extractor(entityType string) (Extractor, bool) {
	opts, _ := r.options(entityType)
	return opts.Extractor, opts.Extractor != nil
}

func (r *Registry) Hashed(entityType string) bool {
	_, ok := r.Extractor(entityType)
	return ok
}

func (r *Registry) QueryBuilder(entityType string) (QueryBuilder, bool) {
	opts, _ := r.options(entityType)
	return opts.QueryBuilder, opts.QueryBuilder != nil
}

func (r *Registry) HasHistory(entityType string) bool {
	opts, _ := r.options(entityType)
	return opts.History
}

// Types returns every registered type name, sorted.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// HistoryTypes returns the registered types that keep history, sorted.
func (r *Registry) HistoryTypes() []string {
	var out []string
	for _, t := range r.Types() {
		if r.HasHistory(t) {
			out = append(out, t)
		}
	}
	return out
}

// DelimiterExtractor hashes on the part of the id before the first separator, so
// every id sharing that owner lands in one partition.
type DelimiterExtractor struct {
	Separator string
}

func (d DelimiterExtractor) sep() string {
	if d.Separator == "" {
		return ":"
	}
	return d.Separator
}

func (d DelimiterExtractor) HashID(id string) string {
	head, _, _ := strings.Cut(id, d.sep())
	return head
}

func (d DelimiterExtractor) SortID(id string) string {
	_, tail, _ := strings.Cut(id, d.sep())
	return tail
}

// BucketExtractor spreads ids over a fixed number of buckets. The sort key is the
// full id, so a prefix query reads every bucket.
type BucketExtractor struct {
	Buckets int
}

func (b BucketExtractor) HashID(id string) string {
	n := b.Buckets
	if n <= 0 {
		n = 1
	}
	return strconv.FormatUint(xxhash.Sum64String(id)%uint64(n), 10)
}

func (b BucketExtractor) SortID(id string) string {
	return id
}

func (b BucketExtractor) Expand(prefix string) []Partition {
	n := b.Buckets
	if n <= 0 {
		n = 1
	}
	out := make([]Partition, n)
	for i := range out {
		out[i] = Partition{HashID: strconv.Itoa(i), SortPrefix: prefix}
	}
	return out
}

// ChildPartitions is a QueryBuilder for parent records whose id is the hash suffix
// of a child type's partition.
type ChildPartitions struct {
	Types []string
}

func (c ChildPartitions) ExtractHashQueries(id string) []HashQuery {
	out := make([]HashQuery, 0, len(c.Types))
	for _, t := range c.Types {
		out = append(out, HashQuery{Type: t, HashID: id})
	}
	return out
}
