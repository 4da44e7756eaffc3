// Package memstore is an ordered in-memory Store used for tests and local runs.
package memstore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/store"
)

var errClosed = errors.New("memstore: closed")

func compareKeys(a, b interface{}) int {
	ka, kb := a.(store.Key), b.(store.Key)
	if c := strings.Compare(ka.OrganisationID, kb.OrganisationID); c != 0 {
		return c
	}
	return strings.Compare(ka.ID, kb.ID)
}

type historyKey struct {
	partition  string
	idRevision string
}

func compareHistoryKeys(a, b interface{}) int {
	ka, kb := a.(historyKey), b.(historyKey)
	if c := strings.Compare(ka.partition, kb.partition); c != 0 {
		return c
	}
	return strings.Compare(ka.idRevision, kb.idRevision)
}

// Option configures a Store.
type Option func(*Store)

// WithBatchCapacity limits how many items one BatchGet or BatchWrite call processes;
// the rest come back unprocessed. Zero is unlimited, a negative value processes nothing.
func WithBatchCapacity(get, write int) Option {
	return func(s *Store) {
		s.getCapacity = get
		s.writeCapacity = write
	}
}

// Store keeps every table in an ordered map keyed by (organisation, id).
type Store struct {
	logger *zap.Logger

	mu            sync.RWMutex
	tables        map[string]*treemap.Map
	history       map[string]*treemap.Map
	getCapacity   int
	writeCapacity int
	closed        bool
}

var _ store.Store = (*Store)(nil)

func New(logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		logger:  logger,
		tables:  make(map[string]*treemap.Map),
		history: make(map[string]*treemap.Map),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBatchCapacity changes the throttling of batch calls at runtime.
func (s *Store) SetBatchCapacity(get, write int) {
	s.mu.Lock()
	s.getCapacity = get
	s.writeCapacity = write
	s.mu.Unlock()
}

func (s *Store) table(name string) *treemap.Map {
	t, ok := s.tables[name]
	if !ok {
		t = treemap.NewWith(compareKeys)
		s.tables[name] = t
	}
	return t
}

func (s *Store) historyTable(name string) *treemap.Map {
	t, ok := s.history[name]
	if !ok {
		t = treemap.NewWith(compareHistoryKeys)
		s.history[name] = t
	}
	return t
}

func (s *Store) lookup(table string, key store.Key) *store.Record {
	t, ok := s.tables[table]
	if !ok {
		return nil
	}
	v, found := t.Get(key)
	if !found {
		return nil
	}
	return v.(*store.Record)
}

func capacity(limit, requested int) int {
	switch {
	case limit == 0:
		return requested
	case limit < 0:
		return 0
	case limit < requested:
		return limit
	default:
		return requested
	}
}

func (s *Store) BatchGet(ctx context.Context, keys map[string][]store.Key) (*store.BatchGetOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}

	total := 0
	for _, ks := range keys {
		total += len(ks)
	}
	budget := capacity(s.getCapacity, total)

	out := &store.BatchGetOutput{
		Responses:   make(map[string][]*store.Record),
		Unprocessed: make(map[string][]store.Key),
	}
	for _, table := range sortedTables(keys) {
		for _, key := range keys[table] {
			if budget == 0 {
				out.Unprocessed[table] = append(out.Unprocessed[table], key)
				continue
			}
			budget--
			if rec := s.lookup(table, key); rec != nil {
				out.Responses[table] = append(out.Responses[table], rec.Clone())
			}
		}
	}
	return out, nil
}

func (s *Store) BatchWrite(ctx context.Context, requests map[string][]store.WriteRequest) (map[string][]store.WriteRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}

	total := 0
	for _, rs := range requests {
		total += len(rs)
	}
	budget := capacity(s.writeCapacity, total)

	unprocessed := make(map[string][]store.WriteRequest)
	for _, table := range sortedTables(requests) {
		t := s.table(table)
		for _, req := range requests[table] {
			if budget == 0 {
				unprocessed[table] = append(unprocessed[table], req)
				continue
			}
			budget--
			if req.Put != nil {
				t.Put(req.Put.Key(), req.Put.Clone())
			} else if req.Delete != nil {
				t.Remove(*req.Delete)
			}
		}
	}
	if len(unprocessed) > 0 {
		s.logger.Debug("Batch write throttled", zap.Int("unprocessed", total-capacity(s.writeCapacity, total)))
	}
	return unprocessed, nil
}

func (s *Store) Put(ctx context.Context, table string, record *store.Record, conds ...store.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if !store.CheckConditions(s.lookup(table, record.Key()), conds) {
		return store.ErrConditionFailed
	}
	s.table(table).Put(record.Key(), record.Clone())
	return nil
}

func (s *Store) Update(ctx context.Context, table string, key store.Key, update store.Update, conds ...store.Condition) (*store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	existing := s.lookup(table, key)
	if !store.CheckConditions(existing, conds) {
		return nil, store.ErrConditionFailed
	}
	updated := store.ApplyUpdate(existing, key, update)
	s.table(table).Put(key, updated)
	return updated.Clone(), nil
}

func (s *Store) Delete(ctx context.Context, table string, key store.Key, conds ...store.Condition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if !store.CheckConditions(s.lookup(table, key), conds) {
		return store.ErrConditionFailed
	}
	s.table(table).Remove(key)
	return nil
}

// partition returns the records of one organisation in key order, or every
// record for indexes not partitioned by organisation.
func (s *Store) partition(table string, index store.Index, partition string) []*store.Record {
	t, ok := s.tables[table]
	if !ok {
		return nil
	}
	var out []*store.Record
	it := t.Iterator()
	for it.Next() {
		rec := it.Value().(*store.Record)
		if index == store.IndexSecondaryGlobal {
			out = append(out, rec)
			continue
		}
		if rec.OrganisationID < partition {
			continue
		}
		if rec.OrganisationID > partition {
			break
		}
		out = append(out, rec)
	}
	return out
}

func (s *Store) Query(ctx context.Context, in store.QueryInput) (*store.QueryOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	return store.SelectPage(s.partition(in.Table, in.Index, in.Partition), in), nil
}

func (s *Store) Scan(ctx context.Context, in store.ScanInput) (*store.ScanOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	limit := in.Limit
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	out := &store.ScanOutput{}
	t, ok := s.tables[in.Table]
	if !ok {
		return out, nil
	}
	it := t.Iterator()
	for it.Next() {
		key := it.Key().(store.Key)
		if in.ExclusiveStart != nil && compareKeys(key, *in.ExclusiveStart) <= 0 {
			continue
		}
		if store.Segment(key.OrganisationID, in.TotalSegments) != in.Segment {
			continue
		}
		if len(out.Records) == limit {
			last := out.Records[limit-1].Key()
			out.LastEvaluated = &last
			break
		}
		out.Records = append(out.Records, it.Value().(*store.Record).Clone())
	}
	return out, nil
}

func (s *Store) BatchWriteHistory(ctx context.Context, table string, records []*store.HistoryRecord) ([]*store.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errClosed
	}
	budget := capacity(s.writeCapacity, len(records))
	t := s.historyTable(table)
	for i, rec := range records {
		if i == budget {
			return records[i:], nil
		}
		copied := *rec
		t.Put(historyKey{partition: rec.OrganisationIDType, idRevision: rec.IDRevision}, &copied)
	}
	return nil, nil
}

func (s *Store) QueryHistory(ctx context.Context, in store.HistoryQueryInput) (*store.HistoryQueryOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	t, ok := s.history[in.Table]
	if !ok {
		return &store.HistoryQueryOutput{}, nil
	}
	var candidates []*store.HistoryRecord
	it := t.Iterator()
	for it.Next() {
		rec := it.Value().(*store.HistoryRecord)
		if rec.OrganisationIDType == in.Partition {
			candidates = append(candidates, rec)
		}
	}
	return store.SelectHistoryPage(candidates, in), nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of records in a table.
func (s *Store) Len(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[table]; ok {
		return t.Size()
	}
	return 0
}
