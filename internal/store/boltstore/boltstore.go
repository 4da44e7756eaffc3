// Package boltstore is a persistent single-node Store on bbolt. Records are
// msgpack-encoded, one bucket per table.
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/store"
)

const (
	tablePrefix   = "t/"
	historyPrefix = "h/"
	separator     = 0x00
)

// Config holds bolt store configuration
type Config struct {
	Path    string
	Timeout time.Duration
}

// Store persists records in a bbolt file.
type Store struct {
	db     *bolt.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the bolt file at cfg.Path.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = time.Second
	}
	db, err := bolt.Open(cfg.Path, 0666, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", cfg.Path, err)
	}
	logger.Info("Bolt store opened", zap.String("path", cfg.Path))
	return &Store{db: db, logger: logger}, nil
}

func encodeKey(key store.Key) []byte {
	buf := make([]byte, 0, len(key.OrganisationID)+len(key.ID)+1)
	buf = append(buf, key.OrganisationID...)
	buf = append(buf, separator)
	return append(buf, key.ID...)
}

func partitionPrefix(org string) []byte {
	return append([]byte(org), separator)
}

func decodeRecord(v []byte) (*store.Record, error) {
	var rec store.Record
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record: %w", err)
	}
	return &rec, nil
}

func putRecord(b *bolt.Bucket, rec *store.Record) error {
	v, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(encodeKey(rec.Key()), v)
}

func getRecord(b *bolt.Bucket, key store.Key) (*store.Record, error) {
	if b == nil {
		return nil, nil
	}
	v := b.Get(encodeKey(key))
	if v == nil {
		return nil, nil
	}
	return decodeRecord(v)
}

func tableBucket(tx *bolt.Tx, name string) *bolt.Bucket {
	return tx.Bucket([]byte(tablePrefix + name))
}

func ensureTable(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(tablePrefix + name))
}

func (s *Store) BatchGet(ctx context.Context, keys map[string][]store.Key) (*store.BatchGetOutput, error) {
	out := &store.BatchGetOutput{
		Responses:   make(map[string][]*store.Record),
		Unprocessed: make(map[string][]store.Key),
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		for table, ks := range keys {
			b := tableBucket(tx, table)
			for _, key := range ks {
				rec, err := getRecord(b, key)
				if err != nil {
					return err
				}
				if rec != nil {
					out.Responses[table] = append(out.Responses[table], rec)
				}
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) BatchWrite(ctx context.Context, requests map[string][]store.WriteRequest) (map[string][]store.WriteRequest, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for table, reqs := range requests {
			b, err := ensureTable(tx, table)
			if err != nil {
				return err
			}
			for _, req := range reqs {
				switch {
				case req.Put != nil:
					if err := putRecord(b, req.Put); err != nil {
						return err
					}
				case req.Delete != nil:
					if err := b.Delete(encodeKey(*req.Delete)); err != nil {
						return err
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Store) Put(ctx context.Context, table string, record *store.Record, conds ...store.Condition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureTable(tx, table)
		if err != nil {
			return err
		}
		existing, err := getRecord(b, record.Key())
		if err != nil {
			return err
		}
		if !store.CheckConditions(existing, conds) {
			return store.ErrConditionFailed
		}
		return putRecord(b, record)
	})
}

func (s *Store) Update(ctx context.Context, table string, key store.Key, update store.Update, conds ...store.Condition) (*store.Record, error) {
	var updated *store.Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := ensureTable(tx, table)
		if err != nil {
			return err
		}
		existing, err := getRecord(b, key)
		if err != nil {
			return err
		}
		if !store.CheckConditions(existing, conds) {
			return store.ErrConditionFailed
		}
		updated = store.ApplyUpdate(existing, key, update)
		return putRecord(b, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Store) Delete(ctx context.Context, table string, key store.Key, conds ...store.Condition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tableBucket(tx, table)
		existing, err := getRecord(b, key)
		if err != nil {
			return err
		}
		if !store.CheckConditions(existing, conds) {
			return store.ErrConditionFailed
		}
		if b == nil || existing == nil {
			return nil
		}
		return b.Delete(encodeKey(key))
	})
}

func (s *Store) Query(ctx context.Context, in store.QueryInput) (*store.QueryOutput, error) {
	var candidates []*store.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tableBucket(tx, in.Table)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		if in.Index == store.IndexSecondaryGlobal {
			for k, v := c.First(); k != nil; k, v = c.Next() {
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				candidates = append(candidates, rec)
			}
			return nil
		}
		prefix := partitionPrefix(in.Partition)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			candidates = append(candidates, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store.SelectPage(candidates, in), nil
}

func (s *Store) Scan(ctx context.Context, in store.ScanInput) (*store.ScanOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	out := &store.ScanOutput{}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tableBucket(tx, in.Table)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, v := c.First()
		if in.ExclusiveStart != nil {
			start := encodeKey(*in.ExclusiveStart)
			k, v = c.Seek(start)
			if k != nil && bytes.Equal(k, start) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if store.Segment(rec.OrganisationID, in.TotalSegments) != in.Segment {
				continue
			}
			if len(out.Records) == limit {
				last := out.Records[limit-1].Key()
				out.LastEvaluated = &last
				return nil
			}
			out.Records = append(out.Records, rec)
		}
		return nil
	})
	return out, err
}

func historyKey(rec *store.HistoryRecord) []byte {
	buf := append([]byte(rec.OrganisationIDType), separator)
	return append(buf, rec.IDRevision...)
}

func (s *Store) BatchWriteHistory(ctx context.Context, table string, records []*store.HistoryRecord) ([]*store.HistoryRecord, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(historyPrefix + table))
		if err != nil {
			return err
		}
		for _, rec := range records {
			v, err := msgpack.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put(historyKey(rec), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Store) QueryHistory(ctx context.Context, in store.HistoryQueryInput) (*store.HistoryQueryOutput, error) {
	var candidates []*store.HistoryRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(historyPrefix + in.Table))
		if b == nil {
			return nil
		}
		prefix := partitionPrefix(in.Partition)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec store.HistoryRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt history record: %w", err)
			}
			candidates = append(candidates, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return store.SelectHistoryPage(candidates, in), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *Store) Close() error {
	s.logger.Info("Closing bolt store", zap.String("path", s.db.Path()))
	return s.db.Close()
}
