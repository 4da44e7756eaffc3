package kvdriver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// backoff waits RetryBase * attempt^2 before retry number attempt.
func (d *Driver) backoff(ctx context.Context, attempt int) error {
	delay := d.cfg.RetryBase * time.Duration(attempt*attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Driver) batchGet(ctx context.Context, keys map[string][]store.Key) (map[string][]*store.Record, error) {
	out := make(map[string][]*store.Record)
	pending := keys
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > d.cfg.MaxRetry {
				return nil, errors.RetryExhausted("batch get", d.cfg.MaxRetry, nil)
			}
			d.metrics.RecordStoreRetry("batch_get")
			d.logger.Debug("Retrying unprocessed keys",
				zap.Int("attempt", attempt),
				zap.Int("keys", countKeys(pending)))
			if err := d.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}
		res, err := d.store.BatchGet(ctx, pending)
		d.metrics.RecordStoreRequest("batch_get", err)
		if err != nil {
			return nil, errors.BackendUnavailable("batch get failed", err)
		}
		for table, recs := range res.Responses {
			out[table] = append(out[table], recs...)
		}
		if countKeys(res.Unprocessed) == 0 {
			return out, nil
		}
		pending = res.Unprocessed
	}
}

func (d *Driver) batchWrite(ctx context.Context, requests map[string][]store.WriteRequest) error {
	pending := requests
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > d.cfg.MaxRetry {
				return errors.RetryExhausted("batch write", d.cfg.MaxRetry, nil)
			}
			d.metrics.RecordStoreRetry("batch_write")
			d.logger.Debug("Retrying unprocessed writes",
				zap.Int("attempt", attempt),
				zap.Int("requests", countRequests(pending)))
			if err := d.backoff(ctx, attempt); err != nil {
				return err
			}
		}
		unprocessed, err := d.store.BatchWrite(ctx, pending)
		d.metrics.RecordStoreRequest("batch_write", err)
		if err != nil {
			return errors.BackendUnavailable("batch write failed", err)
		}
		if countRequests(unprocessed) == 0 {
			return nil
		}
		pending = unprocessed
	}
}

func (d *Driver) batchWriteHistory(ctx context.Context, table string, records []*store.HistoryRecord) error {
	pending := records
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if attempt > d.cfg.MaxRetry {
				return errors.RetryExhausted("history batch write", d.cfg.MaxRetry, nil)
			}
			d.metrics.RecordStoreRetry("history_batch_write")
			if err := d.backoff(ctx, attempt); err != nil {
				return err
			}
		}
		unprocessed, err := d.store.BatchWriteHistory(ctx, table, pending)
		d.metrics.RecordStoreRequest("history_batch_write", err)
		if err != nil {
			return errors.BackendUnavailable("history batch write failed", err)
		}
		if len(unprocessed) == 0 {
			return nil
		}
		pending = unprocessed
	}
}

// writeChunked sends requests for one table in chunks of BatchWriteSize.
func (d *Driver) writeChunked(ctx context.Context, table string, requests []store.WriteRequest) error {
	for start := 0; start < len(requests); start += d.cfg.BatchWriteSize {
		end := min(start+d.cfg.BatchWriteSize, len(requests))
		if err := d.batchWrite(ctx, map[string][]store.WriteRequest{table: requests[start:end]}); err != nil {
			return err
		}
	}
	return nil
}

func countKeys(m map[string][]store.Key) int {
	n := 0
	for _, keys := range m {
		n += len(keys)
	}
	return n
}

func countRequests(m map[string][]store.WriteRequest) int {
	n := 0
	for _, reqs := range m {
		n += len(reqs)
	}
	return n
}
