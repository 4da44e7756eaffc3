// Package loader provides the request-scoped batching engine: a deduplicating
// future cache whose pending keys are flushed to a batch function on Dispatch.
package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/metrics"
)

// BatchFunc fetches values for keys. It must return exactly one value per key, in order.
type BatchFunc[K comparable, V any] func(ctx context.Context, keys []K) ([]V, error)

// Options configures a Loader.
type Options struct {
	Name string
	// Batching groups pending keys into one call. When false every key is its own batch.
	Batching bool
	// MaxBatchSize caps grouped batches. Zero means unbounded.
	MaxBatchSize int
}

type pending[K comparable, V any] struct {
	key    K
	future *Future[V]
}

// Loader deduplicates loads by key and flushes them in batches.
type Loader[K comparable, V any] struct {
	name         string
	fn           BatchFunc[K, V]
	batching     bool
	maxBatchSize int
	logger       *zap.Logger
	metrics      *metrics.Metrics

	mu    sync.Mutex
	cache map[K]*Future[V]
	queue []pending[K, V]
}

// New creates a Loader.
func New[K comparable, V any](fn BatchFunc[K, V], opts Options, logger *zap.Logger, m *metrics.Metrics) *Loader[K, V] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader[K, V]{
		name:         opts.Name,
		fn:           fn,
		batching:     opts.Batching,
		maxBatchSize: opts.MaxBatchSize,
		logger:       logger,
		metrics:      m,
		cache:        make(map[K]*Future[V]),
	}
}

// Load returns the future for key, registering the key for the next dispatch if
// no load for it is cached.
func (l *Loader[K, V]) Load(key K) *Future[V] {
	l.mu.Lock()
	defer l.mu.Unlock()

	if f, ok := l.cache[key]; ok {
		l.metrics.RecordCacheHit(l.name)
		return f
	}
	f := NewFuture[V]()
	l.cache[key] = f
	l.queue = append(l.queue, pending[K, V]{key: key, future: f})
	return f
}

// LoadMany loads every key and settles with the values in key order.
func (l *Loader[K, V]) LoadMany(keys []K) *Future[[]V] {
	futures := make([]*Future[V], len(keys))
	for i, key := range keys {
		futures[i] = l.Load(key)
	}
	return All(futures)
}

// Clear evicts key so the next Load fetches again. An in-flight batch still settles
// the futures it already handed out.
func (l *Loader[K, V]) Clear(key K) {
	l.mu.Lock()
	delete(l.cache, key)
	l.mu.Unlock()
}

// ClearAll evicts every cached result.
func (l *Loader[K, V]) ClearAll() {
	l.mu.Lock()
	l.cache = make(map[K]*Future[V])
	l.mu.Unlock()
}

// DispatchDepth is the number of keys waiting for a dispatch.
func (l *Loader[K, V]) DispatchDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Dispatch hands every waiting key to the batch function. Batches run on their own
// goroutines; Dispatch does not wait for them.
func (l *Loader[K, V]) Dispatch(ctx context.Context) {
	l.mu.Lock()
	queue := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, batch := range l.partition(queue) {
		go l.run(ctx, batch)
	}
}

func (l *Loader[K, V]) partition(queue []pending[K, V]) [][]pending[K, V] {
	if len(queue) == 0 {
		return nil
	}
	size := len(queue)
	if !l.batching {
		size = 1
	} else if l.maxBatchSize > 0 && l.maxBatchSize < size {
		size = l.maxBatchSize
	}
	batches := make([][]pending[K, V], 0, (len(queue)+size-1)/size)
	for start := 0; start < len(queue); start += size {
		end := start + size
		if end > len(queue) {
			end = len(queue)
		}
		batches = append(batches, queue[start:end])
	}
	return batches
}

func (l *Loader[K, V]) run(ctx context.Context, batch []pending[K, V]) {
	keys := make([]K, len(batch))
	for i, p := range batch {
		keys[i] = p.key
	}

	start := time.Now()
	values, err := l.call(ctx, keys)
	if err == nil && len(values) != len(keys) {
		err = errors.InternalError(
			fmt.Sprintf("loader %s: batch returned %d values for %d keys", l.name, len(values), len(keys)), nil)
	}
	l.metrics.RecordLoaderBatch(l.name, len(keys), time.Since(start).Seconds(), err)

	if err != nil {
		l.logger.Debug("Batch load failed",
			zap.String("loader", l.name),
			zap.Int("batch_size", len(keys)),
			zap.Error(err))
		l.evict(batch)
		var zero V
		for _, p := range batch {
			p.future.Complete(zero, err)
		}
		return
	}

	for i, p := range batch {
		p.future.Complete(values[i], nil)
	}
}

// evict drops failed futures from the cache so a later Load is a new attempt.
func (l *Loader[K, V]) evict(batch []pending[K, V]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range batch {
		if l.cache[p.key] == p.future {
			delete(l.cache, p.key)
		}
	}
}

func (l *Loader[K, V]) call(ctx context.Context, keys []K) (values []V, err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Batch function panic recovered",
				zap.String("loader", l.name),
				zap.Any("panic", r))
			err = errors.InternalError(fmt.Sprintf("loader %s panicked: %v", l.name, r), nil)
		}
	}()
	return l.fn(ctx, keys)
}
