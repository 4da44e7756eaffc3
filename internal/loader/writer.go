package loader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/metrics"
	"github.com/devrev/pairdb/entitystore/internal/model"
)

// WriteFunc persists buffered puts, settling every value before returning.
type WriteFunc func(ctx context.Context, values []*driver.PutValue)

// Writer is the write-only batching engine: puts are buffered until Dispatch.
type Writer struct {
	name    string
	fn      WriteFunc
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	queue []*driver.PutValue
}

func NewWriter(name string, fn WriteFunc, logger *zap.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{name: name, fn: fn, logger: logger, metrics: m}
}

// Put buffers a write of entity into org.
func (w *Writer) Put(org string, entity *model.Entity, check bool) *Future[*model.Entity] {
	f := NewFuture[*model.Entity]()
	value := driver.NewPutValue(org, entity, check, func(e *model.Entity, err error) {
		f.Complete(e, err)
	})

	w.mu.Lock()
	w.queue = append(w.queue, value)
	w.mu.Unlock()
	return f
}

func (w *Writer) DispatchDepth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Dispatch sends every buffered put in one call on a new goroutine.
func (w *Writer) Dispatch(ctx context.Context) {
	w.mu.Lock()
	values := w.queue
	w.queue = nil
	w.mu.Unlock()

	if len(values) == 0 {
		return
	}
	go w.run(ctx, values)
}

func (w *Writer) run(ctx context.Context, values []*driver.PutValue) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Write batch panic recovered",
				zap.String("loader", w.name),
				zap.Any("panic", r))
			err := errors.InternalError(fmt.Sprintf("writer %s panicked: %v", w.name, r), nil)
			for _, v := range values {
				v.Fail(err)
			}
		}
		w.metrics.RecordLoaderBatch(w.name, len(values), time.Since(start).Seconds(), nil)
	}()

	w.fn(ctx, values)

	unsettled := errors.InternalError(fmt.Sprintf("writer %s: value left unsettled by driver", w.name), nil)
	for _, v := range values {
		v.Fail(unsettled)
	}
}
