package database

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/loader"
)

type dispatcher interface {
	DispatchDepth() int
	Dispatch(ctx context.Context)
}

type engine struct {
	name string
	dispatcher
}

// await makes sure a dispatch round will pick up f and waits for it.
func await[T any](ctx context.Context, d *Database, f *loader.Future[T]) (T, error) {
	d.schedule(f.IsDone())
	return f.Get(ctx)
}

// schedule requests a dispatch round. Concurrent requests made while a round is
// running only bump the counter; the running round notices and goes again.
func (d *Database) schedule(done bool) {
	if done {
		return
	}
	for {
		cur := d.submitted.Load()
		if cur == 0 {
			if d.submitted.CompareAndSwap(0, 1) {
				d.start()
				return
			}
			continue
		}
		if d.submitted.CompareAndSwap(cur, cur+1) {
			return
		}
	}
}

func (d *Database) start() {
	if d.exec != nil {
		err := d.exec.Submit(d.ctx, "dispatch", d.run)
		if err == nil {
			return
		}
		d.logger.Debug("Executor rejected dispatch round", zap.Error(err))
	}
	go d.run(d.ctx)
}

// run flushes every engine until no request arrived during the last round.
func (d *Database) run(ctx context.Context) {
	for {
		start := d.submitted.Load()
		d.metrics.UpdateDispatchPending(start)
		if err := d.flush(ctx); err != nil {
			d.logger.Error("Dispatch round failed",
				zap.String("organisation_id", d.OrganisationID()),
				zap.Error(err))
		}
		d.metrics.RecordDispatchRound()
		if d.submitted.CompareAndSwap(start, 0) {
			d.metrics.UpdateDispatchPending(0)
			return
		}
	}
}

// flush dispatches every engine with waiting work. A failing engine does not stop
// the others.
func (d *Database) flush(ctx context.Context) error {
	var errs error
	for _, e := range d.engines {
		if e.DispatchDepth() == 0 {
			continue
		}
		errs = multierr.Append(errs, dispatchEngine(ctx, e))
	}
	return errs
}

func dispatchEngine(ctx context.Context, e engine) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s dispatch panicked: %v", e.name, r)
		}
	}()
	e.Dispatch(ctx)
	return nil
}
