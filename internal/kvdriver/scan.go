package kvdriver

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

// ScanTable visits every live record of the write table, one goroutine per
// segment. Pages are throttled by the configured scan rate.
func (d *Driver) ScanTable(ctx context.Context, q driver.TableScanQuery, visit driver.ScanVisitor) error {
	segments := max(q.Parallelism, 1)
	g, gctx := errgroup.WithContext(ctx)
	for segment := 0; segment < segments; segment++ {
		segment := segment
		g.Go(func() error {
			return d.scanSegment(gctx, segment, segments, q.PageSize, visit)
		})
	}
	return g.Wait()
}

func (d *Driver) scanSegment(ctx context.Context, segment, total, pageSize int, visit driver.ScanVisitor) error {
	in := store.ScanInput{Table: d.entityTable, Segment: segment, TotalSegments: total, Limit: pageSize}
	visited := 0
	for {
		if d.scanLimiter != nil {
			if err := d.scanLimiter.Wait(ctx); err != nil {
				return err
			}
		}
		res, err := d.store.Scan(ctx, in)
		d.metrics.RecordStoreRequest("scan", err)
		if err != nil {
			return errors.BackendUnavailable("scan failed", err)
		}
		for _, rec := range res.Records {
			if rec.Deleted || rec.Item == nil {
				continue
			}
			if err := visit(ctx, d.scanItem(rec)); err != nil {
				return err
			}
			visited++
			d.metrics.RecordScannedItem()
		}
		if res.LastEvaluated == nil {
			d.logger.Debug("Scan segment finished",
				zap.Int("segment", segment),
				zap.Int("visited", visited))
			return nil
		}
		in.ExclusiveStart = res.LastEvaluated
	}
}

func (d *Driver) scanItem(rec *store.Record) *driver.ScanItem {
	e := toEntity(d.entityTable, rec)
	org := e.SourceOrganisationID
	key := rec.Key()

	replace := func(ctx context.Context, next *model.Entity) error {
		revision := next.Revision + 1
		updated := d.toRecord(org, next, revision)
		err := d.store.Put(ctx, d.entityTable, updated, store.RevisionIs(next.Revision))
		d.metrics.RecordStoreRequest("put", err)
		if stderrors.Is(err, store.ErrConditionFailed) {
			return errors.RevisionMismatch(next.Type, next.ID, next.Revision, err)
		}
		if err != nil {
			return errors.BackendUnavailable("scan replace failed", err)
		}
		next.Revision = revision
		next.SetSource(d.entityTable, org)
		return nil
	}
	remove := func(ctx context.Context) error {
		err := d.store.Delete(ctx, d.entityTable, key, store.RevisionIs(rec.Revision))
		d.metrics.RecordStoreRequest("delete", err)
		if stderrors.Is(err, store.ErrConditionFailed) {
			return errors.RevisionMismatch(e.Type, e.ID, rec.Revision, err)
		}
		if err != nil {
			return errors.BackendUnavailable("scan delete failed", err)
		}
		return nil
	}
	return driver.NewScanItem(org, e, replace, remove)
}
