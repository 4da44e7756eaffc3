package kvdriver

import (
	"context"
	stderrors "errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

func (d *Driver) update(ctx context.Context, key store.Key, upd store.Update, conds ...store.Condition) (*store.Record, error) {
	rec, err := d.store.Update(ctx, d.entityTable, key, upd, conds...)
	d.metrics.RecordStoreRequest("update", err)
	return rec, err
}

func (d *Driver) checkLinkable(op string, types ...string) error {
	for _, t := range types {
		if d.registry.Hashed(t) {
			return errors.Unsupported(op, t)
		}
	}
	return nil
}

// updateOwnerLinks sets the targetType link field of e to ids. The field is set
// in place when the link map exists and the map is created otherwise; both steps
// carry the revision guard of e.
func (d *Driver) updateOwnerLinks(ctx context.Context, org string, e *model.Entity, targetType string, ids []string) (int64, error) {
	key := d.storageKey(org, e.Type, e.ID)
	guard := d.revisionGuard(org, e)
	set := map[string][]string{targetType: ids}

	for attempt := 0; attempt < 2; attempt++ {
		rec, err := d.update(ctx, key, store.Update{SetLinks: set, IncrementRevision: true},
			append([]store.Condition{store.Exists(store.AttrLinks)}, guard...)...)
		if err == nil {
			return rec.Revision, nil
		}
		if !stderrors.Is(err, store.ErrConditionFailed) {
			return 0, errors.BackendUnavailable("link update failed", err)
		}

		d.metrics.RecordLinkFallback("owner_create")
		replace := map[string][]string{}
		if len(ids) > 0 {
			replace[targetType] = ids
		}
		rec, err = d.update(ctx, key, store.Update{ReplaceLinks: true, Links: replace, IncrementRevision: true},
			append([]store.Condition{store.NotExists(store.AttrLinks)}, guard...)...)
		if err == nil {
			return rec.Revision, nil
		}
		if !stderrors.Is(err, store.ErrConditionFailed) {
			return 0, errors.BackendUnavailable("link update failed", err)
		}
		if guard != nil {
			break
		}
	}
	d.metrics.RecordRevisionConflict("link")
	return 0, errors.RevisionMismatch(e.Type, e.ID, e.Revision, store.ErrConditionFailed)
}

// addReverseLink adds ownerType:ownerID to the link map of a target, creating the
// map when it is absent. Concurrent creators are resolved by retrying.
func (d *Driver) addReverseLink(ctx context.Context, org, targetType, targetID, ownerType, ownerID string) error {
	key := d.storageKey(org, targetType, targetID)
	add := map[string][]string{ownerType: {ownerID}}
	for attempt := 0; attempt <= d.cfg.MaxRetry; attempt++ {
		_, err := d.update(ctx, key, store.Update{AddLinks: add, IncrementRevision: true}, store.Exists(store.AttrLinks))
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, store.ErrConditionFailed) {
			return errors.BackendUnavailable("reverse link update failed", err)
		}

		d.metrics.RecordLinkFallback("reverse_create")
		_, err = d.update(ctx, key, store.Update{ReplaceLinks: true, Links: add, IncrementRevision: true}, store.NotExists(store.AttrLinks))
		if err == nil {
			return nil
		}
		if !stderrors.Is(err, store.ErrConditionFailed) {
			return errors.BackendUnavailable("reverse link update failed", err)
		}
		d.metrics.RecordLinkFallback("reverse_retry")
	}
	return errors.RetryExhausted("reverse link", d.cfg.MaxRetry, store.ErrConditionFailed)
}

// removeReverseLink drops ownerType:ownerID from a target's link map. A target
// without a link map has nothing to drop.
func (d *Driver) removeReverseLink(ctx context.Context, org, targetType, targetID, ownerType, ownerID string) error {
	key := d.storageKey(org, targetType, targetID)
	_, err := d.update(ctx, key, store.Update{
		DeleteLinks:       map[string][]string{ownerType: {ownerID}},
		IncrementRevision: true,
	}, store.Exists(store.AttrLinks))
	if err == nil || stderrors.Is(err, store.ErrConditionFailed) {
		return nil
	}
	return errors.BackendUnavailable("reverse link update failed", err)
}

// Link makes the targetType links of e exactly targetIDs and mirrors the change
// on every added and removed target.
func (d *Driver) Link(ctx context.Context, org string, e *model.Entity, targetType string, targetIDs []string) (*model.Entity, error) {
	if err := d.checkLinkable("link", e.Type, targetType); err != nil {
		return nil, err
	}
	targetIDs = model.NormalizeIDs(targetIDs)
	current := model.Links{}
	current.Set(targetType, e.LinkIDs(targetType))
	wanted := model.Links{}
	wanted.Set(targetType, targetIDs)

	var toAdd, toRemove []string
	for _, id := range targetIDs {
		if !current.Has(targetType, id) {
			toAdd = append(toAdd, id)
		}
	}
	for _, id := range current.IDs(targetType) {
		if !wanted.Has(targetType, id) {
			toRemove = append(toRemove, id)
		}
	}

	revision, err := d.updateOwnerLinks(ctx, org, e, targetType, targetIDs)
	if err != nil {
		return nil, err
	}
	e.Revision = revision
	e.SetSource(d.entityTable, org)
	if e.Links == nil {
		e.Links = model.Links{}
	}
	e.Links.Set(targetType, targetIDs)

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range toRemove {
		id := id
		g.Go(func() error { return d.removeReverseLink(gctx, org, targetType, id, e.Type, e.ID) })
	}
	for _, id := range toAdd {
		id := id
		g.Go(func() error { return d.addReverseLink(gctx, org, targetType, id, e.Type, e.ID) })
	}
	if err := g.Wait(); err != nil {
		d.logger.Error("Reverse link update failed",
			zap.String("organisation_id", org),
			zap.String("type", e.Type),
			zap.String("id", e.ID),
			zap.String("target_type", targetType),
			zap.Error(err))
		return nil, err
	}
	return e, nil
}

// Unlink removes a single link from both sides. The target is re-read so its
// whole current link map can be rewritten.
func (d *Driver) Unlink(ctx context.Context, org string, e *model.Entity, targetType, targetID string) (*model.Entity, error) {
	if err := d.checkLinkable("unlink", e.Type, targetType); err != nil {
		return nil, err
	}
	remaining := e.Links.Clone()
	if remaining == nil {
		remaining = model.Links{}
	}
	remaining.Remove(targetType, targetID)

	rec, err := d.update(ctx, d.storageKey(org, e.Type, e.ID),
		store.Update{ReplaceLinks: true, Links: remaining, IncrementRevision: true},
		d.revisionGuard(org, e)...)
	if stderrors.Is(err, store.ErrConditionFailed) {
		d.metrics.RecordRevisionConflict("unlink")
		return nil, errors.RevisionMismatch(e.Type, e.ID, e.Revision, err)
	}
	if err != nil {
		return nil, errors.BackendUnavailable("unlink failed", err)
	}
	e.Links = remaining
	e.Revision = rec.Revision
	e.SetSource(d.entityTable, org)

	found, err := d.Get(ctx, []model.DatabaseKey{{OrganisationID: org, Type: targetType, ID: targetID}})
	if err != nil {
		return nil, err
	}
	target := found[0]
	if target == nil {
		return nil, errors.NotFound(targetType, targetID).WithDetail("linked_from", e.Type+":"+e.ID)
	}
	targetLinks := target.Links.Clone()
	if targetLinks == nil {
		targetLinks = model.Links{}
	}
	targetLinks.Remove(e.Type, e.ID)
	if _, err := d.update(ctx, d.storageKey(org, targetType, targetID),
		store.Update{ReplaceLinks: true, Links: targetLinks, IncrementRevision: true}); err != nil {
		return nil, errors.BackendUnavailable("unlink failed", err)
	}
	return e, nil
}

// DeleteLinks clears every link of e and removes e from each former target.
func (d *Driver) DeleteLinks(ctx context.Context, org string, e *model.Entity) (*model.Entity, error) {
	if !e.HasLinks() {
		return e, nil
	}
	if err := d.checkLinkable("delete links", e.Type); err != nil {
		return nil, err
	}
	rec, err := d.update(ctx, d.storageKey(org, e.Type, e.ID),
		store.Update{ReplaceLinks: true, Links: map[string][]string{}, IncrementRevision: true},
		d.revisionGuard(org, e)...)
	if stderrors.Is(err, store.ErrConditionFailed) {
		d.metrics.RecordRevisionConflict("delete_links")
		return nil, errors.RevisionMismatch(e.Type, e.ID, e.Revision, err)
	}
	if err != nil {
		return nil, errors.BackendUnavailable("delete links failed", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for targetType, ids := range e.Links {
		targetType := targetType
		for _, id := range ids {
			id := id
			g.Go(func() error { return d.removeReverseLink(gctx, org, targetType, id, e.Type, e.ID) })
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	e.Links = model.Links{}
	e.Revision = rec.Revision
	e.SetSource(d.entityTable, org)
	return e, nil
}
