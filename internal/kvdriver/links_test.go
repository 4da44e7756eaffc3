package kvdriver

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store"
)

func setupLinked(t *testing.T) *Driver {
	t.Helper()
	d := setupDriver(t, setupStore(t), testConfig())
	mustPut(t, d, org, entity("user", "u1", nil))
	for _, id := range []string{"g1", "g2", "g3"} {
		mustPut(t, d, org, entity("group", id, nil))
	}
	return d
}

func TestLinkIsSymmetric(t *testing.T) {
	d := setupLinked(t)
	ctx := context.Background()

	user, err := d.Link(ctx, org, get(t, d, org, "user", "u1"), "group", []string{"g2", "g1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, user.LinkIDs("group"))
	assert.Equal(t, int64(2), user.Revision)

	assert.Equal(t, []string{"g1", "g2"}, get(t, d, org, "user", "u1").LinkIDs("group"))
	assert.Equal(t, []string{"u1"}, get(t, d, org, "group", "g1").LinkIDs("user"))
	assert.Equal(t, []string{"u1"}, get(t, d, org, "group", "g2").LinkIDs("user"))

	user, err = d.Link(ctx, org, user, "group", []string{"g2", "g3"})
	require.NoError(t, err)
	assert.Empty(t, get(t, d, org, "group", "g1").LinkIDs("user"))
	assert.Equal(t, []string{"u1"}, get(t, d, org, "group", "g3").LinkIDs("user"))
	assert.Equal(t, []string{"g2", "g3"}, get(t, d, org, "user", "u1").LinkIDs("group"))

	user, err = d.Unlink(ctx, org, user, "group", "g2")
	require.NoError(t, err)
	assert.Equal(t, []string{"g3"}, user.LinkIDs("group"))
	assert.Empty(t, get(t, d, org, "group", "g2").LinkIDs("user"))

	user, err = d.DeleteLinks(ctx, org, user)
	require.NoError(t, err)
	assert.False(t, user.HasLinks())
	assert.False(t, get(t, d, org, "user", "u1").HasLinks())
	assert.Empty(t, get(t, d, org, "group", "g3").LinkIDs("user"))
}

func TestLinkRejectsStaleOwner(t *testing.T) {
	d := setupLinked(t)
	ctx := context.Background()

	stale := get(t, d, org, "user", "u1")
	_, err := d.Link(ctx, org, get(t, d, org, "user", "u1"), "group", []string{"g1"})
	require.NoError(t, err)

	_, err = d.Link(ctx, org, stale, "group", []string{"g2"})
	require.Error(t, err)
	assert.True(t, errors.IsRevisionMismatch(err))
	assert.Empty(t, get(t, d, org, "group", "g2").LinkIDs("user"))

	_, err = d.Unlink(ctx, org, stale, "group", "g1")
	assert.True(t, errors.IsRevisionMismatch(err))
}

func TestLinkCreatesMissingLinkMaps(t *testing.T) {
	st := setupStore(t)
	d := setupDriver(t, st, testConfig())
	ctx := context.Background()

	// Records written by older writers may lack a link map entirely.
	require.NoError(t, st.Put(ctx, "entities", &store.Record{
		OrganisationID: org, ID: "user:u1", Revision: 1, Item: &store.Payload{ID: "u1"},
	}))
	require.NoError(t, st.Put(ctx, "entities", &store.Record{
		OrganisationID: org, ID: "group:g1", Revision: 1, Item: &store.Payload{ID: "g1"},
	}))

	user, err := d.Link(ctx, org, get(t, d, org, "user", "u1"), "group", []string{"g1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), user.Revision)
	assert.Equal(t, []string{"u1"}, get(t, d, org, "group", "g1").LinkIDs("user"))
}

func TestConcurrentReverseLinks(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	ctx := context.Background()
	mustPut(t, d, org, entity("group", "g1", nil))

	users := []string{"u1", "u2", "u3", "u4", "u5", "u6"}
	for _, id := range users {
		mustPut(t, d, org, entity("user", id, nil))
	}

	loaded := make([]*model.Entity, len(users))
	for i, id := range users {
		loaded[i] = get(t, d, org, "user", id)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(users))
	for i, user := range loaded {
		i, user := i, user
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = d.Link(ctx, org, user, "group", []string{"g1"})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, users, get(t, d, org, "group", "g1").LinkIDs("user"))
}

func TestUnlinkMissingTarget(t *testing.T) {
	d := setupLinked(t)
	user := get(t, d, org, "user", "u1")
	user.Links.Set("group", []string{"gone"})

	_, err := d.Unlink(context.Background(), org, user, "group", "gone")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.GetCode(err))
}

func TestLinksUnsupportedForHashedTypes(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	ticket := mustPut(t, d, org, entity("ticket", "b1:t1", nil))
	user := mustPut(t, d, org, entity("user", "u1", nil))
	ctx := context.Background()

	_, err := d.Link(ctx, org, ticket, "user", []string{"u1"})
	assert.True(t, errors.IsUnsupported(err))
	_, err = d.Link(ctx, org, user, "ticket", []string{"b1:t1"})
	assert.True(t, errors.IsUnsupported(err))
	_, err = d.Unlink(ctx, org, user, "ticket", "b1:t1")
	assert.True(t, errors.IsUnsupported(err))

	unchanged, err := d.DeleteLinks(ctx, org, model.NewEntity("ticket", nil))
	require.NoError(t, err)
	assert.False(t, unchanged.HasLinks())
}
