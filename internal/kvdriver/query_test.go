package kvdriver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/hash"
	"github.com/devrev/pairdb/entitystore/internal/model"
)

func query(t *testing.T, d *Driver, q model.Query) []*model.Entity {
	t.Helper()
	got, err := d.Query(context.Background(), model.DatabaseQueryKey{OrganisationID: org, Query: q})
	require.NoError(t, err)
	return got
}

func ids(entities []*model.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

func TestQueryPrefixAfterAndLimit(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	for _, id := range []string{"a1", "a2", "a3", "b1", "b2"} {
		mustPut(t, d, org, entity("user", id, nil))
	}
	mustPut(t, d, org, entity("group", "a9", nil))

	tests := []struct {
		name  string
		query model.Query
		want  []string
	}{
		{name: "all", query: model.Query{Type: "user"}, want: []string{"a1", "a2", "a3", "b1", "b2"}},
		{name: "prefix", query: model.Query{Type: "user", StartsWith: "a"}, want: []string{"a1", "a2", "a3"}},
		{name: "limit", query: model.Query{Type: "user", Limit: 2}, want: []string{"a1", "a2"}},
		{name: "after", query: model.Query{Type: "user", After: "a3"}, want: []string{"b1", "b2"}},
		{name: "after with limit", query: model.Query{Type: "user", After: "a1", Limit: 3}, want: []string{"a2", "a3", "b1"}},
		{name: "no match", query: model.Query{Type: "user", StartsWith: "z"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(query(t, d, tt.query)))
		})
	}
}

func TestQueryAfterFillsLimit(t *testing.T) {
	for _, global := range []bool{false, true} {
		t.Run(fmt.Sprintf("global=%v", global), func(t *testing.T) {
			cfg := testConfig()
			cfg.GlobalEnabled = global
			d := setupDriver(t, setupStore(t), cfg)
			for _, id := range []string{"org1:itemA", "org1:itemB", "org1:itemC", "org1:itemD", "org2:itemA"} {
				mustPut(t, d, org, entity("user", id, nil))
			}

			got := query(t, d, model.Query{Type: "user", StartsWith: "org1:", After: "org1:itemA", Limit: 2})
			assert.Equal(t, []string{"org1:itemB", "org1:itemC"}, ids(got))

			got = query(t, d, model.Query{Type: "user", StartsWith: "org1:", After: "org1:itemC", Limit: 2})
			assert.Equal(t, []string{"org1:itemD"}, ids(got))
		})
	}
}

func TestQueryRejectsInvalidShards(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	_, err := d.Query(context.Background(), model.DatabaseQueryKey{
		OrganisationID: org,
		Query:          model.Query{Type: "user", ThreadIndex: 1, ThreadCount: 3},
	})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestHashedQueryAfterAndLimit(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	for _, month := range []string{"08", "09", "10", "11", "12"} {
		mustPut(t, d, org, entity("ticket", "budgetId1:sales;trinkets:2020/"+month, map[string]any{"month": month}))
	}
	mustPut(t, d, org, entity("ticket", "budgetId2:sales;trinkets:2020/09", nil))

	got := query(t, d, model.Query{Type: "ticket", StartsWith: "budgetId1:", After: "budgetId1:sales;trinkets:2020/10", Limit: 1})
	require.Len(t, got, 1)
	assert.Equal(t, "budgetId1:sales;trinkets:2020/11", got[0].ID)
	assert.Equal(t, "11", got[0].Data["month"])

	got = query(t, d, model.Query{Type: "ticket", StartsWith: "budgetId1:", Limit: 2})
	assert.Equal(t, []string{"budgetId1:sales;trinkets:2020/08", "budgetId1:sales;trinkets:2020/09"}, ids(got))

	got = query(t, d, model.Query{Type: "ticket", StartsWith: "budgetId2:"})
	assert.Equal(t, []string{"budgetId2:sales;trinkets:2020/09"}, ids(got))

	ticket := get(t, d, org, "ticket", "budgetId1:sales;trinkets:2020/12")
	require.NotNil(t, ticket)
	assert.Equal(t, "12", ticket.Data["month"])

	_, err := d.Query(context.Background(), model.DatabaseQueryKey{OrganisationID: org, Query: model.Query{Type: "ticket"}})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestExpandedHashQuery(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	for i := 0; i < 10; i++ {
		mustPut(t, d, org, entity("event", fmt.Sprintf("e%02d", i), nil))
	}
	mustPut(t, d, org, entity("event", "x01", nil))

	assert.Len(t, query(t, d, model.Query{Type: "event", StartsWith: "e0"}), 10)
	assert.Len(t, query(t, d, model.Query{Type: "event"}), 11)

	got := query(t, d, model.Query{Type: "event", StartsWith: "e0", After: "e04", Limit: 3})
	assert.Equal(t, []string{"e05", "e06", "e07"}, ids(got))
}

func TestParallelShardsCoverQuery(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	for i := 0; i < 40; i++ {
		mustPut(t, d, org, entity("user", fmt.Sprintf("u%02d", i), nil))
	}
	mustPut(t, d, org, entity("group", "g1", nil))
	full := ids(query(t, d, model.Query{Type: "user"}))
	require.Len(t, full, 40)

	for _, count := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("%d shards", count), func(t *testing.T) {
			var union []string
			for index := 0; index < count; index++ {
				shard := query(t, d, model.Query{Type: "user", ThreadIndex: index, ThreadCount: count})
				prefix := hash.ShardPrefix(index, count)
				for _, e := range shard {
					assert.True(t, strings.HasPrefix(hash.ParallelHash(e.ID), prefix), "%s outside shard %d", e.ID, index)
				}
				shardIDs := ids(shard)
				assert.True(t, sort.SliceIsSorted(shardIDs, func(i, j int) bool {
					return queryOrder(true)(shardIDs[i], shardIDs[j])
				}))
				union = append(union, shardIDs...)
			}
			assert.ElementsMatch(t, full, union)
		})
	}
}

func TestParallelShardPaging(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	for i := 0; i < 30; i++ {
		mustPut(t, d, org, entity("user", fmt.Sprintf("u%02d", i), nil))
	}
	whole := ids(query(t, d, model.Query{Type: "user", ThreadIndex: 1, ThreadCount: 2}))

	var paged []string
	after := ""
	for {
		page := query(t, d, model.Query{Type: "user", ThreadIndex: 1, ThreadCount: 2, After: after, Limit: 4})
		if len(page) == 0 {
			break
		}
		paged = append(paged, ids(page)...)
		after = page[len(page)-1].ID
	}
	assert.Equal(t, whole, paged)
}

func TestQueryGlobal(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	for _, owner := range []string{"other", org} {
		e := entity("user", "u-"+owner, nil)
		e.SecondaryGlobal = "a@example.com"
		mustPut(t, d, owner, e)
	}
	e := entity("user", "u-b", nil)
	e.SecondaryGlobal = "b@example.com"
	mustPut(t, d, org, e)

	got, err := d.QueryGlobal(context.Background(), "user", "a@example.com")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, org, got[0].SourceOrganisationID)
	assert.Equal(t, "other", got[1].SourceOrganisationID)
	assert.Equal(t, "a@example.com", got[0].SecondaryGlobal)

	got, err = d.QueryGlobal(context.Background(), "user", "missing")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuerySecondary(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	for _, tc := range []struct{ owner, id, team string }{
		{org, "u1", "eng"}, {org, "u2", "eng"}, {org, "u3", "ops"}, {"other", "u4", "eng"},
	} {
		e := entity("user", tc.id, nil)
		e.SecondaryOrganisation = tc.team
		mustPut(t, d, tc.owner, e)
	}

	got, err := d.QuerySecondary(context.Background(), "user", org, "eng", d.Get)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids(got))

	_, err = d.QuerySecondary(context.Background(), "ticket", org, "eng", d.Get)
	assert.True(t, errors.IsUnsupported(err))
}

func TestGetViaLinks(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	mustPut(t, d, org, entity("group", "g1", nil))
	mustPut(t, d, org, entity("group", "g2", nil))
	user := entity("user", "u1", nil)
	user.Links.Set("group", []string{"g1", "g2", "g3"})
	mustPut(t, d, org, user)

	got, err := d.GetViaLinks(context.Background(), org, get(t, d, org, "user", "u1"), "group", d.Get)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, ids(got))

	_, err = d.GetViaLinks(context.Background(), org, user, "ticket", d.Get)
	assert.True(t, errors.IsUnsupported(err))
}
