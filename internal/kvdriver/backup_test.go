package kvdriver

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/model"
)

func seedOrganisation(t *testing.T, d *Driver, owner string) {
	t.Helper()
	for i := 0; i < 9; i++ {
		mustPut(t, d, owner, entity("user", fmt.Sprintf("u%d", i), map[string]any{"n": i}))
	}
	mustPut(t, d, owner, entity("budget", "b1", nil))
	mustPut(t, d, owner, entity("ticket", "b1:t1", nil))
	mustPut(t, d, owner, entity("ticket", "b1:t2", nil))
	mustPut(t, d, owner, entity("event", "e1", nil))
}

func TestBackupDestroyRestore(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	ctx := context.Background()
	seedOrganisation(t, d, org)
	seedOrganisation(t, d, "other")

	items, err := d.TakeBackup(ctx, org)
	require.NoError(t, err)
	assert.Len(t, items, 13)
	for _, item := range items {
		assert.Equal(t, "entities", item.Table)
	}

	require.NoError(t, d.DestroyOrganisation(ctx, org))
	assert.Nil(t, get(t, d, org, "user", "u1"))
	assert.Nil(t, get(t, d, org, "ticket", "b1:t1"))
	assert.Nil(t, get(t, d, org, "event", "e1"))
	assert.NotNil(t, get(t, d, "other", "ticket", "b1:t1"))

	remaining, err := d.TakeBackup(ctx, org)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	require.NoError(t, d.RestoreBackup(ctx, items))
	user := get(t, d, org, "user", "u4")
	require.NotNil(t, user)
	assert.Equal(t, 4, user.Data["n"])
	assert.Equal(t, int64(1), user.Revision)
	assert.NotNil(t, get(t, d, org, "ticket", "b1:t2"))
	assert.NotNil(t, get(t, d, org, "event", "e1"))
}

func TestScanTable(t *testing.T) {
	cfg := testConfig()
	cfg.ScanPagesPerSecond = 1000
	d := setupDriver(t, setupStore(t), cfg)
	ctx := context.Background()
	seedOrganisation(t, d, org)
	seedOrganisation(t, d, "other")
	_, err := d.Delete(ctx, org, get(t, d, org, "budget", "b1"))
	require.NoError(t, err)
	before := get(t, d, org, "user", "u3")

	var (
		mu     sync.Mutex
		byType = map[string]int{}
	)
	err = d.ScanTable(ctx, driver.TableScanQuery{Parallelism: 3, PageSize: 4}, func(ctx context.Context, item *driver.ScanItem) error {
		mu.Lock()
		byType[item.Entity.Type]++
		mu.Unlock()

		if item.Entity.Type != "user" || item.OrganisationID != org {
			return nil
		}
		if item.Entity.Data["n"].(int)%2 == 0 {
			return item.Delete(ctx)
		}
		next := item.Entity.Clone()
		next.Data["scanned"] = true
		return item.Replace(ctx, next)
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"user": 18, "budget": 1, "ticket": 4, "event": 2}, byType)

	assert.Nil(t, get(t, d, org, "user", "u2"))
	replaced := get(t, d, org, "user", "u3")
	require.NotNil(t, replaced)
	assert.Equal(t, true, replaced.Data["scanned"])
	assert.Equal(t, int64(2), replaced.Revision)
	assert.Equal(t, before.UpdatedAt, replaced.UpdatedAt, "replace keeps updatedAt")
}

func TestScanVisitorErrorStopsScan(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	seedOrganisation(t, d, org)

	boom := fmt.Errorf("boom")
	err := d.ScanTable(context.Background(), driver.TableScanQuery{Parallelism: 2}, func(context.Context, *driver.ScanItem) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestRestoreBackupDefaultsToWriteTable(t *testing.T) {
	d := setupDriver(t, setupStore(t), testConfig())
	require.NoError(t, d.RestoreBackup(context.Background(), []*model.BackupItem{{
		OrganisationID: org,
		ID:             "user:u1",
		Revision:       3,
		Item:           &model.BackupPayload{ID: "u1"},
	}}))
	got := get(t, d, org, "user", "u1")
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.Revision)
}
