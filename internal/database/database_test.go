package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/entitystore/internal/driver"
	"github.com/devrev/pairdb/entitystore/internal/errors"
	"github.com/devrev/pairdb/entitystore/internal/hash"
	"github.com/devrev/pairdb/entitystore/internal/kvdriver"
	"github.com/devrev/pairdb/entitystore/internal/model"
	"github.com/devrev/pairdb/entitystore/internal/store/memstore"
	"github.com/devrev/pairdb/entitystore/internal/util/workerpool"
)

const org = "acme"

// countingDriver records the batches that reach the driver.
type countingDriver struct {
	driver.Driver

	mu        sync.Mutex
	gets      [][]model.DatabaseKey
	queries   int
	maxBatch  int
	failGets  int
	panicNext bool
	block     chan struct{}
}

func (c *countingDriver) Get(ctx context.Context, keys []model.DatabaseKey) ([]*model.Entity, error) {
	c.mu.Lock()
	c.gets = append(c.gets, append([]model.DatabaseKey(nil), keys...))
	fail := c.failGets > 0
	if fail {
		c.failGets--
	}
	block := c.block
	c.mu.Unlock()
	if block != nil {
		<-block
	}
	if fail {
		return nil, errors.BackendUnavailable("injected", nil)
	}
	return c.Driver.Get(ctx, keys)
}

func (c *countingDriver) Query(ctx context.Context, key model.DatabaseQueryKey) ([]*model.Entity, error) {
	c.mu.Lock()
	c.queries++
	boom := c.panicNext
	c.panicNext = false
	c.mu.Unlock()
	if boom {
		panic("query exploded")
	}
	return c.Driver.Query(ctx, key)
}

func (c *countingDriver) MaxBatchSize() int {
	if c.maxBatch > 0 {
		return c.maxBatch
	}
	return c.Driver.MaxBatchSize()
}

func (c *countingDriver) getCalls() [][]model.DatabaseKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]model.DatabaseKey(nil), c.gets...)
}

func (c *countingDriver) queryCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

func setupDriver(t *testing.T) *countingDriver {
	t.Helper()
	st := memstore.New(zap.NewNop())
	t.Cleanup(func() { _ = st.Close() })

	registry := hash.NewRegistry().Register("user", hash.TypeOptions{History: true})
	cfg := kvdriver.DefaultConfig()
	cfg.Tables = []string{"entities"}
	cfg.HistoryTable = "history"
	cfg.RetryBase = time.Millisecond
	drv, err := kvdriver.New(st, registry, cfg, zap.NewNop())
	require.NoError(t, err)
	return &countingDriver{Driver: drv}
}

func setupDatabase(t *testing.T, drv driver.Driver, opts Options) *Database {
	t.Helper()
	return New(context.Background(), org, drv, opts, zap.NewNop(), nil)
}

func seed(t *testing.T, db *Database, entityType string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		e := model.NewEntity(entityType, map[string]any{"name": id})
		e.ID = id
		_, err := db.Put(context.Background(), e, false)
		require.NoError(t, err)
	}
}

func ids(entities []*model.Entity) []string {
	out := make([]string, len(entities))
	for i, e := range entities {
		out[i] = e.ID
	}
	return out
}

func TestGetManyBatchesAndDedupes(t *testing.T) {
	drv := setupDriver(t)
	seed(t, setupDatabase(t, drv, Options{}), "user", "u1", "u2")

	db := setupDatabase(t, drv, Options{})
	got, err := db.GetMany(context.Background(), "user", []string{"u1", "u2", "u1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u1"}, ids(got))

	calls := drv.getCalls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 3)
}

func TestGetManySplitsByMaxBatchSize(t *testing.T) {
	drv := setupDriver(t)
	seed(t, setupDatabase(t, drv, Options{}), "user", "u1", "u2", "u3", "u4", "u5")
	drv.maxBatch = 2

	db := setupDatabase(t, drv, Options{})
	got, err := db.GetMany(context.Background(), "user", []string{"u1", "u2", "u3", "u4", "u5"})
	require.NoError(t, err)
	assert.Len(t, got, 5)

	calls := drv.getCalls()
	assert.Len(t, calls, 3)
	for _, call := range calls {
		assert.LessOrEqual(t, len(call), 2)
	}
}

func TestConcurrentGetsCoalesce(t *testing.T) {
	drv := setupDriver(t)
	seed(t, setupDatabase(t, drv, Options{}), "user", "u1")
	db := setupDatabase(t, drv, Options{})

	const workers = 50
	results := make([]*model.Entity, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = db.Get(context.Background(), "user", "u1")
		}()
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, "u1", results[i].ID)
	}
	assert.Len(t, drv.getCalls(), 1)
}

func TestGetReturnsPrivateCopies(t *testing.T) {
	drv := setupDriver(t)
	seed(t, setupDatabase(t, drv, Options{}), "user", "u1")
	db := setupDatabase(t, drv, Options{})

	first, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	first.Data["name"] = "changed"

	second, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", second.Data["name"])
	assert.Len(t, drv.getCalls(), 1)
}

func TestGetMissingReturnsNil(t *testing.T) {
	db := setupDatabase(t, setupDriver(t), Options{})
	got, err := db.Get(context.Background(), "user", "nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPutInvalidatesCachedRead(t *testing.T) {
	drv := setupDriver(t)
	db := setupDatabase(t, drv, Options{})
	seed(t, db, "user", "u1")

	before, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	before.Data["name"] = "renamed"
	_, err = db.Put(context.Background(), before, true)
	require.NoError(t, err)

	after, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", after.Data["name"])
	assert.Equal(t, before.Revision, after.Revision)
}

func TestPutAssignsID(t *testing.T) {
	db := setupDatabase(t, setupDriver(t), Options{})
	saved, err := db.Put(context.Background(), model.NewEntity("user", nil), false)
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, int64(1), saved.Revision)
}

func TestPutWithCancelledContextLeavesEntityUntouched(t *testing.T) {
	drv := setupDriver(t)
	db := setupDatabase(t, drv, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	const puts = 20
	for i := 0; i < puts; i++ {
		e := model.NewEntity("user", map[string]any{"n": i})
		saved, err := db.Put(ctx, e, true)
		if err != nil {
			assert.True(t, stderrors.Is(err, context.Canceled))
			assert.Nil(t, saved)
			assert.Empty(t, e.ID)
			assert.Zero(t, e.Revision)
			continue
		}
		assert.Same(t, e, saved)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, int64(1), e.Revision)
	}

	reader := setupDatabase(t, drv, Options{})
	require.Eventually(t, func() bool {
		got, err := reader.Query(context.Background(), model.Query{Type: "user"})
		reader.queries.ClearAll()
		return err == nil && len(got) == puts
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConcurrentCheckedPutsConflict(t *testing.T) {
	drv := setupDriver(t)
	seed(t, setupDatabase(t, drv, Options{}), "user", "garry")

	alice := setupDatabase(t, drv, Options{})
	bob := setupDatabase(t, drv, Options{})
	a, err := alice.Get(context.Background(), "user", "garry")
	require.NoError(t, err)
	b, err := bob.Get(context.Background(), "user", "garry")
	require.NoError(t, err)

	a.Data["name"] = "alice"
	_, err = alice.Put(context.Background(), a, true)
	require.NoError(t, err)

	b.Data["name"] = "bob"
	_, err = bob.Put(context.Background(), b, true)
	require.Error(t, err)
	assert.True(t, errors.IsRevisionMismatch(err))

	got, err := setupDatabase(t, drv, Options{}).Get(context.Background(), "user", "garry")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Data["name"])
}

func TestPutCreateConflict(t *testing.T) {
	drv := setupDriver(t)
	seed(t, setupDatabase(t, drv, Options{}), "user", "u1")

	e := model.NewEntity("user", nil)
	e.ID = "u1"
	_, err := setupDatabase(t, drv, Options{}).Put(context.Background(), e, true)
	assert.True(t, errors.IsRevisionMismatch(err))
}

func TestWritePermission(t *testing.T) {
	drv := setupDriver(t)
	deny := func(_ context.Context, e *model.Entity) (bool, error) {
		return e.Type != "secret", nil
	}
	db := setupDatabase(t, drv, Options{Permission: deny})

	_, err := db.Put(context.Background(), model.NewEntity("secret", nil), false)
	assert.True(t, errors.IsForbiddenWrite(err))

	_, err = db.DeleteType(context.Background(), "secret")
	assert.True(t, errors.IsForbiddenWrite(err))

	_, err = db.Put(context.Background(), model.NewEntity("user", nil), false)
	assert.NoError(t, err)

	failing := func(context.Context, *model.Entity) (bool, error) {
		return false, fmt.Errorf("policy store down")
	}
	_, err = setupDatabase(t, drv, Options{Permission: failing}).Put(context.Background(), model.NewEntity("user", nil), false)
	require.Error(t, err)
	assert.False(t, errors.IsForbiddenWrite(err))
}

func TestLinksAndDelete(t *testing.T) {
	drv := setupDriver(t)
	db := setupDatabase(t, drv, Options{})
	seed(t, db, "user", "u1")
	seed(t, db, "group", "g1", "g2")

	owner, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	owner, err = db.Links(context.Background(), owner, "group", []string{"g1", "g2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, owner.LinkIDs("group"))

	groups, err := db.GetLinks(context.Background(), owner, "group")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, ids(groups))

	_, err = db.GetLink(context.Background(), owner, "group")
	assert.Equal(t, errors.ErrCodeMultipleResults, errors.GetCode(err))

	g1, err := db.Get(context.Background(), "group", "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, g1.LinkIDs("user"))

	_, err = db.Delete(context.Background(), owner, false)
	assert.True(t, errors.IsDanglingLinks(err))

	owner, err = db.Link(context.Background(), owner, "group", "g2")
	require.NoError(t, err)
	g1, err = db.Get(context.Background(), "group", "g1")
	require.NoError(t, err)
	assert.Empty(t, g1.LinkIDs("user"))

	single, err := db.GetLink(context.Background(), owner, "group")
	require.NoError(t, err)
	require.NotNil(t, single)
	assert.Equal(t, "g2", single.ID)

	_, err = db.Delete(context.Background(), owner, true)
	require.NoError(t, err)

	gone, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.Nil(t, gone)
	g2, err := db.Get(context.Background(), "group", "g2")
	require.NoError(t, err)
	assert.Empty(t, g2.LinkIDs("user"))
}

func TestUnlink(t *testing.T) {
	db := setupDatabase(t, setupDriver(t), Options{})
	seed(t, db, "user", "u1")
	seed(t, db, "group", "g1")

	owner, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	owner, err = db.Link(context.Background(), owner, "group", "g1")
	require.NoError(t, err)

	owner, err = db.Unlink(context.Background(), owner, "group", "g1")
	require.NoError(t, err)
	assert.Empty(t, owner.LinkIDs("group"))

	g1, err := db.Get(context.Background(), "group", "g1")
	require.NoError(t, err)
	assert.Empty(t, g1.LinkIDs("user"))
}

func TestQueryCacheClearedOnPut(t *testing.T) {
	drv := setupDriver(t)
	db := setupDatabase(t, drv, Options{})
	seed(t, db, "user", "a1", "a2", "b1")

	q := model.Query{Type: "user", StartsWith: "a"}
	got, err := db.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids(got))

	_, err = db.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, drv.queryCalls())

	seed(t, db, "user", "a3")
	got, err = db.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2", "a3"}, ids(got))
	assert.Equal(t, 2, drv.queryCalls())
}

func TestQueryRejectsInvalidShards(t *testing.T) {
	drv := setupDriver(t)
	_, err := setupDatabase(t, drv, Options{}).Query(context.Background(), model.Query{Type: "user", ThreadIndex: 3, ThreadCount: 2})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
	assert.Zero(t, drv.queryCalls())
}

func TestFailedLoadIsRetried(t *testing.T) {
	drv := setupDriver(t)
	seed(t, setupDatabase(t, drv, Options{}), "user", "u1")
	drv.failGets = 1
	db := setupDatabase(t, drv, Options{})

	_, err := db.Get(context.Background(), "user", "u1")
	assert.Equal(t, errors.ErrCodeBackendUnavailable, errors.GetCode(err))

	got, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
}

func TestPanickingBatchDoesNotStall(t *testing.T) {
	drv := setupDriver(t)
	db := setupDatabase(t, drv, Options{})
	seed(t, db, "user", "u1")
	drv.panicNext = true

	_, err := db.Query(context.Background(), model.Query{Type: "user"})
	assert.Equal(t, errors.ErrCodeInternal, errors.GetCode(err))

	got, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(context.Context, string, workerpool.Task) error {
	return workerpool.ErrQueueFull
}

func TestExecutors(t *testing.T) {
	pool := workerpool.New(workerpool.Config{Name: "dispatch", Workers: 2, QueueSize: 8}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})

	tests := []struct {
		name string
		exec Executor
	}{
		{name: "goroutine", exec: nil},
		{name: "pool", exec: pool},
		{name: "rejecting pool falls back", exec: rejectingExecutor{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupDatabase(t, setupDriver(t), Options{Executor: tt.exec})
			seed(t, db, "user", "u1")
			got, err := db.Get(context.Background(), "user", "u1")
			require.NoError(t, err)
			assert.Equal(t, "u1", got.ID)
		})
	}
}

func TestGetHonoursContext(t *testing.T) {
	drv := setupDriver(t)
	seed(t, setupDatabase(t, drv, Options{}), "user", "u1")
	drv.block = make(chan struct{})
	db := setupDatabase(t, drv, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.Get(ctx, "user", "u1")
	assert.True(t, stderrors.Is(err, context.Canceled))

	// The batch itself still completes for later callers.
	close(drv.block)
	got, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.ID)
}

func TestQueryHistory(t *testing.T) {
	db := setupDatabase(t, setupDriver(t), Options{})
	var items []*model.HistoryBackupItem
	for rev := int64(1); rev <= 3; rev++ {
		items = append(items, &model.HistoryBackupItem{
			OrganisationIDType: org + ":user",
			ID:                 "u1",
			Revision:           rev,
			UpdatedAt:          rev * 1000,
			Item:               &model.BackupPayload{ID: "u1", UpdatedAt: rev * 1000},
		})
	}
	require.NoError(t, db.RestoreHistoryBackup(context.Background(), items))

	q, err := model.NewQueryHistory("user").ID("u1").FromRevision(2).Build()
	require.NoError(t, err)
	got, err := db.QueryHistory(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Revision)
	assert.Equal(t, int64(3), got[1].Revision)

	backup, err := db.TakeHistoryBackup(context.Background())
	require.NoError(t, err)
	assert.Len(t, backup, 3)
}

func TestOrganisationScope(t *testing.T) {
	drv := setupDriver(t)
	m := NewManager(drv, Options{}, zap.NewNop(), nil)

	acme := m.New(context.Background(), org)
	seed(t, acme, "user", "u1")

	other := m.New(context.Background(), "other")
	got, err := other.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	other.SetOrganisationID(org)
	assert.Equal(t, org, other.OrganisationID())
	got, err = other.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, org, other.SourceOrganisationID(got))
}

func TestGlobalVisibleToEveryOrganisation(t *testing.T) {
	drv := setupDriver(t)
	db := setupDatabase(t, drv, Options{})
	e := model.NewEntity("plan", map[string]any{"tier": "free"})
	e.ID = "free"
	_, err := db.PutGlobal(context.Background(), e)
	require.NoError(t, err)

	got, err := setupDatabase(t, drv, Options{}).Get(context.Background(), "plan", "free")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.GlobalOrganisation, got.SourceOrganisationID)
}

func TestBackupAndDestroy(t *testing.T) {
	db := setupDatabase(t, setupDriver(t), Options{})
	seed(t, db, "user", "u1", "u2")

	items, err := db.TakeBackup(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 2)

	require.NoError(t, db.DestroyOrganisation(context.Background()))
	got, err := db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, db.RestoreBackup(context.Background(), items))
	got, err = db.Get(context.Background(), "user", "u1")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestScanTable(t *testing.T) {
	db := setupDatabase(t, setupDriver(t), Options{})
	seed(t, db, "user", "u1", "u2", "u3")

	var mu sync.Mutex
	seen := 0
	err := db.ScanTable(context.Background(), driver.TableScanQuery{Parallelism: 2}, func(ctx context.Context, item *driver.ScanItem) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, seen)
}

func TestLoaderOptions(t *testing.T) {
	tests := []struct {
		name      string
		opts      Options
		wantCalls int
	}{
		{name: "driver limit", opts: Options{}, wantCalls: 1},
		{name: "capped batches", opts: Options{MaxBatchSize: 2}, wantCalls: 2},
		{name: "unbatched", opts: Options{Unbatched: true}, wantCalls: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv := setupDriver(t)
			seed(t, setupDatabase(t, drv, Options{}), "user", "u1", "u2", "u3", "u4")

			got, err := setupDatabase(t, drv, tt.opts).GetMany(context.Background(), "user", []string{"u1", "u2", "u3", "u4"})
			require.NoError(t, err)
			assert.Len(t, got, 4)
			assert.Len(t, drv.getCalls(), tt.wantCalls)
		})
	}
}
