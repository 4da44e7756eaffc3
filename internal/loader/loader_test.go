package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingFetch struct {
	mu      sync.Mutex
	batches [][]string
	fail    error
}

func (r *recordingFetch) fetch(_ context.Context, keys []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]string(nil), keys...))
	if r.fail != nil {
		return nil, r.fail
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = "value-" + k
	}
	return out, nil
}

func (r *recordingFetch) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func setupLoader(t *testing.T, opts Options) (*Loader[string, string], *recordingFetch) {
	t.Helper()
	rec := &recordingFetch{}
	return New[string, string](rec.fetch, opts, zap.NewNop(), nil), rec
}

func getWithin(t *testing.T, f *Future[string]) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.Get(ctx)
}

func TestLoadDeduplicatesBeforeDispatch(t *testing.T) {
	l, rec := setupLoader(t, Options{Name: "items", Batching: true})

	var wg sync.WaitGroup
	futures := make([]*Future[string], 20)
	for i := range futures {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = l.Load("a")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, l.DispatchDepth())
	l.Dispatch(context.Background())

	for _, f := range futures {
		assert.Same(t, futures[0], f)
		v, err := getWithin(t, f)
		require.NoError(t, err)
		assert.Equal(t, "value-a", v)
	}
	assert.Equal(t, 1, rec.calls())
}

func TestGroupedBatchingRespectsMaxBatchSize(t *testing.T) {
	l, rec := setupLoader(t, Options{Name: "items", Batching: true, MaxBatchSize: 2})

	many := l.LoadMany([]string{"a", "b", "c", "a"})
	assert.Equal(t, 3, l.DispatchDepth())
	l.Dispatch(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	values, err := many.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"value-a", "value-b", "value-c", "value-a"}, values)
	assert.Equal(t, 2, rec.calls())
	assert.Equal(t, 0, l.DispatchDepth())
}

func TestImmediatePolicyIssuesOneCallPerKey(t *testing.T) {
	l, rec := setupLoader(t, Options{Name: "queries", Batching: false})

	fa := l.Load("a")
	fb := l.Load("b")
	l.Dispatch(context.Background())

	_, err := getWithin(t, fa)
	require.NoError(t, err)
	_, err = getWithin(t, fb)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.calls())
}

func TestCompletedResultIsCachedUntilCleared(t *testing.T) {
	l, rec := setupLoader(t, Options{Name: "items", Batching: true})

	first := l.Load("a")
	l.Dispatch(context.Background())
	_, err := getWithin(t, first)
	require.NoError(t, err)

	assert.Same(t, first, l.Load("a"))
	assert.Equal(t, 0, l.DispatchDepth())

	l.Clear("a")
	again := l.Load("a")
	assert.NotSame(t, first, again)
	l.Dispatch(context.Background())
	_, err = getWithin(t, again)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.calls())

	l.ClearAll()
	assert.NotSame(t, again, l.Load("a"))
}

func TestFailedBatchFailsEveryFutureAndIsRetried(t *testing.T) {
	l, rec := setupLoader(t, Options{Name: "items", Batching: true})
	boom := errors.New("backend down")
	rec.fail = boom

	fa := l.Load("a")
	fb := l.Load("b")
	l.Dispatch(context.Background())

	_, err := getWithin(t, fa)
	assert.ErrorIs(t, err, boom)
	_, err = getWithin(t, fb)
	assert.ErrorIs(t, err, boom)

	rec.mu.Lock()
	rec.fail = nil
	rec.mu.Unlock()

	retry := l.Load("a")
	assert.NotSame(t, fa, retry)
	l.Dispatch(context.Background())
	v, err := getWithin(t, retry)
	require.NoError(t, err)
	assert.Equal(t, "value-a", v)
}

func TestMismatchedBatchLengthFails(t *testing.T) {
	var calls int32
	l := New[string, string](func(_ context.Context, keys []string) ([]string, error) {
		atomic.AddInt32(&calls, 1)
		return []string{"only-one"}, nil
	}, Options{Name: "items", Batching: true}, zap.NewNop(), nil)

	fa := l.Load("a")
	l.Load("b")
	l.Dispatch(context.Background())

	_, err := getWithin(t, fa)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned 1 values for 2 keys")
}

func TestPanickingBatchFunctionFailsFutures(t *testing.T) {
	l := New[string, string](func(_ context.Context, keys []string) ([]string, error) {
		panic("kaboom")
	}, Options{Name: "items", Batching: true}, zap.NewNop(), nil)

	f := l.Load("a")
	l.Dispatch(context.Background())

	_, err := getWithin(t, f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
