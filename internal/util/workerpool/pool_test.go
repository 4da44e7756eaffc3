package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupPool(t *testing.T, workers, queue int) *Pool {
	t.Helper()
	p := New(Config{Name: "test", Workers: workers, QueueSize: queue}, zap.NewNop())
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p
}

func TestSubmitRunsTasks(t *testing.T) {
	p := setupPool(t, 4, 16)

	var (
		wg  sync.WaitGroup
		ran atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), "count", func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(10), ran.Load())
	assert.Eventually(t, func() bool { return p.Stats().Executed == 10 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(10), p.Stats().Submitted)
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	p := setupPool(t, 1, 1)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "block", func(context.Context) {
		close(started)
		<-release
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), "queued", func(context.Context) {}))

	err := p.Submit(context.Background(), "overflow", func(context.Context) {})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), p.Stats().Rejected)
	assert.Equal(t, 100.0, p.Stats().QueueUtilization())
	close(release)
}

func TestPanicIsRecovered(t *testing.T) {
	p := setupPool(t, 1, 4)

	require.NoError(t, p.Submit(context.Background(), "panic", func(context.Context) { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "after", func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive the panic")
	}
	assert.Equal(t, uint64(1), p.Stats().Panicked)
}

func TestStopDrainsQueue(t *testing.T) {
	p := New(Config{Name: "drain", Workers: 1, QueueSize: 8}, zap.NewNop())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), "work", func(context.Context) {
			time.Sleep(time.Millisecond)
			ran.Add(1)
		}))
	}
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, int32(5), ran.Load())

	err := p.Submit(context.Background(), "late", func(context.Context) {})
	assert.ErrorIs(t, err, ErrStopped)
	require.NoError(t, p.Stop(context.Background()))
}

func TestStopTimesOut(t *testing.T) {
	p := New(Config{Name: "slow", Workers: 1, QueueSize: 1}, zap.NewNop())
	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), "slow", func(context.Context) { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, p.Stop(context.Background()))
}
