package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewPoolHonorsConfiguredSize(t *testing.T) {
	pool := NewPool(Config{Workers: 4, QueueSize: 100})
	defer pool.Close()

	require.Equal(t, 4, pool.size)
	require.Equal(t, 100, pool.queueCap)
}

func TestNewPoolAppliesDefaults(t *testing.T) {
	pool := NewPool(Config{})
	defer pool.Close()

	require.NotZero(t, pool.size)
	require.NotZero(t, pool.queueCap)
}

func TestSubmitRunsJobAndReportsCompletion(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10})
	defer pool.Close()

	var ran atomic.Bool
	job := JobFunc(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, pool.Submit(context.Background(), job))
	require.True(t, ran.Load())
	require.Equal(t, uint64(1), pool.GetStats().Completed)
}

func TestSubmitPropagatesJobError(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10})
	defer pool.Close()

	wantErr := errors.New("job failed")
	job := JobFunc(func(ctx context.Context) error { return wantErr })

	require.Equal(t, wantErr, pool.Submit(context.Background(), job))
	require.Equal(t, uint64(1), pool.GetStats().Failed)
}

func TestSubmitRespectsCanceledContext(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10})
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := JobFunc(func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})

	err := pool.Submit(ctx, job)
	require.True(t, err == context.Canceled || err == ErrJobTimeout, "got %v", err)
}

func TestSubmitRecoversJobPanic(t *testing.T) {
	var caught atomic.Bool
	pool := NewPool(Config{
		Workers:      2,
		QueueSize:    10,
		PanicHandler: func(r interface{}) { caught.Store(true) },
	})
	defer pool.Close()

	job := JobFunc(func(ctx context.Context) error { panic("boom") })

	require.Error(t, pool.Submit(context.Background(), job))
	require.True(t, caught.Load())
	require.Equal(t, uint64(1), pool.GetStats().Failed)
}

func TestTrySubmitRejectsWhenQueueIsFull(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 1})
	defer pool.Close()

	slow := JobFunc(func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	})
	pool.SubmitAsync(context.Background(), slow)
	pool.SubmitAsync(context.Background(), slow)

	err := pool.TrySubmit(context.Background(), JobFunc(func(ctx context.Context) error { return nil }))
	require.ErrorIs(t, err, ErrQueueFull)
	require.NotZero(t, pool.GetStats().Rejected)
}

func TestSubmitAsyncReturnsBeforeJobCompletes(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10})
	defer pool.Close()

	var ran atomic.Bool
	job := JobFunc(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	require.NoError(t, pool.SubmitAsync(context.Background(), job))
	require.Eventually(t, ran.Load, 200*time.Millisecond, time.Millisecond)
}

func TestCloseDrainsInFlightJobsThenRejects(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10})

	for i := 0; i < 5; i++ {
		pool.SubmitAsync(context.Background(), JobFunc(func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		}))
	}

	require.NoError(t, pool.Close())
	require.ErrorIs(t, pool.Submit(context.Background(), JobFunc(func(ctx context.Context) error { return nil })), ErrPoolClosed)
}

func TestCloseTimeoutReturnsErrorWhenJobOutlivesDeadline(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 10})

	pool.SubmitAsync(context.Background(), JobFunc(func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	}))

	require.Error(t, pool.CloseTimeout(10*time.Millisecond))
}

func TestPoolServesConcurrentSubmissions(t *testing.T) {
	pool := NewPool(Config{Workers: 4, QueueSize: 100})
	defer pool.Close()

	const jobs = 100
	var completed atomic.Uint64

	var wg sync.WaitGroup
	wg.Add(jobs)
	for i := 0; i < jobs; i++ {
		go func() {
			defer wg.Done()
			job := JobFunc(func(ctx context.Context) error {
				time.Sleep(time.Millisecond)
				completed.Add(1)
				return nil
			})
			require.NoError(t, pool.Submit(context.Background(), job))
		}()
	}
	wg.Wait()

	require.Equal(t, uint64(jobs), completed.Load())
	stats := pool.GetStats()
	require.Equal(t, uint64(jobs), stats.Submitted)
	require.Equal(t, uint64(jobs), stats.Completed)
}

func TestStatsTallySubmittedCompletedAndFailed(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10})
	defer pool.Close()

	pool.Submit(context.Background(), JobFunc(func(ctx context.Context) error { return nil }))
	pool.Submit(context.Background(), JobFunc(func(ctx context.Context) error { return errors.New("fail") }))

	stats := pool.GetStats()
	require.Equal(t, uint64(2), stats.Submitted)
	require.Equal(t, uint64(1), stats.Completed)
	require.Equal(t, uint64(1), stats.Failed)
}

func TestQueueTimeoutFiresWhenQueueStaysFull(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 1, QueueTimeout: 50 * time.Millisecond})
	defer pool.Close()

	slow := JobFunc(func(ctx context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	pool.SubmitAsync(context.Background(), slow)
	pool.SubmitAsync(context.Background(), slow)

	err := pool.Submit(context.Background(), JobFunc(func(ctx context.Context) error { return nil }))
	require.ErrorIs(t, err, ErrJobTimeout)
	require.NotZero(t, pool.GetStats().TimedOut)
}

func TestResizeGrowsWorkerCountAndStaysUsable(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 100})
	defer pool.Close()

	require.NoError(t, pool.Resize(4))
	require.Equal(t, 4, pool.size)

	const jobs = 10
	for i := 0; i < jobs; i++ {
		pool.SubmitAsync(context.Background(), JobFunc(func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		}))
	}

	require.Eventually(t, func() bool {
		return pool.GetStats().Completed == jobs
	}, 200*time.Millisecond, time.Millisecond)
}

func TestIsHealthyReflectsPoolState(t *testing.T) {
	pool := NewPool(Config{Workers: 2, QueueSize: 10})
	defer pool.Close()

	require.True(t, pool.IsHealthy())

	for i := 0; i < 5; i++ {
		pool.SubmitAsync(context.Background(), JobFunc(func(ctx context.Context) error { return nil }))
	}
	require.Eventually(t, func() bool { return pool.GetStats().Completed == 5 }, 200*time.Millisecond, time.Millisecond)
	require.True(t, pool.IsHealthy())

	pool.Close()
	require.False(t, pool.IsHealthy())
}

func TestQueueDepthReflectsBacklog(t *testing.T) {
	pool := NewPool(Config{Workers: 1, QueueSize: 100})
	defer pool.Close()

	pool.SubmitAsync(context.Background(), JobFunc(func(ctx context.Context) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}))
	for i := 0; i < 10; i++ {
		pool.SubmitAsync(context.Background(), JobFunc(func(ctx context.Context) error { return nil }))
	}

	depth := pool.QueueDepth()
	require.NotZero(t, depth)
	require.LessOrEqual(t, depth, 11)
}

func BenchmarkSubmit(b *testing.B) {
	pool := NewPool(Config{Workers: 4, QueueSize: 1000})
	defer pool.Close()
	job := JobFunc(func(ctx context.Context) error { return nil })

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit(context.Background(), job)
	}
}

func BenchmarkSubmitAsync(b *testing.B) {
	pool := NewPool(Config{Workers: 4, QueueSize: 1000})
	defer pool.Close()
	job := JobFunc(func(ctx context.Context) error { return nil })

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.SubmitAsync(context.Background(), job)
	}
}

func BenchmarkSubmitConcurrent(b *testing.B) {
	pool := NewPool(Config{Workers: 4, QueueSize: 10000})
	defer pool.Close()
	job := JobFunc(func(ctx context.Context) error { return nil })

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pool.SubmitAsync(context.Background(), job)
		}
	})
}
