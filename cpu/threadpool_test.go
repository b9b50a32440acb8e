package cpu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	for _, p := range []Priority{PriorityNormal, PriorityMedium, PriorityHigh, PriorityRealtime} {
		assert.Equal(t, p, must.M1(ParsePriority(p.String())))
	}
	assert.Equal(t, PriorityHigh, must.M1(ParsePriority("HIGH")))
	_, err := ParsePriority("low")
	require.Error(t, err)
	assert.Equal(t, "invalid", Priority(10).String())
}

func TestPartition(t *testing.T) {
	for _, n := range []int{0, 1, 5, 16, 37} {
		for nth := 1; nth <= 8; nth++ {
			next := 0
			for ith := range nth {
				p := &computeParams{ith: ith, nth: nth}
				start, end := p.partition(n)
				require.LessOrEqual(t, start, end)
				if start < end {
					require.Equal(t, next, start, "n=%d, nth=%d, ith=%d", n, nth, ith)
					next = end
				}
			}
			require.Equal(t, n, next, "n=%d, nth=%d: all items must be covered", n, nth)
		}
	}
}

func TestThreadPool(t *testing.T) {
	_, err := NewThreadPool(ThreadPoolParams{NumThreads: 0})
	require.Error(t, err)
	_, err = NewThreadPool(ThreadPoolParams{NumThreads: 2, Poll: MaxPoll + 1})
	require.Error(t, err)

	for _, poll := range []int{0, 1, MaxPoll} {
		params := DefaultThreadPoolParams(4)
		params.Poll = poll
		params.Paused = true
		params.CPUMask = []bool{true}
		pool := must.M1(NewThreadPool(params))
		assert.True(t, pool.IsPaused())

		for range 20 {
			var seen [4]atomic.Int32
			bar := newBarrier(3, poll)
			require.NoError(t, pool.run(3, func(ith int) {
				seen[ith].Add(1)
				bar.wait()
				bar.wait()
			}))
			assert.False(t, pool.IsPaused(), "run resumes the pool")
			for ith := range 3 {
				assert.Equal(t, int32(1), seen[ith].Load())
			}
			assert.Equal(t, int32(0), seen[3].Load())
		}

		pool.Pause()
		assert.True(t, pool.IsPaused())
		pool.Resume()
		assert.False(t, pool.IsPaused())
		require.NoError(t, pool.Close())
		require.NoError(t, pool.Close())
		require.Error(t, pool.run(2, func(int) {}))
	}
}

func TestBarrier(t *testing.T) {
	const numThreads, rounds = 4, 50
	pool := must.M1(NewThreadPool(DefaultThreadPoolParams(numThreads)))
	defer func() { require.NoError(t, pool.Close()) }()

	// Every thread must see all the increments of the previous round.
	var counter atomic.Int32
	bar := newBarrier(numThreads, 1)
	var failures atomic.Int32
	require.NoError(t, pool.run(numThreads, func(ith int) {
		for round := range rounds {
			counter.Add(1)
			bar.wait()
			if counter.Load() != int32((round+1)*numThreads) {
				failures.Add(1)
			}
			bar.wait()
		}
	}))
	assert.Equal(t, int32(0), failures.Load())
	assert.Equal(t, int32(numThreads*rounds), counter.Load())
}

// Pausing while jobs are being posted must not leave a worker parked with a job to run.
func TestPauseWhileRunning(t *testing.T) {
	params := DefaultThreadPoolParams(4)
	params.Poll = 0
	pool := must.M1(NewThreadPool(params))
	defer func() { require.NoError(t, pool.Close()) }()

	var stop atomic.Bool
	pauserDone := make(chan struct{})
	go func() {
		defer close(pauserDone)
		for !stop.Load() {
			pool.Pause()
		}
	}()

	runsDone := make(chan error, 1)
	go func() {
		bar := newBarrier(4, 0)
		for range 20000 {
			if err := pool.run(4, func(int) { bar.wait() }); err != nil {
				runsDone <- err
				return
			}
		}
		runsDone <- nil
	}()

	select {
	case err := <-runsDone:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		require.FailNow(t, "thread pool blocked after a concurrent Pause")
	}
	stop.Store(true)
	<-pauserDone
}
