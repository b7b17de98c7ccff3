package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waiters[K ~string, V any](g *Group[K, V], key K) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.calls[key]; ok {
		return c.waiters
	}
	return 0
}

func TestGroupCollapsesConcurrentCalls(t *testing.T) {
	group := NewGroup[string, int](0)
	release := make(chan struct{})
	var calls atomic.Int32

	fn := func(context.Context) (int, error) {
		calls.Add(1)
		<-release
		return 42, nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]int, callers)
	sharedCount := atomic.Int32{}
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, shared, err := group.Do(context.Background(), "k", fn)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if shared {
				sharedCount.Add(1)
			}
			results[i] = v
		}()
	}

	require.Eventually(t, func() bool { return waiters(group, "k") == callers }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int32(callers-1), sharedCount.Load())
	for _, v := range results {
		require.Equal(t, 42, v)
	}
	require.Equal(t, 0, group.InFlight())
}

func TestGroupSharesErrorsAndFreesKey(t *testing.T) {
	group := NewGroup[string, int](0)
	boom := errors.New("upstream down")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, errs[i] = group.Do(context.Background(), "k", func(context.Context) (int, error) {
				<-release
				return 0, boom
			})
		}()
	}
	require.Eventually(t, func() bool { return waiters(group, "k") == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, boom)
	}

	v, shared, err := group.Do(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	require.False(t, shared, "a failed key must be free for a new call")
	require.Equal(t, 7, v)
}

func TestGroupKeysAreIndependent(t *testing.T) {
	group := NewGroup[string, string](0)
	block := make(chan struct{})
	defer close(block)

	go func() {
		_, _, _ = group.Do(context.Background(), "slow", func(context.Context) (string, error) {
			<-block
			return "slow", nil
		})
	}()
	require.Eventually(t, func() bool { return group.InFlight() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, shared, err := group.Do(ctx, "fast", func(context.Context) (string, error) { return "fast", nil })
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, "fast", v)
}

func TestGroupRecoversPanics(t *testing.T) {
	group := NewGroup[string, int](0)

	_, _, err := group.Do(context.Background(), "k", func(context.Context) (int, error) {
		panic("kaboom")
	})
	require.ErrorIs(t, err, ErrProducerPanic)
	require.ErrorContains(t, err, "kaboom")
	require.Equal(t, 0, group.InFlight())
}

func TestGroupTimeoutReachesProducer(t *testing.T) {
	group := NewGroup[string, int](20 * time.Millisecond)

	_, _, err := group.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGroupProducerOutlivesOneCaller(t *testing.T) {
	group := NewGroup[string, int](0)
	release := make(chan struct{})
	var producerCancelled atomic.Bool

	fn := func(ctx context.Context) (int, error) {
		select {
		case <-release:
			return 1, nil
		case <-ctx.Done():
			producerCancelled.Store(true)
			return 0, ctx.Err()
		}
	}

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderDone := make(chan error, 1)
	go func() {
		_, _, err := group.Do(leaderCtx, "k", fn)
		leaderDone <- err
	}()
	require.Eventually(t, func() bool { return group.InFlight() == 1 }, time.Second, time.Millisecond)

	joinerDone := make(chan int, 1)
	go func() {
		v, _, _ := group.Do(context.Background(), "k", fn)
		joinerDone <- v
	}()
	require.Eventually(t, func() bool { return waiters(group, "k") == 2 }, time.Second, time.Millisecond)

	cancelLeader()
	require.ErrorIs(t, <-leaderDone, context.Canceled)

	close(release)
	require.Equal(t, 1, <-joinerDone)
	require.False(t, producerCancelled.Load())
}

func TestGroupCancelsProducerWhenAllCallersLeave(t *testing.T) {
	group := NewGroup[string, int](0)
	cancelled := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, _, err := group.Do(ctx, "k", func(pctx context.Context) (int, error) {
			<-pctx.Done()
			close(cancelled)
			return 0, pctx.Err()
		})
		done <- err
	}()
	require.Eventually(t, func() bool { return group.InFlight() == 1 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatalf("producer was not cancelled after its last caller left")
	}
	require.Eventually(t, func() bool { return group.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestGroupWaitsForCancelledProducerBeforeStartingAnother(t *testing.T) {
	group := NewGroup[string, int](0)
	unwind := make(chan struct{})
	var running, maxRunning, started atomic.Int32
	track := func() func() {
		started.Add(1)
		n := running.Add(1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		return func() { running.Add(-1) }
	}

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, _, err := group.Do(ctx, "k", func(pctx context.Context) (int, error) {
			defer track()()
			<-pctx.Done()
			// Slow to honour cancellation.
			<-unwind
			return 0, pctx.Err()
		})
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-firstDone, context.Canceled)

	secondDone := make(chan int, 1)
	go func() {
		v, shared, err := group.Do(context.Background(), "k", func(context.Context) (int, error) {
			defer track()()
			return 2, nil
		})
		if err != nil || shared {
			secondDone <- -1
			return
		}
		secondDone <- v
	}()

	require.Never(t, func() bool { return started.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	require.Equal(t, 1, group.InFlight())

	close(unwind)
	require.Equal(t, 2, <-secondDone)
	require.EqualValues(t, 2, started.Load())
	require.EqualValues(t, 1, maxRunning.Load())
	require.Eventually(t, func() bool { return group.InFlight() == 0 }, time.Second, time.Millisecond)
}

func TestGroupCallerLeavesWhileCancelledProducerUnwinds(t *testing.T) {
	group := NewGroup[string, int](0)
	unwind := make(chan struct{})
	defer close(unwind)

	ctx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, _, _ = group.Do(ctx, "k", func(pctx context.Context) (int, error) {
			<-pctx.Done()
			<-unwind
			return 0, pctx.Err()
		})
	}()
	require.Eventually(t, func() bool { return group.InFlight() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-firstDone

	shortCtx, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, _, err := group.Do(shortCtx, "k", func(context.Context) (int, error) {
		t.Error("a second producer must not start while the first unwinds")
		return 0, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
