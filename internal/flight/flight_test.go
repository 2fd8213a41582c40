package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aweris/buildcas/internal/digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentCallersShareOneFetch(t *testing.T) {
	var g Group
	d := digest.Compute([]byte("shared"))

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) error {
		calls.Add(1)
		<-release
		return nil
	}

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = g.Do(context.Background(), d, fetch)
		}()
	}

	require.Eventually(t, func() bool { return g.InFlight(d) }, time.Second, time.Millisecond)
	// Give the remaining goroutines time to join before releasing.
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.False(t, g.InFlight(d))
	assert.Zero(t, g.Len())
}

func TestErrorIsSharedWithJoiners(t *testing.T) {
	var g Group
	d := digest.Compute([]byte("failing"))
	boom := errors.New("boom")

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = g.Do(context.Background(), d, func(context.Context) error {
			close(started)
			<-release
			return boom
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		shared, err := g.Do(context.Background(), d, func(context.Context) error {
			t.Error("joiner must not start a second fetch")
			return nil
		})
		assert.True(t, shared)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)
	assert.ErrorIs(t, <-done, boom)
}

func TestCancelledWaiterDoesNotAbortFetch(t *testing.T) {
	var g Group
	d := digest.Compute([]byte("cancel"))

	release := make(chan struct{})
	var fetchCtxErr atomic.Value
	finished := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := g.Do(ctx, d, func(fctx context.Context) error {
			<-release
			if err := fctx.Err(); err != nil {
				fetchCtxErr.Store(err)
			}
			close(finished)
			return nil
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return g.InFlight(d) }, time.Second, time.Millisecond)

	other := make(chan error, 1)
	go func() {
		_, err := g.Do(context.Background(), d, func(context.Context) error { return nil })
		other <- err
	}()

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.True(t, g.InFlight(d), "fetch must survive the first caller leaving")

	close(release)
	<-finished
	assert.NoError(t, <-other)
	assert.Nil(t, fetchCtxErr.Load())
}

func TestPanicIsReported(t *testing.T) {
	var g Group
	d := digest.Compute([]byte("panic"))

	_, err := g.Do(context.Background(), d, func(context.Context) error { panic("bad") })

	var perr *PanicError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "bad", perr.Value)
	assert.False(t, g.InFlight(d))
}
