package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/retry"
)

// memTransport is an in-memory Transport with programmable failures.
type memTransport struct {
	mu      sync.Mutex
	blobs   map[digest.Digest][]byte
	actions map[digest.Digest]*remoteexecution.ActionResult

	findCalls   atomic.Int32
	readCalls   atomic.Int32
	writeCalls  atomic.Int32
	invalidated atomic.Int32
	maxBatch    int

	// failures are returned, in order, before calls start succeeding.
	failures []error
	// corrupt makes Read return wrong bytes.
	corrupt bool
}

func newMemTransport() *memTransport {
	return &memTransport{
		blobs:   make(map[digest.Digest][]byte),
		actions: make(map[digest.Digest]*remoteexecution.ActionResult),
	}
}

func (m *memTransport) put(data []byte) digest.Digest {
	d := digest.Compute(data)
	m.mu.Lock()
	m.blobs[d] = data
	m.mu.Unlock()
	return d
}

func (m *memTransport) fail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failures) == 0 {
		return nil
	}
	err := m.failures[0]
	m.failures = m.failures[1:]
	return err
}

func (m *memTransport) FindMissing(_ context.Context, ds []digest.Digest) ([]digest.Digest, error) {
	m.findCalls.Add(1)
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxBatch > 0 && len(ds) > m.maxBatch {
		return nil, caserr.Fatal(fmt.Errorf("batch of %d exceeds %d", len(ds), m.maxBatch))
	}
	var missing []digest.Digest
	for _, d := range ds {
		if _, ok := m.blobs[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (m *memTransport) Read(_ context.Context, d digest.Digest) ([]byte, error) {
	m.readCalls.Add(1)
	if err := m.fail(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[d]
	if !ok {
		return nil, caserr.NotFound(errors.New("no such blob"))
	}
	if m.corrupt {
		return []byte("garbage"), nil
	}
	return data, nil
}

func (m *memTransport) Write(_ context.Context, d digest.Digest, data []byte) error {
	m.writeCalls.Add(1)
	if err := m.fail(); err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[d] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

func (m *memTransport) GetActionResult(_ context.Context, d digest.Digest) (*remoteexecution.ActionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.actions[d]
	if !ok {
		return nil, caserr.NotFound(errors.New("no such action"))
	}
	return res, nil
}

func (m *memTransport) UpdateActionResult(_ context.Context, d digest.Digest, res *remoteexecution.ActionResult) error {
	m.mu.Lock()
	m.actions[d] = res
	m.mu.Unlock()
	return nil
}

func (m *memTransport) InvalidateCredentials() { m.invalidated.Add(1) }
func (m *memTransport) Close() error           { return nil }

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t Transport, mutate ...func(*Options)) *Client {
	opts := Options{
		Retry:        retry.Policy{BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond, MaxAttempts: 4},
		MaxBatchSize: 10,
		RetryOptions: []retry.Option{retry.WithSleep(noSleep)},
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return NewClient(t, opts)
}

func digests(n int) []digest.Digest {
	out := make([]digest.Digest, n)
	for i := range out {
		out[i] = digest.Compute([]byte(fmt.Sprintf("blob-%d", i)))
	}
	return out
}

func TestFindMissingSplitsBatches(t *testing.T) {
	for _, tc := range []struct {
		n, calls int
	}{
		{n: 1, calls: 1},
		{n: 10, calls: 1},
		{n: 11, calls: 2},
		{n: 95, calls: 10},
	} {
		t.Run(fmt.Sprint(tc.n), func(t *testing.T) {
			mt := newMemTransport()
			mt.maxBatch = 10
			c := newTestClient(mt)

			ds := digests(tc.n)
			mt.put([]byte("blob-0"))

			missing, err := c.FindMissing(context.Background(), ds)
			require.NoError(t, err)
			assert.Equal(t, int32(tc.calls), mt.findCalls.Load())
			assert.ElementsMatch(t, ds[1:], missing)
		})
	}
}

func TestFindMissingDedupesAndSkipsEmpty(t *testing.T) {
	mt := newMemTransport()
	c := newTestClient(mt)
	d := digest.Compute([]byte("x"))

	missing, err := c.FindMissing(context.Background(), []digest.Digest{d, d, digest.Empty})
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{d}, missing)

	missing, err = c.FindMissing(context.Background(), []digest.Digest{digest.Empty})
	require.NoError(t, err)
	assert.Empty(t, missing)
	assert.Equal(t, int32(1), mt.findCalls.Load())
}

func TestDownloadVerifies(t *testing.T) {
	mt := newMemTransport()
	d := mt.put([]byte("payload"))
	mt.corrupt = true
	c := newTestClient(mt)

	_, err := c.Download(context.Background(), d)
	require.ErrorIs(t, err, caserr.ErrCorruption)
	assert.Equal(t, int32(1), mt.readCalls.Load(), "corruption is not retried")
}

func TestDownloadRetriesTransient(t *testing.T) {
	mt := newMemTransport()
	d := mt.put([]byte("payload"))
	mt.failures = []error{caserr.Transient(errors.New("reset")), caserr.Transient(errors.New("reset"))}
	c := newTestClient(mt)

	data, err := c.Download(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
	assert.Equal(t, int32(3), mt.readCalls.Load())
}

func TestDownloadGivesUp(t *testing.T) {
	mt := newMemTransport()
	d := mt.put([]byte("payload"))
	for i := 0; i < 10; i++ {
		mt.failures = append(mt.failures, caserr.Transient(errors.New("unavailable")))
	}
	c := newTestClient(mt)

	_, err := c.Download(context.Background(), d)
	require.ErrorIs(t, err, caserr.ErrRemoteUnavailable)
	assert.Equal(t, int32(4), mt.readCalls.Load())
}

func TestDownloadNotFound(t *testing.T) {
	c := newTestClient(newMemTransport())
	_, err := c.Download(context.Background(), digest.Compute([]byte("nope")))
	assert.ErrorIs(t, err, caserr.ErrNotFound)
}

func TestDownloadEmptySkipsTransport(t *testing.T) {
	mt := newMemTransport()
	c := newTestClient(mt)
	data, err := c.Download(context.Background(), digest.Empty)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Zero(t, mt.readCalls.Load())
}

func TestUnauthenticatedRefreshesCredentials(t *testing.T) {
	mt := newMemTransport()
	d := mt.put([]byte("secret"))
	mt.failures = []error{unauthenticated(errors.New("token expired"))}
	c := newTestClient(mt)

	data, err := c.Download(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), data)
	assert.Equal(t, int32(1), mt.invalidated.Load())
}

func TestUnauthenticatedTwiceIsFatal(t *testing.T) {
	mt := newMemTransport()
	d := mt.put([]byte("secret"))
	mt.failures = []error{unauthenticated(errors.New("bad")), unauthenticated(errors.New("still bad"))}
	c := newTestClient(mt)

	_, err := c.Download(context.Background(), d)
	require.ErrorIs(t, err, caserr.ErrFatalProtocol)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	c := newTestClient(slowTransport{newMemTransport()}, func(o *Options) {
		o.AttemptTimeout = 10 * time.Millisecond
		o.Retry.MaxAttempts = 2
	})
	_, err := c.Download(context.Background(), digest.Compute([]byte("slow")))
	assert.ErrorIs(t, err, caserr.ErrRemoteUnavailable)
}

type slowTransport struct{ *memTransport }

func (slowTransport) Read(ctx context.Context, _ digest.Digest) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestUploadMissingUploadsOnlyMissing(t *testing.T) {
	mt := newMemTransport()
	present := mt.put([]byte("present"))
	absent := digest.Compute([]byte("absent"))
	c := newTestClient(mt)

	local := map[digest.Digest][]byte{absent: []byte("absent"), present: []byte("present")}
	uploaded, err := c.UploadMissing(context.Background(), []digest.Digest{present, absent},
		func(_ context.Context, d digest.Digest) ([]byte, error) { return local[d], nil })
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{absent}, uploaded)
	assert.Equal(t, int32(1), mt.writeCalls.Load())
}

func TestUploadRejectsMismatch(t *testing.T) {
	mt := newMemTransport()
	c := newTestClient(mt)
	err := c.Upload(context.Background(), digest.Compute([]byte("a")), []byte("b"))
	assert.ErrorIs(t, err, caserr.ErrCorruption)
	assert.Zero(t, mt.writeCalls.Load())
}

func TestActionResults(t *testing.T) {
	c := newTestClient(newMemTransport())
	ctx := context.Background()
	action := digest.Compute([]byte("action"))

	_, err := c.GetActionResult(ctx, action)
	require.ErrorIs(t, err, caserr.ErrNotFound)

	require.NoError(t, c.UpdateActionResult(ctx, action, &remoteexecution.ActionResult{ExitCode: 3}))
	res, err := c.GetActionResult(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, int32(3), res.GetExitCode())
}

func TestSplit(t *testing.T) {
	ds := digests(25)
	batches := split(ds, 10)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[2], 5)
}
