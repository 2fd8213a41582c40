// Package remote talks to a remote content-addressed store.
//
// A Transport performs single protocol attempts and classifies failures with
// the caserr sentinels. Client layers the shared retry policy, a concurrency
// limit, per-attempt timeouts, batch splitting and digest verification on top.
package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/logging"
	"github.com/aweris/buildcas/internal/metrics"
	"github.com/aweris/buildcas/internal/retry"
)

// ErrUnauthenticated marks a rejection of the presented credentials. It is
// always wrapped together with caserr.ErrFatalProtocol.
var ErrUnauthenticated = errors.New("remote: unauthenticated")

func unauthenticated(err error) error {
	return caserr.Fatal(fmt.Errorf("%w: %w", ErrUnauthenticated, err))
}

// Transport is one remote protocol. Every method is a single attempt.
type Transport interface {
	// FindMissing returns the subset of digests the remote does not hold.
	FindMissing(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error)
	// Read returns the full content of d. Missing content is caserr.ErrNotFound.
	Read(ctx context.Context, d digest.Digest) ([]byte, error)
	// Write stores data under d.
	Write(ctx context.Context, d digest.Digest, data []byte) error
	GetActionResult(ctx context.Context, action digest.Digest) (*remoteexecution.ActionResult, error)
	UpdateActionResult(ctx context.Context, action digest.Digest, result *remoteexecution.ActionResult) error
	// InvalidateCredentials drops cached credentials so the next attempt
	// reloads them.
	InvalidateCredentials()
	Close() error
}

const (
	DefaultConcurrency    = 16
	DefaultMaxBatchSize   = 1000
	DefaultAttemptTimeout = time.Minute
)

// Options configures a Client.
type Options struct {
	Retry retry.Policy
	// AttemptTimeout bounds each attempt. Expiry is a transient error.
	AttemptTimeout time.Duration
	// Concurrency bounds the attempts in flight.
	Concurrency int
	// MaxBatchSize bounds the digests per FindMissing request.
	MaxBatchSize int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// RetryOptions are passed to every retry loop, e.g. retry.WithSleep.
	RetryOptions []retry.Option
}

// Client is safe for concurrent use.
type Client struct {
	t    Transport
	opts Options
	sem  *semaphore.Weighted
	log  *zap.Logger
	m    *metrics.Metrics
}

// NewClient wraps t.
func NewClient(t Transport, opts Options) *Client {
	if opts.Retry == (retry.Policy{}) {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	c := &Client{
		t:    t,
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
		log:  logging.OrNop(opts.Logger).Named("remote"),
		m:    metrics.OrDiscard(opts.Metrics),
	}
	return c
}

// Close closes the transport.
func (c *Client) Close() error { return c.t.Close() }

// InvalidateCredentials forces the transport to reload its credentials.
func (c *Client) InvalidateCredentials() { c.t.InvalidateCredentials() }

// do runs fn under the retry policy. Each attempt holds a semaphore slot and
// its own timeout. A credential rejection invalidates the credentials and is
// retried once immediately.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opts := append([]retry.Option{
		retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			c.m.RemoteRetries.Inc()
			c.log.Debug("retrying remote call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}),
	}, c.opts.RetryOptions...)

	refreshed := false
	return retry.Do(ctx, c.opts.Retry, func(ctx context.Context) error {
		for {
			err := c.attempt(ctx, op, fn)
			if err != nil && !refreshed && errors.Is(err, ErrUnauthenticated) {
				refreshed = true
				c.log.Info("credentials rejected, reloading", zap.String("op", op))
				c.t.InvalidateCredentials()
				continue
			}
			return err
		}
	}, opts...)
}

func (c *Client) attempt(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.sem.Release(1)

	actx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	start := time.Now()
	err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !caserr.IsRetryable(err) {
		err = caserr.Transient(fmt.Errorf("%s: attempt timed out after %s: %w", op, c.opts.AttemptTimeout, err))
	}
	c.m.RemoteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	c.m.RemoteRequests.WithLabelValues(op, outcome(err)).Inc()
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, caserr.ErrNotFound):
		return "not_found"
	case errors.Is(err, caserr.ErrTransient):
		return "transient"
	case errors.Is(err, caserr.ErrFatalProtocol):
		return "fatal"
	case errors.Is(err, caserr.ErrCorruption):
		return "corrupt"
	default:
		return "error"
	}
}

// FindMissing returns the digests the remote lacks. Large inputs are split
// into requests of at most MaxBatchSize digests issued concurrently.
func (c *Client) FindMissing(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	seen := digest.NewSet()
	var unique []digest.Digest
	for _, d := range digests {
		if d.IsEmpty() || seen.Has(d) {
			continue
		}
		seen.Add(d)
		unique = append(unique, d)
	}
	if len(unique) == 0 {
		return nil, nil
	}

	batches := split(unique, c.opts.MaxBatchSize)
	if len(batches) == 1 {
		return c.findMissingBatch(ctx, batches[0])
	}

	p := pool.NewWithResults[[]digest.Digest]().
		WithContext(ctx).
		WithMaxGoroutines(c.opts.Concurrency).
		WithCancelOnError().
		WithFirstError()
	for _, batch := range batches {
		p.Go(func(ctx context.Context) ([]digest.Digest, error) {
			return c.findMissingBatch(ctx, batch)
		})
	}
	results, err := p.Wait()
	if err != nil {
		return nil, err
	}
	var missing []digest.Digest
	for _, r := range results {
		missing = append(missing, r...)
	}
	return missing, nil
}

func (c *Client) findMissingBatch(ctx context.Context, batch []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	err := c.do(ctx, "find_missing", func(ctx context.Context) error {
		var err error
		missing, err = c.t.FindMissing(ctx, batch)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("remote: find missing (%d digests): %w", len(batch), err)
	}
	return missing, nil
}

// split cuts ds into ceil(len(ds)/size) consecutive batches.
func split(ds []digest.Digest, size int) [][]digest.Digest {
	batches := make([][]digest.Digest, 0, (len(ds)+size-1)/size)
	for len(ds) > size {
		batches = append(batches, ds[:size:size])
		ds = ds[size:]
	}
	return append(batches, ds)
}

// Download fetches d and verifies it after the full transfer. A mismatch is
// caserr.ErrCorruption and is not retried.
func (c *Client) Download(ctx context.Context, d digest.Digest) ([]byte, error) {
	if d.IsEmpty() {
		return []byte{}, nil
	}
	var data []byte
	err := c.do(ctx, "read", func(ctx context.Context) error {
		var err error
		data, err = c.t.Read(ctx, d)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("remote: download %s: %w", d, err)
	}
	c.m.RemoteBytes.WithLabelValues("download").Add(float64(len(data)))
	if !digest.Verify(data, d) {
		c.m.Corruptions.WithLabelValues("remote").Inc()
		c.log.Warn("remote returned corrupt content", zap.Stringer("digest", d), zap.Int("bytes", len(data)))
		return nil, fmt.Errorf("remote: download %s: %w", d, caserr.ErrCorruption)
	}
	return data, nil
}

// Upload stores data under d.
func (c *Client) Upload(ctx context.Context, d digest.Digest, data []byte) error {
	if d.IsEmpty() {
		return nil
	}
	if !digest.Verify(data, d) {
		return fmt.Errorf("remote: upload %s: %w", d, caserr.ErrCorruption)
	}
	err := c.do(ctx, "write", func(ctx context.Context) error {
		return c.t.Write(ctx, d, data)
	})
	if err != nil {
		return fmt.Errorf("remote: upload %s: %w", d, err)
	}
	c.m.RemoteBytes.WithLabelValues("upload").Add(float64(len(data)))
	return nil
}

// LoadFunc reads a blob to be uploaded.
type LoadFunc func(ctx context.Context, d digest.Digest) ([]byte, error)

// UploadMissing uploads the digests the remote lacks, reading each through
// load. It returns the digests that were uploaded.
func (c *Client) UploadMissing(ctx context.Context, digests []digest.Digest, load LoadFunc) ([]digest.Digest, error) {
	missing, err := c.FindMissing(ctx, digests)
	if err != nil {
		return nil, err
	}
	if len(missing) == 0 {
		return nil, nil
	}

	p := pool.New().WithContext(ctx).WithMaxGoroutines(c.opts.Concurrency).WithCancelOnError().WithFirstError()
	for _, d := range missing {
		p.Go(func(ctx context.Context) error {
			data, err := load(ctx, d)
			if err != nil {
				return fmt.Errorf("remote: upload %s: %w", d, err)
			}
			return c.Upload(ctx, d, data)
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	c.log.Debug("uploaded missing blobs", zap.Int("requested", len(digests)), zap.Int("uploaded", len(missing)))
	return missing, nil
}

// GetActionResult returns the cached result of action, or caserr.ErrNotFound.
func (c *Client) GetActionResult(ctx context.Context, action digest.Digest) (*remoteexecution.ActionResult, error) {
	var res *remoteexecution.ActionResult
	err := c.do(ctx, "get_action_result", func(ctx context.Context) error {
		var err error
		res, err = c.t.GetActionResult(ctx, action)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("remote: action result %s: %w", action, err)
	}
	return res, nil
}

// UpdateActionResult records result for action.
func (c *Client) UpdateActionResult(ctx context.Context, action digest.Digest, result *remoteexecution.ActionResult) error {
	err := c.do(ctx, "update_action_result", func(ctx context.Context) error {
		return c.t.UpdateActionResult(ctx, action, result)
	})
	if err != nil {
		return fmt.Errorf("remote: update action result %s: %w", action, err)
	}
	return nil
}

// resettable is a lazily built value that can be dropped and rebuilt.
type resettable[T any] struct {
	mu    sync.Mutex
	value T
	ok    bool
	build func(ctx context.Context) (T, error)
}

func (s *resettable[T]) get(ctx context.Context) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok {
		return s.value, nil
	}
	v, err := s.build(ctx)
	if err != nil {
		return v, err
	}
	s.value, s.ok = v, true
	return v, nil
}

func (s *resettable[T]) invalidate() {
	s.mu.Lock()
	s.ok = false
	s.mu.Unlock()
}
