package buildcas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"go.uber.org/zap"

	"github.com/aweris/buildcas/internal/config"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/flight"
	"github.com/aweris/buildcas/internal/gc"
	"github.com/aweris/buildcas/internal/local"
	"github.com/aweris/buildcas/internal/logging"
	"github.com/aweris/buildcas/internal/metrics"
	"github.com/aweris/buildcas/internal/remote"
)

// Digest identifies content by SHA-256 hash and size.
type Digest = digest.Digest

// Store reads through a local sharded store to an optional remote CAS. It is
// safe for concurrent use.
type Store struct {
	local  *local.Store
	remote *remote.Client
	gc     *gc.Collector
	flight flight.Group
	leases leaseTable

	maxDepth    int
	concurrency int
	now         func() time.Time
	log         *zap.Logger
	m           *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store rooted at root.
func Open(root string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	log := logging.OrNop(o.Logger)
	m := metrics.OrDiscard(o.Metrics)

	lo := o.Local
	if lo.Logger == nil {
		lo.Logger = log
	}
	if lo.Metrics == nil {
		lo.Metrics = m
	}
	if lo.Now == nil {
		lo.Now = o.Now
	}
	ls, err := local.Open(root, lo)
	if err != nil {
		return nil, err
	}

	s := &Store{
		local:       ls,
		remote:      o.Remote,
		maxDepth:    o.MaxTreeDepth,
		concurrency: o.Concurrency,
		now:         o.Now,
		log:         log,
		m:           m,
	}
	s.gc, err = gc.New(ls, o.HighWater, o.LowWater,
		gc.WithPinned(s.pinned),
		gc.WithLogger(log),
		gc.WithMetrics(m),
		gc.WithClock(o.Now),
	)
	if err != nil {
		_ = ls.Close()
		return nil, err
	}

	log.Debug("store opened",
		zap.String("root", root),
		zap.Int("shards", ls.Shards()),
		zap.Int64("size", ls.Size()),
		zap.Bool("remote", o.Remote != nil))
	return s, nil
}

// OpenConfig opens the store described by cfg. opts are applied after the
// settings derived from cfg.
func OpenConfig(cfg *config.Config, log *zap.Logger, opts ...Option) (*Store, error) {
	probe := defaultOptions()
	for _, opt := range opts {
		opt(probe)
	}

	lo, err := cfg.Local.StoreOptions()
	if err != nil {
		return nil, fmt.Errorf("buildcas: %w", err)
	}
	base := []Option{
		WithLocalOptions(lo),
		WithWaterMarks(int64(cfg.Local.HighWater), int64(cfg.Local.LowWater)),
		WithMaxTreeDepth(cfg.Tree.MaxDepth),
		WithConcurrency(cfg.Remote.Concurrency),
		WithLogger(log),
	}

	var client *remote.Client
	if cfg.Remote.Enabled() {
		t, err := remote.NewTransport(cfg.Remote.TransportConfig(log))
		if err != nil {
			return nil, fmt.Errorf("buildcas: %w", err)
		}
		co := cfg.ClientOptions(log)
		co.Metrics = probe.Metrics
		client = remote.NewClient(t, co)
		base = append(base, WithRemote(client))
	}

	s, err := Open(cfg.Local.Root, append(base, opts...)...)
	if err != nil && client != nil {
		_ = client.Close()
	}
	return s, err
}

// HasRemote reports whether a remote CAS is configured.
func (s *Store) HasRemote() bool { return s.remote != nil }

// Contains reports whether d is held locally.
func (s *Store) Contains(ctx context.Context, d Digest) (bool, error) {
	if err := d.Validate(); err != nil {
		return false, wrap("contains", TierLocal, d, err)
	}
	ok, err := s.local.Contains(ctx, d)
	return ok, wrap("contains", TierLocal, d, err)
}

// EnsureLocal makes d available locally, downloading it when needed.
// Concurrent calls for the same digest share one download. Cancelling ctx
// stops this caller from waiting; the download continues for the others.
func (s *Store) EnsureLocal(ctx context.Context, d Digest) error {
	return s.ensureLocal(ctx, d)
}

func (s *Store) ensureLocal(ctx context.Context, d Digest) error {
	const op = "ensure_local"
	if err := d.Validate(); err != nil {
		return wrap(op, TierLocal, d, err)
	}
	ok, err := s.local.Contains(ctx, d)
	if err != nil {
		return wrap(op, TierLocal, d, err)
	}
	if ok {
		return nil
	}
	if d.IsEmpty() {
		return wrap(op, TierLocal, d, s.put(ctx, d, nil))
	}
	if s.remote == nil {
		return wrap(op, TierLocal, d, fmt.Errorf("%w: no remote configured", ErrNotFound))
	}

	shared, err := s.flight.Do(ctx, d, func(ctx context.Context) error {
		return s.fetch(ctx, d)
	})
	if shared {
		s.m.FlightJoins.Inc()
	}
	return wrap(op, TierRemote, d, err)
}

// fetch downloads d into the local store. It runs once per in-flight token.
func (s *Store) fetch(ctx context.Context, d Digest) error {
	const op = "fetch"
	ok, err := s.local.Contains(ctx, d)
	if err != nil {
		return wrap(op, TierLocal, d, err)
	}
	if ok {
		return nil
	}
	if err := s.gc.Admit(ctx, d.Size); err != nil {
		return wrap(op, TierLocal, d, err)
	}
	data, err := s.remote.Download(ctx, d)
	if err != nil {
		return wrap(op, TierRemote, d, err)
	}
	if _, err := s.local.Put(ctx, d, data); err != nil {
		return wrap(op, TierLocal, d, err)
	}
	s.log.Debug("fetched", zap.Stringer("digest", d))
	s.gc.MaybeCollect(ctx)
	return nil
}

// Load returns the content of d, downloading it when it is not held locally.
// Local content that fails verification is removed and downloaded again
// once; a second failure is returned.
func (s *Store) Load(ctx context.Context, d Digest) ([]byte, error) {
	const op = "load"
	for attempt := 0; ; attempt++ {
		if err := s.ensureLocal(ctx, d); err != nil {
			return nil, err
		}
		data, err := s.local.Load(ctx, d)
		if err == nil {
			return data, nil
		}
		if attempt > 0 || s.remote == nil {
			return nil, wrap(op, TierLocal, d, err)
		}
		switch {
		case errors.Is(err, ErrCorruption):
			s.log.Warn("local content corrupt, fetching again", zap.Stringer("digest", d), zap.Error(err))
			if rerr := s.local.Remove(ctx, d); rerr != nil {
				return nil, wrap(op, TierLocal, d, errors.Join(err, rerr))
			}
		case errors.Is(err, ErrNotFound):
			// Evicted between ensureLocal and the read.
		default:
			return nil, wrap(op, TierLocal, d, err)
		}
	}
}

// Store writes data locally and returns its digest. It never contacts the
// remote; use Upload for remote durability.
func (s *Store) Store(ctx context.Context, data []byte) (Digest, error) {
	d := digest.Compute(data)
	if err := s.put(ctx, d, data); err != nil {
		return Digest{}, wrap("store", TierLocal, d, err)
	}
	return d, nil
}

// StoreDigest writes data under d. Data that does not hash to d fails with
// ErrCorruption and nothing is stored.
func (s *Store) StoreDigest(ctx context.Context, d Digest, data []byte) error {
	return wrap("store", TierLocal, d, s.put(ctx, d, data))
}

func (s *Store) put(ctx context.Context, d Digest, data []byte) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if !digest.Verify(data, d) {
		return fmt.Errorf("%w: content does not match digest", ErrCorruption)
	}
	if ok, err := s.local.Contains(ctx, d); err != nil || ok {
		return err
	}
	if err := s.gc.Admit(ctx, d.Size); err != nil {
		return err
	}
	if _, err := s.local.Put(ctx, d, data); err != nil {
		return err
	}
	s.gc.MaybeCollect(ctx)
	return nil
}

// Upload copies the given local digests to the remote, skipping those it
// already holds.
func (s *Store) Upload(ctx context.Context, digests ...Digest) error {
	const op = "upload"
	if s.remote == nil {
		return wrap(op, TierRemote, Digest{}, ErrNoRemote)
	}
	for _, d := range digests {
		if err := d.Validate(); err != nil {
			return wrap(op, TierLocal, d, err)
		}
	}
	uploaded, err := s.remote.UploadMissing(ctx, digests, func(ctx context.Context, d digest.Digest) ([]byte, error) {
		data, err := s.local.Load(ctx, d)
		return data, wrap(op, TierLocal, d, err)
	})
	if err != nil {
		return wrap(op, TierRemote, Digest{}, err)
	}
	s.log.Debug("upload finished", zap.Int("requested", len(digests)), zap.Int("uploaded", len(uploaded)))
	return nil
}

// GetActionResult looks up a cached action result on the remote.
func (s *Store) GetActionResult(ctx context.Context, action Digest) (*remoteexecution.ActionResult, error) {
	const op = "get_action_result"
	if s.remote == nil {
		return nil, wrap(op, TierRemote, action, ErrNoRemote)
	}
	if err := action.Validate(); err != nil {
		return nil, wrap(op, TierLocal, action, err)
	}
	res, err := s.remote.GetActionResult(ctx, action)
	return res, wrap(op, TierRemote, action, err)
}

// UpdateActionResult records the result of action on the remote.
func (s *Store) UpdateActionResult(ctx context.Context, action Digest, result *remoteexecution.ActionResult) error {
	const op = "update_action_result"
	if s.remote == nil {
		return wrap(op, TierRemote, action, ErrNoRemote)
	}
	if err := action.Validate(); err != nil {
		return wrap(op, TierLocal, action, err)
	}
	return wrap(op, TierRemote, action, s.remote.UpdateActionResult(ctx, action, result))
}

// InvalidateCredentials makes the remote reload its credentials on the next
// request.
func (s *Store) InvalidateCredentials() {
	if s.remote != nil {
		s.remote.InvalidateCredentials()
	}
}

// Collect evicts unleased content down to the low water mark.
func (s *Store) Collect(ctx context.Context) (gc.Stats, error) {
	st, err := s.gc.Collect(ctx)
	return st, wrap("collect", TierLocal, Digest{}, err)
}

// Verify re-reads every local blob and removes those that fail verification.
func (s *Store) Verify(ctx context.Context) ([]Digest, error) {
	var corrupt []Digest
	for i := range s.local.Shards() {
		bad, err := s.local.Verify(ctx, i)
		corrupt = append(corrupt, bad...)
		if err != nil {
			return corrupt, wrap("verify", TierLocal, Digest{}, err)
		}
	}
	return corrupt, nil
}

// Stats describes the local store.
type Stats struct {
	Root       string
	Size       int64
	Count      int64
	ShardSizes []int64
	HighWater  int64
	LowWater   int64
	InFlight   int
	Leased     int
	Remote     bool
}

// Stats returns current counters. It does not scan the store.
func (s *Store) Stats() Stats {
	st := Stats{
		Root:       s.local.Root(),
		Size:       s.local.Size(),
		Count:      s.local.Count(),
		ShardSizes: make([]int64, s.local.Shards()),
		HighWater:  s.gc.HighWater(),
		LowWater:   s.gc.LowWater(),
		InFlight:   s.flight.Len(),
		Leased:     s.leases.len(s.now()),
		Remote:     s.remote != nil,
	}
	for i := range st.ShardSizes {
		st.ShardSizes[i] = s.local.ShardSize(i)
	}
	return st
}

// Close waits for background collections and closes both tiers. Leases are
// persisted and survive Close.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.gc.Wait()
		var errs []error
		if s.remote != nil {
			errs = append(errs, s.remote.Close())
		}
		errs = append(errs, s.local.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// pinned reports digests the collector must keep regardless of age.
func (s *Store) pinned(d digest.Digest) bool {
	return s.flight.InFlight(d) || s.leases.holds(d, s.now())
}
