// Package gc keeps the local store between its water marks.
//
// Candidates are blobs without a live lease, oldest access first. Each delete
// happens under the owning shard's writer lock after the lease and pinned
// state have been checked again, so a blob leased or fetched while a
// collection runs is never removed.
package gc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/local"
	"github.com/aweris/buildcas/internal/logging"
	"github.com/aweris/buildcas/internal/metrics"
)

// Triggers label collection runs.
const (
	TriggerAdmission  = "admission"
	TriggerBackground = "background"
	TriggerManual     = "manual"
)

const (
	evictBatch = 256

	// scanConcurrency bounds the shards scanned at once.
	scanConcurrency = 8
)

// Stats describes one collection.
type Stats struct {
	Scanned    int
	Candidates int
	Evicted    int
	FreedBytes int64
	SizeAfter  int64
	Duration   time.Duration
}

// Collector evicts local content.
type Collector struct {
	store     *local.Store
	highWater int64
	lowWater  int64
	pinned    func(digest.Digest) bool
	now       func() time.Time
	log       *zap.Logger
	m         *metrics.Metrics

	// mu allows one collection at a time.
	mu         sync.Mutex
	background atomic.Bool
	wg         sync.WaitGroup
}

// Option configures a Collector.
type Option func(*Collector)

// WithPinned sets the predicate for blobs that must not be evicted besides
// leased ones, such as blobs with a fetch in flight.
func WithPinned(fn func(digest.Digest) bool) Option {
	return func(c *Collector) { c.pinned = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) { c.log = logging.OrNop(l).Named("gc") }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Collector) { c.m = metrics.OrDiscard(m) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New returns a collector for store. lowWater must not exceed highWater; a
// zero highWater disables collection.
func New(store *local.Store, highWater, lowWater int64, opts ...Option) (*Collector, error) {
	if highWater < 0 || lowWater < 0 || lowWater > highWater {
		return nil, fmt.Errorf("gc: invalid water marks high=%d low=%d", highWater, lowWater)
	}
	c := &Collector{
		store:     store,
		highWater: highWater,
		lowWater:  lowWater,
		pinned:    func(digest.Digest) bool { return false },
		now:       time.Now,
		log:       zap.NewNop(),
		m:         metrics.OrDiscard(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HighWater returns the size that triggers collection.
func (c *Collector) HighWater() int64 { return c.highWater }

// LowWater returns the size collections aim for.
func (c *Collector) LowWater() int64 { return c.lowWater }

// Admit makes room for need more bytes. It collects when the store would
// exceed its high water mark and fails with caserr.ErrQuotaExceeded when not
// enough unleased content can be evicted.
func (c *Collector) Admit(ctx context.Context, need int64) error {
	if c.highWater == 0 || c.store.Size()+need <= c.highWater {
		return nil
	}
	if need > c.highWater {
		c.m.QuotaRejections.Inc()
		return fmt.Errorf("%w: blob of %d bytes exceeds the %d byte limit", caserr.ErrQuotaExceeded, need, c.highWater)
	}

	target := min(c.lowWater, c.highWater-need)
	if _, err := c.collect(ctx, target, TriggerAdmission); err != nil {
		return err
	}
	if size := c.store.Size(); size+need > c.highWater {
		c.m.QuotaRejections.Inc()
		return fmt.Errorf("%w: %d bytes held, %d needed, limit %d", caserr.ErrQuotaExceeded, size, need, c.highWater)
	}
	return nil
}

// MaybeCollect starts a background collection down to the low water mark
// when the store is above its high water mark. At most one background run is
// active.
func (c *Collector) MaybeCollect(ctx context.Context) {
	if c.highWater == 0 || c.store.Size() <= c.highWater {
		return
	}
	if !c.background.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.background.Store(false)
		if _, err := c.collect(context.WithoutCancel(ctx), c.lowWater, TriggerBackground); err != nil {
			c.log.Warn("background collection failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background collections finish.
func (c *Collector) Wait() { c.wg.Wait() }

// Collect evicts down to the low water mark.
func (c *Collector) Collect(ctx context.Context) (Stats, error) {
	return c.collect(ctx, c.lowWater, TriggerManual)
}

type candidate struct {
	shard int
	meta  local.Meta
}

type shardScan struct {
	entries int
	cands   []candidate
}

// scan lists the eviction candidates of every shard, shards in parallel.
func (c *Collector) scan(ctx context.Context) ([]candidate, int, error) {
	now := c.now()
	p := pool.NewWithResults[shardScan]().
		WithContext(ctx).
		WithMaxGoroutines(scanConcurrency).
		WithCancelOnError().
		WithFirstError()
	for i := 0; i < c.store.Shards(); i++ {
		p.Go(func(ctx context.Context) (shardScan, error) {
			entries, err := c.store.Entries(ctx, i)
			if err != nil {
				return shardScan{}, err
			}
			res := shardScan{entries: len(entries)}
			for _, m := range entries {
				if m.Leased(now) || c.pinned(m.Digest) {
					continue
				}
				res.cands = append(res.cands, candidate{shard: i, meta: m})
			}
			return res, nil
		})
	}
	scans, err := p.Wait()
	var (
		cands   []candidate
		scanned int
	)
	for _, sc := range scans {
		scanned += sc.entries
		cands = append(cands, sc.cands...)
	}
	return cands, scanned, err
}

func (c *Collector) collect(ctx context.Context, target int64, trigger string) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	c.m.GCRuns.WithLabelValues(trigger).Inc()
	var st Stats

	if c.store.Size() <= target {
		st.SizeAfter = c.store.Size()
		return st, nil
	}

	cands, scanned, err := c.scan(ctx)
	st.Scanned = scanned
	if err != nil {
		return st, err
	}
	st.Candidates = len(cands)
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].meta.LastAccess.Before(cands[b].meta.LastAccess)
	})

	keep := func(d digest.Digest, m local.Meta) bool {
		return m.Leased(c.now()) || c.pinned(d)
	}

	for len(cands) > 0 && c.store.Size() > target {
		// Take only as many as the remaining excess needs.
		excess := c.store.Size() - target
		n := 0
		for n < len(cands) && n < evictBatch && excess > 0 {
			excess -= cands[n].meta.Digest.Size
			n++
		}
		batch := cands[:n]
		cands = cands[n:]

		byShard := make(map[int][]digest.Digest)
		for _, cand := range batch {
			byShard[cand.shard] = append(byShard[cand.shard], cand.meta.Digest)
		}
		for shard, ds := range byShard {
			blobs, freed, err := c.store.Evict(ctx, shard, ds, keep)
			st.Evicted += blobs
			st.FreedBytes += freed
			c.m.GCEvictedBlobs.Add(float64(blobs))
			c.m.GCEvictedBytes.Add(float64(freed))
			if err != nil {
				return st, err
			}
		}
	}

	st.SizeAfter = c.store.Size()
	st.Duration = time.Since(start)
	c.log.Info("collection finished",
		zap.String("trigger", trigger),
		zap.Int("evicted", st.Evicted),
		zap.Int64("freed", st.FreedBytes),
		zap.Int64("size", st.SizeAfter),
		zap.Duration("took", st.Duration))
	return st, nil
}
