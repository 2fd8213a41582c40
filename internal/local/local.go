// Package local is the on-disk content-addressed store.
//
// Content is spread over a fixed number of shards, each a badger database
// with its own writer lock and size counter. Blobs at or above the large blob
// threshold are kept as plain files beside the shard database.
package local

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/compression"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/logging"
	"github.com/aweris/buildcas/internal/metrics"
)

const (
	markerFile = "SHARDS"
	maxShards  = 256

	conflictRetries = 8
)

var (
	metaPrefix = []byte{'m'}
	blobPrefix = []byte{'b'}
)

// Options configures a Store.
type Options struct {
	// Shards is fixed at creation. Reopening with another count fails.
	Shards int
	// LargeBlobThreshold is the size at which blobs become plain files.
	LargeBlobThreshold int64
	// Compression applies to blobs kept inside the shard databases.
	Compression compression.Level
	// CacheSize is the in-memory hot cache budget in bytes. Zero disables it.
	CacheSize int64
	// SkipReadVerification disables re-hashing of bytes read from disk.
	SkipReadVerification bool
	// TouchInterval is how stale a recorded access time may get before a
	// read refreshes it.
	TouchInterval time.Duration
	// MemTableSize and ValueLogFileSize size each shard database.
	MemTableSize     int64
	ValueLogFileSize int64
	SyncWrites       bool

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Now overrides the clock.
	Now func() time.Time
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Shards:             16,
		LargeBlobThreshold: 1 << 20,
		Compression:        compression.LevelFastest,
		CacheSize:          64 << 20,
		TouchInterval:      time.Minute,
		MemTableSize:       16 << 20,
		ValueLogFileSize:   256 << 20,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Shards <= 0 {
		o.Shards = def.Shards
	}
	if o.LargeBlobThreshold <= 0 {
		o.LargeBlobThreshold = def.LargeBlobThreshold
	}
	if o.MemTableSize <= 0 {
		o.MemTableSize = def.MemTableSize
	}
	if o.ValueLogFileSize <= 0 {
		o.ValueLogFileSize = def.ValueLogFileSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Store is a sharded local content-addressed store. It is safe for
// concurrent use.
type Store struct {
	root   string
	opts   Options
	shards []*shard
	cache  Cache
	comp   *compression.Compressor
	log    *zap.Logger
	m      *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

type shard struct {
	id  int
	dir string
	db  *badger.DB

	// mu serializes writers. Readers use badger snapshots.
	mu    sync.Mutex
	size  atomic.Int64
	count atomic.Int64

	// removals counts deletions. A reader may only fill the hot cache when
	// no deletion ran since its snapshot; guarded by mu.
	removals uint64

	touchMu sync.Mutex
	touched map[digest.Digest]time.Time
}

// Open creates or opens a store rooted at root.
func Open(root string, opts Options) (*Store, error) {
	opts.applyDefaults()
	if opts.Shards > maxShards {
		return nil, fmt.Errorf("local: %d shards exceeds the maximum of %d", opts.Shards, maxShards)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local: create root: %w", err)
	}
	if err := checkMarker(root, opts.Shards); err != nil {
		return nil, err
	}

	comp, err := compression.New(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	cache, err := NewCache(opts.CacheSize)
	if err != nil {
		comp.Close()
		return nil, fmt.Errorf("local: hot cache: %w", err)
	}

	s := &Store{
		root:  root,
		opts:  opts,
		cache: cache,
		comp:  comp,
		log:   logging.OrNop(opts.Logger).Named("local"),
		m:     metrics.OrDiscard(opts.Metrics),
	}

	for i := 0; i < opts.Shards; i++ {
		sh, err := s.openShard(i)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.shards = append(s.shards, sh)
	}

	s.log.Info("local store opened",
		zap.String("root", root),
		zap.Int("shards", opts.Shards),
		zap.Int64("bytes", s.Size()))
	return s, nil
}

func (s *Store) openShard(i int) (*shard, error) {
	dir := filepath.Join(s.root, fmt.Sprintf("shard-%03d", i))
	bopts := badger.DefaultOptions(dir).
		WithLogger(logging.NewBadgerLogger(s.opts.Logger)).
		WithMemTableSize(s.opts.MemTableSize).
		WithValueLogFileSize(s.opts.ValueLogFileSize).
		WithValueThreshold(min(64<<10, s.opts.MemTableSize/10)).
		WithSyncWrites(s.opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithNumCompactors(2).
		WithBlockCacheSize(8 << 20).
		WithCompression(options.None)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("local: open shard %d: %w", i, err)
	}

	sh := &shard{id: i, dir: dir, db: db, touched: make(map[digest.Digest]time.Time)}
	if err := sh.scan(); err != nil {
		db.Close()
		return nil, fmt.Errorf("local: scan shard %d: %w", i, err)
	}
	s.m.LocalBytes.WithLabelValues(strconv.Itoa(i)).Set(float64(sh.size.Load()))
	return sh, nil
}

// scan initialises the size counters from the metadata records.
func (sh *shard) scan() error {
	return sh.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: metaPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var size int64
			err := it.Item().Value(func(v []byte) error {
				if len(v) != metaLen {
					return fmt.Errorf("malformed metadata for key %x", it.Item().Key())
				}
				size = int64(binary.BigEndian.Uint64(v[2:]))
				return nil
			})
			if err != nil {
				return err
			}
			sh.size.Add(size)
			sh.count.Add(1)
		}
		return nil
	})
}

func checkMarker(root string, shards int) error {
	path := filepath.Join(root, markerFile)
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		n, perr := strconv.Atoi(strings.TrimSpace(string(raw)))
		if perr != nil {
			return fmt.Errorf("local: unreadable shard marker %s: %w", path, perr)
		}
		if n != shards {
			return fmt.Errorf("%w: store has %d shards, opened with %d", caserr.ErrShardCountMismatch, n, shards)
		}
		return nil
	case !os.IsNotExist(err):
		return fmt.Errorf("local: read shard marker: %w", err)
	}

	existing, _ := filepath.Glob(filepath.Join(root, "shard-*"))
	if len(existing) > 0 {
		return fmt.Errorf("%w: shard directories exist without a %s marker", caserr.ErrShardCountMismatch, markerFile)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(shards)+"\n"), 0o644); err != nil {
		return fmt.Errorf("local: write shard marker: %w", err)
	}
	return os.Rename(tmp, path)
}

// Close flushes recorded access times and closes every shard.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, sh := range s.shards {
			if err := s.flushTouches(sh); err != nil {
				errs = append(errs, err)
			}
			if err := sh.db.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close shard %d: %w", sh.id, err))
			}
		}
		errs = append(errs, s.cache.Close(), s.comp.Close())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Shards returns the shard count.
func (s *Store) Shards() int { return len(s.shards) }

// LargeBlobThreshold returns the size at which blobs are kept as files.
func (s *Store) LargeBlobThreshold() int64 { return s.opts.LargeBlobThreshold }

// ShardFor maps a digest to its shard using the leading 16 bits of the hash.
func (s *Store) ShardFor(d digest.Digest) int {
	if len(d.Hash) < 4 {
		return 0
	}
	v, err := strconv.ParseUint(d.Hash[:4], 16, 16)
	if err != nil {
		return 0
	}
	return int(v) % len(s.shards)
}

// Size returns the bytes of content held across all shards.
func (s *Store) Size() int64 {
	var total int64
	for _, sh := range s.shards {
		total += sh.size.Load()
	}
	return total
}

// ShardSize returns the bytes of content held by shard i.
func (s *Store) ShardSize(i int) int64 { return s.shards[i].size.Load() }

// Count returns the number of blobs held.
func (s *Store) Count() int64 {
	var total int64
	for _, sh := range s.shards {
		total += sh.count.Load()
	}
	return total
}

func metaKey(d digest.Digest) []byte { return append(append([]byte{}, metaPrefix...), d.Raw()...) }
func blobKey(d digest.Digest) []byte { return append(append([]byte{}, blobPrefix...), d.Raw()...) }

// update runs fn in a read-write transaction, retrying write conflicts.
func (sh *shard) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = sh.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func getMeta(txn *badger.Txn, d digest.Digest) (Meta, bool, error) {
	item, err := txn.Get(metaKey(d))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, err
	}
	var m Meta
	err = item.Value(func(v []byte) error {
		var derr error
		m, derr = decodeMeta(d.Raw(), v)
		return derr
	})
	if err != nil {
		return Meta{}, false, err
	}
	return m, true, nil
}

func (s *Store) shardOf(d digest.Digest) *shard { return s.shards[s.ShardFor(d)] }

// shardFor validates d and returns its shard.
func (s *Store) shardFor(op string, d digest.Digest) (*shard, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("local: %s: %w", op, err)
	}
	return s.shardOf(d), nil
}

func (s *Store) setShardGauge(sh *shard) {
	s.m.LocalBytes.WithLabelValues(strconv.Itoa(sh.id)).Set(float64(sh.size.Load()))
}
