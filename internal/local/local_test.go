package local

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/compression"
	"github.com/aweris/buildcas/internal/digest"
)

func testOptions() Options {
	return Options{
		Shards:             4,
		LargeBlobThreshold: 256 << 10,
		Compression:        compression.LevelFastest,
		CacheSize:          0,
		TouchInterval:      time.Minute,
		MemTableSize:       4 << 20,
		ValueLogFileSize:   2 << 20,
	}
}

func newTestStore(t *testing.T, mutate ...func(*Options)) *Store {
	t.Helper()
	opts := testOptions()
	for _, m := range mutate {
		m(&opts)
	}
	s, err := Open(t.TempDir(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func put(t *testing.T, s *Store, data []byte) digest.Digest {
	t.Helper()
	d := digest.Compute(data)
	_, err := s.Put(context.Background(), d, data)
	require.NoError(t, err)
	return d
}

func TestPutLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	properties := gopter.NewProperties(nil)
	properties.Property("load returns what was stored", prop.ForAll(
		func(data []byte) bool {
			d := digest.Compute(data)
			if _, err := s.Put(ctx, d, data); err != nil {
				return false
			}
			got, err := s.Load(ctx, d)
			return err == nil && bytes.Equal(got, data)
		},
		gen.SliceOf(gen.UInt8()),
	))
	properties.TestingRun(t)
}

func TestPutCompressible(t *testing.T) {
	s := newTestStore(t)
	data := bytes.Repeat([]byte("build output "), 4096)
	d := put(t, s, data)

	m, err := s.Stat(context.Background(), d)
	require.NoError(t, err)
	assert.True(t, m.Compressed)
	assert.False(t, m.Large)

	got, err := s.Load(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("same bytes")
	d := digest.Compute(data)

	stored, err := s.Put(ctx, d, data)
	require.NoError(t, err)
	assert.True(t, stored)
	size := s.Size()

	stored, err = s.Put(ctx, d, data)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.Equal(t, size, s.Size())
	assert.Equal(t, int64(1), s.Count())
}

func TestPutRejectsMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := digest.Compute([]byte("expected"))

	_, err := s.Put(ctx, d, []byte("something else"))
	require.ErrorIs(t, err, caserr.ErrCorruption)

	ok, err := s.Contains(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.Size())
}

func TestLoadMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), digest.Compute([]byte("never stored")))
	assert.ErrorIs(t, err, caserr.ErrNotFound)
}

func TestLoadDetectsCorruption(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Compression = compression.LevelNone })
	ctx := context.Background()
	d := put(t, s, []byte("pristine content"))

	sh := s.shardOf(d)
	require.NoError(t, sh.db.Update(func(txn *badger.Txn) error {
		return txn.Set(blobKey(d), []byte("tampered content"))
	}))

	_, err := s.Load(ctx, d)
	require.ErrorIs(t, err, caserr.ErrCorruption)

	require.NoError(t, s.Remove(ctx, d))
	ok, err := s.Contains(ctx, d)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.Size())
}

func TestLargeBlob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte{7}, 300<<10)
	d := put(t, s, data)

	m, err := s.Stat(ctx, d)
	require.NoError(t, err)
	assert.True(t, m.Large)
	assert.FileExists(t, s.shardOf(d).largePath(d))

	got, err := s.Load(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, os.WriteFile(s.shardOf(d).largePath(d), []byte("short"), 0o644))
	_, err = s.Load(ctx, d)
	require.ErrorIs(t, err, caserr.ErrCorruption)

	require.NoError(t, s.Remove(ctx, d))
	assert.NoFileExists(t, s.shardOf(d).largePath(d))
}

func TestSizeSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, testOptions())
	require.NoError(t, err)
	put(t, s, []byte("one"))
	put(t, s, []byte("three"))
	require.NoError(t, s.Close())

	s, err = Open(root, testOptions())
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(8), s.Size())
	assert.Equal(t, int64(2), s.Count())
}

func TestShardCountMismatch(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, testOptions())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	opts := testOptions()
	opts.Shards = 8
	_, err = Open(root, opts)
	assert.ErrorIs(t, err, caserr.ErrShardCountMismatch)
}

func TestShardForIsStable(t *testing.T) {
	s := newTestStore(t)
	d := digest.Compute([]byte("stable"))
	first := s.ShardFor(d)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.ShardFor(d))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, s.Shards())
}

func TestLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := put(t, s, []byte("leased"))

	until, err := s.Lease(ctx, d)
	require.NoError(t, err)
	assert.True(t, until.IsZero())

	require.NoError(t, s.SetLease(ctx, d, Forever))
	until, err = s.Lease(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, Forever.UnixNano(), until.UnixNano())

	err = s.SetLease(ctx, digest.Compute([]byte("absent")), Forever)
	assert.ErrorIs(t, err, caserr.ErrNotFound)
}

func TestEvictHonoursKeep(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.Shards = 1 })
	ctx := context.Background()
	keep := put(t, s, []byte("keep me"))
	drop := put(t, s, []byte("drop me"))

	n, freed, err := s.Evict(ctx, 0, []digest.Digest{keep, drop}, func(d digest.Digest, _ Meta) bool {
		return d == keep
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, drop.Size, freed)

	entries, err := s.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keep, entries[0].Digest)
}

func TestAccessTimesAreFlushed(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := newTestStore(t, func(o *Options) { o.Shards = 1; o.Now = clock })
	ctx := context.Background()
	d := put(t, s, []byte("touched"))

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()
	_, err := s.Load(ctx, d)
	require.NoError(t, err)

	entries, err := s.Entries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, clock().UnixNano(), entries[0].LastAccess.UnixNano())
}

func TestConcurrentPuts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("contended")
	d := digest.Compute(data)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Put(ctx, d, data)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, d.Size, s.Size())
}

func TestHotCache(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.CacheSize = 4 << 20 })
	ctx := context.Background()
	d := put(t, s, []byte("hot"))
	assert.True(t, s.cache.Has(d))

	got, err := s.Load(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("hot"), got)

	require.NoError(t, s.Remove(ctx, d))
	assert.False(t, s.cache.Has(d))
}

func TestMalformedDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, d := range []digest.Digest{{}, {Hash: "zz", Size: 1}, {Hash: "0123", Size: 1}} {
		_, err := s.Contains(ctx, d)
		assert.ErrorIs(t, err, caserr.ErrInvalidDigest)
		_, err = s.Load(ctx, d)
		assert.ErrorIs(t, err, caserr.ErrInvalidDigest)
		_, err = s.Put(ctx, d, []byte("x"))
		assert.ErrorIs(t, err, caserr.ErrInvalidDigest)
		assert.ErrorIs(t, s.Remove(ctx, d), caserr.ErrInvalidDigest)
		assert.ErrorIs(t, s.SetLease(ctx, d, time.Now()), caserr.ErrInvalidDigest)
		_, err = s.Stat(ctx, d)
		assert.ErrorIs(t, err, caserr.ErrInvalidDigest)
		_, _, err = s.Evict(ctx, 0, []digest.Digest{d}, nil)
		assert.ErrorIs(t, err, caserr.ErrInvalidDigest)
		assert.Less(t, s.ShardFor(d), s.Shards())
	}
}

func TestRemovedBlobsLeaveTheHotCache(t *testing.T) {
	s := newTestStore(t, func(o *Options) { o.CacheSize = 4 << 20 })
	ctx := context.Background()

	for i := range 200 {
		data := []byte{byte(i), byte(i >> 8), 'h', 'o', 't'}
		d := put(t, s, data)
		s.cache.Remove(d)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.Load(ctx, d)
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Remove(ctx, d))
		}()
		wg.Wait()

		ok, err := s.Contains(ctx, d)
		require.NoError(t, err)
		require.False(t, ok, "iteration %d: removed blob still reported present", i)
	}
}
