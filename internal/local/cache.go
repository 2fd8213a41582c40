package local

import (
	"context"
	"time"

	"github.com/allegro/bigcache/v3"

	"github.com/aweris/buildcas/internal/digest"
)

// Cache holds recently read small blobs in memory. Only verified bytes are
// added.
type Cache interface {
	Get(d digest.Digest) ([]byte, bool)
	Add(d digest.Digest, data []byte)
	Has(d digest.Digest) bool
	Remove(d digest.Digest)
	Close() error
}

// maxCachedBlob bounds the size of a single cached entry.
const maxCachedBlob = 64 << 10

type bigCache struct {
	c *bigcache.BigCache
}

// NewCache returns a bigcache backed cache limited to sizeBytes, or a no-op
// cache when sizeBytes is zero.
func NewCache(sizeBytes int64) (Cache, error) {
	if sizeBytes <= 0 {
		return noCache{}, nil
	}
	cfg := bigcache.DefaultConfig(30 * time.Minute)
	cfg.Shards = 64
	cfg.CleanWindow = time.Minute
	cfg.MaxEntrySize = 4 << 10
	cfg.HardMaxCacheSize = int(max(1, sizeBytes>>20))
	cfg.Verbose = false

	c, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &bigCache{c: c}, nil
}

func (b *bigCache) Get(d digest.Digest) ([]byte, bool) {
	data, err := b.c.Get(d.Hash)
	if err != nil || int64(len(data)) != d.Size {
		return nil, false
	}
	return data, true
}

func (b *bigCache) Add(d digest.Digest, data []byte) {
	if len(data) > maxCachedBlob {
		return
	}
	// A full shard rejects the entry; the cache is best-effort.
	_ = b.c.Set(d.Hash, data)
}

func (b *bigCache) Has(d digest.Digest) bool {
	_, ok := b.Get(d)
	return ok
}

func (b *bigCache) Remove(d digest.Digest) {
	_ = b.c.Delete(d.Hash)
}

func (b *bigCache) Close() error {
	return b.c.Close()
}

type noCache struct{}

func (noCache) Get(digest.Digest) ([]byte, bool) { return nil, false }
func (noCache) Add(digest.Digest, []byte)        {}
func (noCache) Has(digest.Digest) bool           { return false }
func (noCache) Remove(digest.Digest)             {}
func (noCache) Close() error                     { return nil }
