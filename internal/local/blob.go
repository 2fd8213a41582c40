package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/aweris/buildcas/internal/caserr"
	"github.com/aweris/buildcas/internal/digest"
)

// Contains reports whether d is held locally.
func (s *Store) Contains(ctx context.Context, d digest.Digest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sh, err := s.shardFor("contains", d)
	if err != nil {
		return false, err
	}
	if s.cache.Has(d) {
		return true, nil
	}
	var found bool
	err = sh.db.View(func(txn *badger.Txn) error {
		m, ok, err := getMeta(txn, d)
		found = ok && m.Digest.Size == d.Size
		return err
	})
	if err != nil {
		return false, fmt.Errorf("local: contains %s: %w", d, err)
	}
	return found, nil
}

// Stat returns the metadata record of d.
func (s *Store) Stat(ctx context.Context, d digest.Digest) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	sh, err := s.shardFor("stat", d)
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	err = sh.db.View(func(txn *badger.Txn) error {
		var (
			ok  bool
			err error
		)
		m, ok, err = getMeta(txn, d)
		if err != nil {
			return err
		}
		if !ok || m.Digest.Size != d.Size {
			return caserr.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return Meta{}, fmt.Errorf("local: stat %s: %w", d, err)
	}
	return m, nil
}

// Load returns the bytes of d. Missing content is caserr.ErrNotFound; bytes
// that no longer hash to d are caserr.ErrCorruption.
func (s *Store) Load(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh, err := s.shardFor("load", d)
	if err != nil {
		return nil, err
	}
	if data, ok := s.cache.Get(d); ok {
		s.m.LocalReads.WithLabelValues("hit").Inc()
		s.touch(sh, d, time.Time{})
		return data, nil
	}

	sh.mu.Lock()
	gen := sh.removals
	sh.mu.Unlock()

	var (
		meta Meta
		raw  []byte
	)
	err = sh.db.View(func(txn *badger.Txn) error {
		var (
			ok  bool
			err error
		)
		meta, ok, err = getMeta(txn, d)
		if err != nil {
			return err
		}
		if !ok || meta.Digest.Size != d.Size {
			return caserr.ErrNotFound
		}
		if meta.Large {
			return nil
		}
		item, err := txn.Get(blobKey(d))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: metadata without content", caserr.ErrCorruption)
		}
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, s.readFailed(d, err)
	}

	if meta.Large {
		raw, err = sh.readLarge(d)
		if err != nil {
			return nil, s.readFailed(d, fmt.Errorf("%w: large blob file: %w", caserr.ErrCorruption, err))
		}
	}
	if meta.Compressed {
		raw, err = s.comp.Decompress(raw, d.Size)
		if err != nil {
			return nil, s.readFailed(d, fmt.Errorf("%w: %w", caserr.ErrCorruption, err))
		}
	}
	if !s.opts.SkipReadVerification && !digest.Verify(raw, d) {
		return nil, s.readFailed(d, fmt.Errorf("%w: content does not match digest", caserr.ErrCorruption))
	}

	s.m.LocalReads.WithLabelValues("hit").Inc()
	sh.mu.Lock()
	if sh.removals == gen {
		s.cache.Add(d, raw)
	}
	sh.mu.Unlock()
	s.touch(sh, d, meta.LastAccess)
	return raw, nil
}

func (s *Store) readFailed(d digest.Digest, err error) error {
	switch {
	case errors.Is(err, caserr.ErrNotFound):
		s.m.LocalReads.WithLabelValues("miss").Inc()
	case errors.Is(err, caserr.ErrCorruption):
		s.m.LocalReads.WithLabelValues("corrupt").Inc()
		s.m.Corruptions.WithLabelValues("local").Inc()
		s.log.Warn("corrupt local blob", zap.Stringer("digest", d), zap.Error(err))
	}
	return fmt.Errorf("local: load %s: %w", d, err)
}

// Put stores data under d. Data that does not hash to d is rejected with
// caserr.ErrCorruption and nothing is written. Storing content that is already
// present is a successful no-op; stored reports whether bytes were added.
func (s *Store) Put(ctx context.Context, d digest.Digest, data []byte) (stored bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	sh, err := s.shardFor("put", d)
	if err != nil {
		return false, err
	}
	if !digest.Verify(data, d) {
		s.m.LocalWrites.WithLabelValues("rejected").Inc()
		return false, fmt.Errorf("local: put %s: %w: content does not match digest", d, caserr.ErrCorruption)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var exists bool
	err = sh.db.View(func(txn *badger.Txn) error {
		_, ok, err := getMeta(txn, d)
		exists = ok
		return err
	})
	if err != nil {
		return false, fmt.Errorf("local: put %s: %w", d, err)
	}
	if exists {
		s.m.LocalWrites.WithLabelValues("exists").Inc()
		return false, nil
	}

	now := s.opts.Now()
	meta := Meta{Digest: d, StoredAt: now, LastAccess: now}
	var value []byte
	if d.Size >= s.opts.LargeBlobThreshold {
		meta.Large = true
		if err := sh.writeLarge(d, data, s.opts.SyncWrites); err != nil {
			return false, fmt.Errorf("local: put %s: %w", d, err)
		}
	} else {
		value, meta.Compressed = s.comp.Compress(data)
	}

	err = sh.update(func(txn *badger.Txn) error {
		if !meta.Large {
			if err := txn.Set(blobKey(d), value); err != nil {
				return err
			}
		}
		return txn.Set(metaKey(d), meta.encode())
	})
	if err != nil {
		if meta.Large {
			_ = sh.removeLarge(d)
		}
		return false, fmt.Errorf("local: put %s: %w", d, err)
	}

	sh.size.Add(d.Size)
	sh.count.Add(1)
	s.setShardGauge(sh)
	s.m.LocalWrites.WithLabelValues("stored").Inc()
	s.cache.Add(d, data)
	return true, nil
}

// Remove deletes d. Removing absent content is not an error.
func (s *Store) Remove(ctx context.Context, d digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh, err := s.shardFor("remove", d)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	_, err = s.removeLocked(sh, d, nil)
	return err
}

// removeLocked deletes d unless keep vetoes it. It returns the removed
// metadata, or nil when nothing was removed. sh.mu must be held.
func (s *Store) removeLocked(sh *shard, d digest.Digest, keep func(digest.Digest, Meta) bool) (*Meta, error) {
	var removed *Meta
	err := sh.update(func(txn *badger.Txn) error {
		removed = nil
		m, ok, err := getMeta(txn, d)
		if err != nil {
			return err
		}
		if ok && keep != nil && keep(d, m) {
			return nil
		}
		if err := txn.Delete(blobKey(d)); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := txn.Delete(metaKey(d)); err != nil {
			return err
		}
		removed = &m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: remove %s: %w", d, err)
	}
	sh.removals++
	s.cache.Remove(d)
	if removed == nil {
		return nil, nil
	}
	if removed.Large {
		if err := sh.removeLarge(d); err != nil {
			s.log.Warn("remove large blob file", zap.Stringer("digest", d), zap.Error(err))
		}
	}
	sh.size.Add(-removed.Digest.Size)
	sh.count.Add(-1)
	s.setShardGauge(sh)

	sh.touchMu.Lock()
	delete(sh.touched, d)
	sh.touchMu.Unlock()
	return removed, nil
}

// SetLease records a lease on d expiring at until. A zero until clears it.
func (s *Store) SetLease(ctx context.Context, d digest.Digest, until time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sh, err := s.shardFor("lease", d)
	if err != nil {
		return err
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	err = sh.update(func(txn *badger.Txn) error {
		m, ok, err := getMeta(txn, d)
		if err != nil {
			return err
		}
		if !ok || m.Digest.Size != d.Size {
			return caserr.ErrNotFound
		}
		m.LeaseUntil = until
		return txn.Set(metaKey(d), m.encode())
	})
	if err != nil {
		return fmt.Errorf("local: lease %s: %w", d, err)
	}
	return nil
}

// Lease returns the lease expiry of d, zero when none is held.
func (s *Store) Lease(ctx context.Context, d digest.Digest) (time.Time, error) {
	m, err := s.Stat(ctx, d)
	if err != nil {
		return time.Time{}, err
	}
	return m.LeaseUntil, nil
}

// touch records an access to d. Access times are kept in memory and written
// back when the shard is scanned or closed. last is the persisted access
// time; a recent one makes the touch unnecessary.
func (s *Store) touch(sh *shard, d digest.Digest, last time.Time) {
	now := s.opts.Now()
	if !last.IsZero() && now.Sub(last) < s.opts.TouchInterval {
		return
	}
	sh.touchMu.Lock()
	sh.touched[d] = now
	sh.touchMu.Unlock()
}

// flushTouches persists recorded access times of sh.
func (s *Store) flushTouches(sh *shard) error {
	sh.touchMu.Lock()
	touched := sh.touched
	sh.touched = make(map[digest.Digest]time.Time)
	sh.touchMu.Unlock()
	if len(touched) == 0 {
		return nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	wb := sh.db.NewWriteBatch()
	defer wb.Cancel()
	for d, at := range touched {
		var (
			m  Meta
			ok bool
		)
		err := sh.db.View(func(txn *badger.Txn) error {
			var err error
			m, ok, err = getMeta(txn, d)
			return err
		})
		if err != nil {
			return fmt.Errorf("local: flush access times: %w", err)
		}
		if !ok || !at.After(m.LastAccess) {
			continue
		}
		m.LastAccess = at
		if err := wb.Set(metaKey(d), m.encode()); err != nil {
			return fmt.Errorf("local: flush access times: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("local: flush access times: %w", err)
	}
	return nil
}

// Entries returns a snapshot of the metadata held by shard i, with access
// times current.
func (s *Store) Entries(ctx context.Context, i int) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sh := s.shards[i]
	if err := s.flushTouches(sh); err != nil {
		return nil, err
	}

	var out []Meta
	err := sh.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: metaPrefix, PrefetchValues: true, PrefetchSize: 256})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw := item.KeyCopy(nil)[len(metaPrefix):]
			err := item.Value(func(v []byte) error {
				m, err := decodeMeta(raw, v)
				if err != nil {
					return err
				}
				out = append(out, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: entries of shard %d: %w", i, err)
	}
	return out, nil
}

// Evict deletes digests from shard i. keep is called with the current
// metadata of each digest under the shard writer lock; returning true spares
// it. It returns the number of blobs and bytes removed.
func (s *Store) Evict(ctx context.Context, i int, digests []digest.Digest, keep func(digest.Digest, Meta) bool) (int, int64, error) {
	sh := s.shards[i]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var (
		blobs int
		freed int64
	)
	for _, d := range digests {
		if err := ctx.Err(); err != nil {
			return blobs, freed, err
		}
		if err := d.Validate(); err != nil {
			return blobs, freed, fmt.Errorf("local: evict: %w", err)
		}
		if s.ShardFor(d) != i {
			return blobs, freed, fmt.Errorf("local: evict: %s does not belong to shard %d", d, i)
		}
		removed, err := s.removeLocked(sh, d, keep)
		if err != nil {
			return blobs, freed, err
		}
		if removed != nil {
			blobs++
			freed += removed.Digest.Size
		}
	}
	return blobs, freed, nil
}

// Verify re-reads every blob of shard i and removes those that no longer
// match their digest. It returns the removed digests.
func (s *Store) Verify(ctx context.Context, i int) ([]digest.Digest, error) {
	entries, err := s.Entries(ctx, i)
	if err != nil {
		return nil, err
	}
	var bad []digest.Digest
	for _, m := range entries {
		s.cache.Remove(m.Digest)
		_, err := s.Load(ctx, m.Digest)
		switch {
		case err == nil, errors.Is(err, caserr.ErrNotFound):
		case errors.Is(err, caserr.ErrCorruption), errors.Is(err, os.ErrNotExist):
			if rerr := s.Remove(ctx, m.Digest); rerr != nil {
				return bad, rerr
			}
			bad = append(bad, m.Digest)
		default:
			return bad, err
		}
	}
	return bad, nil
}
