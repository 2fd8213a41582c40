package buildcas

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/local"
)

// Lease keeps a digest from being evicted until it expires or is released.
type Lease struct {
	digest   Digest
	until    time.Time
	released atomic.Bool
}

// Digest returns the leased digest.
func (l *Lease) Digest() Digest { return l.digest }

// Until returns the expiry, or the zero time for a lease held until
// released.
func (l *Lease) Until() time.Time {
	if l.until.Equal(local.Forever) {
		return time.Time{}
	}
	return l.until
}

// leaseTable reference counts the handles held per digest in this process.
type leaseTable struct {
	mu   sync.Mutex
	held map[digest.Digest]map[*Lease]struct{}

	// persist serializes read-modify-write of persisted leases.
	persist sync.Mutex
}

func (t *leaseTable) add(l *Lease) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.held == nil {
		t.held = make(map[digest.Digest]map[*Lease]struct{})
	}
	hs := t.held[l.digest]
	if hs == nil {
		hs = make(map[*Lease]struct{})
		t.held[l.digest] = hs
	}
	hs[l] = struct{}{}
}

// remove drops l and returns the latest expiry among the remaining handles,
// zero when none remain.
func (t *leaseTable) remove(l *Lease) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	hs := t.held[l.digest]
	delete(hs, l)
	if len(hs) == 0 {
		delete(t.held, l.digest)
		return time.Time{}
	}
	var until time.Time
	for h := range hs {
		if h.until.After(until) {
			until = h.until
		}
	}
	return until
}

// holds reports whether an unexpired handle on d is held at now. Handles
// past their ttl stop pinning d even when they were never released.
func (t *leaseTable) holds(d digest.Digest, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h := range t.held[d] {
		if h.until.After(now) {
			return true
		}
	}
	return false
}

// len returns the number of digests with an unexpired handle at now.
func (t *leaseTable) len(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, hs := range t.held {
		for h := range hs {
			if h.until.After(now) {
				n++
				break
			}
		}
	}
	return n
}

// AcquireLease fetches d if needed and keeps it from being evicted. A ttl of
// zero or less holds it until Release. Several leases on one digest may be
// held; the persisted lease covers the longest of them.
func (s *Store) AcquireLease(ctx context.Context, d Digest, ttl time.Duration) (*Lease, error) {
	const op = "acquire_lease"
	if err := d.Validate(); err != nil {
		return nil, wrap(op, TierLocal, d, err)
	}
	l := &Lease{digest: d, until: local.Forever}
	if ttl > 0 {
		l.until = s.now().Add(ttl)
	}

	// Registering first pins d while it is fetched and leased.
	s.leases.add(l)
	if err := s.persistLease(ctx, l); err != nil {
		s.leases.remove(l)
		return nil, wrap(op, TierLocal, d, err)
	}
	return l, nil
}

func (s *Store) persistLease(ctx context.Context, l *Lease) error {
	if err := s.ensureLocal(ctx, l.digest); err != nil {
		return err
	}
	s.leases.persist.Lock()
	defer s.leases.persist.Unlock()
	current, err := s.local.Lease(ctx, l.digest)
	if err != nil {
		return err
	}
	if !current.Before(l.until) {
		return nil
	}
	return s.local.SetLease(ctx, l.digest, l.until)
}

// Release drops a lease. Releasing twice is a no-op. When other handles on
// the same digest remain, the persisted lease shrinks to the longest of them.
func (s *Store) Release(ctx context.Context, l *Lease) error {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return nil
	}
	until := s.leases.remove(l)
	s.leases.persist.Lock()
	defer s.leases.persist.Unlock()
	current, err := s.local.Lease(ctx, l.digest)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrap("release", TierLocal, l.digest, err)
	}
	if !current.After(until) || current.After(l.until) {
		// Set by another process or a longer lease acquired earlier.
		return nil
	}
	err = s.local.SetLease(ctx, l.digest, until)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err == nil {
		s.log.Debug("lease released", zap.Stringer("digest", l.digest))
	}
	return wrap("release", TierLocal, l.digest, err)
}

// DropLease clears any persisted lease on d, including leases left by
// other processes.
func (s *Store) DropLease(ctx context.Context, d Digest) error {
	err := s.local.SetLease(ctx, d, time.Time{})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return wrap("drop_lease", TierLocal, d, err)
}
