// Package flight tracks in-flight fetches per digest so that concurrent
// requests for the same content share a single fetch.
package flight

import (
	"context"
	"sync"

	"github.com/aweris/buildcas/internal/digest"
)

const stripes = 64

// Group is a registry of in-flight tokens keyed by digest. Each digest maps to
// one stripe with its own mutex, so unrelated digests rarely contend.
type Group struct {
	stripes [stripes]stripe
}

type stripe struct {
	mu    sync.Mutex
	calls map[digest.Digest]*call
}

type call struct {
	done chan struct{}
	err  error
}

// Do claims the token for d and runs fn, or joins the fetch already running
// for d. fn runs on a context detached from ctx: a caller that gives up only
// stops waiting; the fetch keeps going for the other waiters. shared reports
// whether the result came from a fetch started by another caller.
func (g *Group) Do(ctx context.Context, d digest.Digest, fn func(ctx context.Context) error) (shared bool, err error) {
	s := g.stripe(d)

	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[digest.Digest]*call)
	}
	c, joined := s.calls[d]
	if !joined {
		c = &call{done: make(chan struct{})}
		s.calls[d] = c
		go g.run(context.WithoutCancel(ctx), s, d, c, fn)
	}
	s.mu.Unlock()

	select {
	case <-c.done:
		return joined, c.err
	case <-ctx.Done():
		return joined, ctx.Err()
	}
}

func (g *Group) run(ctx context.Context, s *stripe, d digest.Digest, c *call, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			c.err = &PanicError{Value: r}
		}
		s.mu.Lock()
		delete(s.calls, d)
		s.mu.Unlock()
		close(c.done)
	}()
	c.err = fn(ctx)
}

// InFlight reports whether a fetch for d is currently registered.
func (g *Group) InFlight(d digest.Digest) bool {
	s := g.stripe(d)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calls[d]
	return ok
}

// Len returns the number of registered tokens.
func (g *Group) Len() int {
	n := 0
	for i := range g.stripes {
		s := &g.stripes[i]
		s.mu.Lock()
		n += len(s.calls)
		s.mu.Unlock()
	}
	return n
}

func (g *Group) stripe(d digest.Digest) *stripe {
	// FNV-1a over the hex hash.
	h := uint32(2166136261)
	for i := 0; i < len(d.Hash); i++ {
		h ^= uint32(d.Hash[i])
		h *= 16777619
	}
	return &g.stripes[h%stripes]
}

// PanicError is returned to every waiter when the fetch function panics.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return "flight: fetch panicked"
}
