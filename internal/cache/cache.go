// Package cache stores normalized provider responses keyed by the normalized
// request, and coalesces concurrent misses for the same key into one call.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/af-corp/aiproxy/internal/proxyerr"
)

// ComputeFunc produces the payload for a missing key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Computes    uint64
	StoreErrors uint64
}

// Cache is a TTL cache in front of a Store. A nil *Cache is valid and
// always computes.
type Cache struct {
	store  Store
	group  singleflight.Group
	now    func() time.Time
	logger *slog.Logger

	hits, misses, computes, storeErrors atomic.Uint64
}

type Option func(*Cache)

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func New(store Store, opts ...Option) *Cache {
	c := &Cache{store: store, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

type result struct {
	payload []byte
	cached  bool
}

// GetOrCompute returns the live payload for key, or runs compute once for all
// concurrent callers of the same key and stores its result for ttl. Failed
// computations are never stored. Store failures are logged and treated as
// misses. The computation is detached from the caller's cancellation so that
// one caller going away does not fail the others; a cancelled caller returns
// ctx.Err() without waiting. The returned flag is false only for the caller
// whose compute produced the payload.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, bool, error) {
	if c == nil || c.store == nil || ttl <= 0 {
		payload, err := compute(ctx)
		return payload, false, err
	}

	if payload, ok := c.Lookup(ctx, key); ok {
		return payload, true, nil
	}

	detached := context.WithoutCancel(ctx)
	var led bool
	ch := c.group.DoChan(key, func() (v any, err error) {
		led = true
		// compute runs on the flight's goroutine, out of reach of the
		// caller's recover.
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("cache compute panicked", "panic", r, "stack", string(debug.Stack()))
				err = proxyerr.Other(fmt.Sprintf("compute panicked: %v", r), nil)
			}
		}()
		// Another flight may have filled the key between our lookup and now.
		if payload, ok := c.lookup(detached, key, false); ok {
			return result{payload: payload, cached: true}, nil
		}
		c.computes.Add(1)
		payload, err := compute(detached)
		if err != nil {
			return nil, err
		}
		c.Put(detached, key, payload, ttl)
		return result{payload: payload}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, false, r.Err
		}
		res := r.Val.(result)
		// Callers that joined another caller's flight did not reach the provider.
		return res.payload, res.cached || !led, nil
	}
}

// Lookup returns the live payload stored under key.
func (c *Cache) Lookup(ctx context.Context, key string) ([]byte, bool) {
	if c == nil || c.store == nil {
		return nil, false
	}
	return c.lookup(ctx, key, true)
}

func (c *Cache) lookup(ctx context.Context, key string, count bool) ([]byte, bool) {
	e, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.storeErrors.Add(1)
		c.logger.Warn("cache lookup failed", "error", err)
		ok = false
	}
	if ok && e.Expired(c.now()) {
		ok = false
		if err := c.store.Delete(ctx, key); err != nil {
			c.storeErrors.Add(1)
			c.logger.Warn("cache delete failed", "error", err)
		}
	}
	if count {
		if ok {
			c.hits.Add(1)
		} else {
			c.misses.Add(1)
		}
	}
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// Put stores payload under key for ttl, replacing any previous entry.
func (c *Cache) Put(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if c == nil || c.store == nil || ttl <= 0 {
		return
	}
	e := Entry{Payload: payload, CreatedAt: c.now(), TTL: ttl}
	if err := c.store.Set(ctx, key, e); err != nil {
		c.storeErrors.Add(1)
		c.logger.Warn("cache store failed", "error", err)
	}
}

func (c *Cache) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Computes:    c.computes.Load(),
		StoreErrors: c.storeErrors.Load(),
	}
}
