package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type Options struct {
	TTL time.Duration
	// StaleWhileRevalidate serves an expired value for this long while a
	// single background load refreshes it.
	StaleWhileRevalidate time.Duration
	// NegativeTTL caches loader errors. Zero disables negative caching.
	NegativeTTL time.Duration
	MaxEntries  int
}

// Hooks are called with a short event name: hit, miss, stale, store, error.
type Hooks struct {
	OnEvent func(event string)
}

type entry[V any] struct {
	value     V
	err       error
	expiresAt time.Time
	staleAt   time.Time
	negative  bool
}

// Cache is an in-process read-through cache with per-key load coalescing.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]*entry[V]
	order []string
	opts  Options
	hooks Hooks
	sf    singleflight.Group
	now   func() time.Time
}

type Loader[V any] func(ctx context.Context, key string) (V, error)

func New[V any](opts Options, hooks Hooks) *Cache[V] {
	return &Cache[V]{
		items: make(map[string]*entry[V]),
		opts:  opts,
		hooks: hooks,
		now:   time.Now,
	}
}

func (c *Cache[V]) emit(event string) {
	if c.hooks.OnEvent != nil {
		c.hooks.OnEvent(event)
	}
}

// Get returns the cached value for key, loading it on a miss. Concurrent
// misses for one key share a single loader call.
func (c *Cache[V]) Get(ctx context.Context, key string, loader Loader[V]) (V, error) {
	now := c.now()
	c.mu.RLock()
	e, found := c.items[key]
	c.mu.RUnlock()

	if found {
		if now.Before(e.expiresAt) {
			c.emit("hit")
			return e.value, e.err
		}
		if now.Before(e.staleAt) {
			c.emit("stale")
			refreshCtx := context.WithoutCancel(ctx)
			go func() {
				_, _, _ = c.sf.Do("refresh:"+key, func() (interface{}, error) {
					val, err := loader(refreshCtx, key)
					c.store(key, val, err)
					return nil, nil
				})
			}()
			return e.value, e.err
		}
		c.Delete(key)
	}

	c.emit("miss")
	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		val, err := loader(ctx, key)
		c.store(key, val, err)
		return val, err
	})
	if err != nil {
		var zero V
		return zero, err
	}
	val, ok := result.(V)
	if !ok {
		var zero V
		return zero, fmt.Errorf("cache: unexpected value type %T for %q", result, key)
	}
	return val, nil
}

func (c *Cache[V]) store(key string, val V, err error) {
	now := c.now()
	e := &entry[V]{}
	if err == nil {
		e.value = val
		e.expiresAt = now.Add(c.opts.TTL)
		e.staleAt = e.expiresAt.Add(c.opts.StaleWhileRevalidate)
	} else {
		c.emit("error")
		if c.opts.NegativeTTL <= 0 {
			return
		}
		e.err = err
		e.negative = true
		e.expiresAt = now.Add(c.opts.NegativeTTL)
		e.staleAt = e.expiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = e
	c.evictIfNeeded()
	c.emit("store")
}

// evictIfNeeded drops the oldest inserted keys. Caller holds mu.
func (c *Cache[V]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 {
		return
	}
	for len(c.items) > c.opts.MaxEntries && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
	}
}

func (c *Cache[V]) Set(key string, val V) {
	c.store(key, val, nil)
}

// Peek returns a cached value without loading. Stale values count.
func (c *Cache[V]) Peek(key string) (V, bool) {
	var zero V
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || e.negative || c.now().After(e.staleAt) {
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Purge drops every entry.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry[V])
	c.order = nil
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
