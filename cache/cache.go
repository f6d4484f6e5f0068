// Package cache implements the size- and TTL-bounded associative cache with
// per-key single-flight loading, statistics and explicit invalidation
// described as the Cache Core: bounded by entry count, time-to-live after
// write, optional time-to-idle after access, and an opportunistic eviction
// path that never holds a lock across I/O. One cache-wide mutex guards the
// entry map and recency list; it is held only for map and list updates,
// never across a loader call or an eviction callback, and concurrent loads
// are deduplicated per key through single-flight.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/riftforge/mongoconfigs/internal/errs"
)

// Cause identifies why an entry was removed from the cache.
type Cause int

const (
	// EXPIRED means the entry's TTL or TTI elapsed.
	EXPIRED Cause = iota
	// SIZE means the entry was evicted to respect the configured maximum.
	SIZE
	// EXPLICIT means a caller invalidated the entry directly.
	EXPLICIT
	// REPLACED means a Put overwrote a still-live entry.
	REPLACED
)

// EvictionListener is notified for every removal, if configured.
type EvictionListener[K comparable] func(key K, cause Cause)

// Stats is a snapshot of hit/miss/eviction counters. Collection is optional
// and toggled at construction time; when disabled Hits, Misses and Evictions
// read zero, while Size always reports the current entry count.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// Options configures a Cache instance.
type Options struct {
	// MaxSize bounds the number of entries; 0 means unbounded.
	MaxSize int
	// TTL is the time-to-live measured from the last write. Zero disables
	// TTL-based expiry.
	TTL time.Duration
	// TTI is the time-to-idle measured from the last access. Zero disables
	// idle-based expiry.
	TTI time.Duration
	// RecordStats toggles hit/miss/eviction counters.
	RecordStats bool
	// JanitorInterval controls how often the background sweep runs; when
	// left at zero it defaults to a quarter of the shorter of the non-zero
	// TTL and TTI.
	JanitorInterval time.Duration
	// OnEvict is called for every removal, outside of the cache's lock.
	OnEvict EvictionListener[string]
}

type entry[V any] struct {
	key        string
	val        V
	writtenAt  time.Time
	accessedAt time.Time
	elem       *list.Element
}

// Cache is a generic, concurrency-safe bounded cache keyed by string (the
// storage gateway's (collection, id) pairs and player ids are both rendered
// to string keys by their respective callers).
type Cache[V any] struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // front = most recently used

	flight singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New constructs a Cache with the given options and starts its background
// janitor goroutine (unless both TTL and TTI are zero, in which case there
// is nothing for the janitor to do).
func New[V any](opts Options) *Cache[V] {
	c := &Cache[V]{
		opts:    opts,
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		closeCh: make(chan struct{}),
	}
	if opts.TTL > 0 || opts.TTI > 0 {
		interval := opts.JanitorInterval
		if interval <= 0 {
			interval = opts.TTL
			if interval <= 0 || (opts.TTI > 0 && opts.TTI < interval) {
				interval = opts.TTI
			}
			if interval <= 0 {
				interval = time.Minute
			}
			interval /= 4
			if interval <= 0 {
				interval = time.Second
			}
		}
		go c.janitor(interval)
	}
	return c
}

// Close stops the background janitor. It does not clear the cache.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// Get returns the cached value for key if present and unexpired. On a miss
// it runs loader under single-flight: concurrent Get calls for the same key
// share one loader invocation and complete with the same value (I5/P5).
// Loader errors are never cached (so the next Get retries).
func (c *Cache[V]) Get(ctx context.Context, key string, loader func(context.Context) (V, error)) (V, error) {
	if v, ok := c.peek(key); ok {
		c.recordHit()
		return v, nil
	}
	c.recordMiss()

	type result struct {
		val V
		err error
	}
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		val, err := loader(context.WithoutCancel(ctx))
		if err != nil {
			return result{err: err}, nil
		}
		c.Put(key, val)
		return result{val: val}, nil
	})

	select {
	case r := <-ch:
		res := r.Val.(result)
		if r.Err != nil {
			return res.val, errs.Wrap(errs.TransportFailure, r.Err)
		}
		return res.val, res.err
	case <-ctx.Done():
		var zero V
		return zero, errs.New(errs.Canceled, ctx.Err())
	}
}

func (c *Cache[V]) peek(key string) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	if c.expired(e, time.Now()) {
		c.removeLocked(e, EXPIRED)
		c.mu.Unlock()
		c.notify(key, EXPIRED)
		var zero V
		return zero, false
	}
	e.accessedAt = time.Now()
	c.order.MoveToFront(e.elem)
	val := e.val
	c.mu.Unlock()
	return val, true
}

func (c *Cache[V]) expired(e *entry[V], now time.Time) bool {
	if c.opts.TTL > 0 && now.Sub(e.writtenAt) >= c.opts.TTL {
		return true
	}
	if c.opts.TTI > 0 && now.Sub(e.accessedAt) >= c.opts.TTI {
		return true
	}
	return false
}

// Put writes value into the cache unconditionally, as Set does after a
// successful commit: subsequent local reads observe it immediately, ahead
// of change-stream feedback.
func (c *Cache[V]) Put(key string, value V) {
	now := time.Now()
	var evictedKey string
	var evicted bool

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.order.Remove(old.elem)
		delete(c.entries, key)
		evictedKey, evicted = key, true
	}
	e := &entry[V]{key: key, val: value, writtenAt: now, accessedAt: now}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e

	var sizeEvictKey string
	var sizeEvicted bool
	if c.opts.MaxSize > 0 && len(c.entries) > c.opts.MaxSize {
		back := c.order.Back()
		if back != nil {
			victim := back.Value.(*entry[V])
			c.removeLocked(victim, SIZE)
			sizeEvictKey, sizeEvicted = victim.key, true
		}
	}
	c.mu.Unlock()

	if evicted {
		c.notify(evictedKey, REPLACED)
	}
	if sizeEvicted {
		c.notify(sizeEvictKey, SIZE)
	}
}

// Invalidate removes key if present, notifying the eviction listener with
// cause EXPLICIT. It is a no-op if the key is not cached.
func (c *Cache[V]) Invalidate(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.removeLocked(e, EXPLICIT)
	c.mu.Unlock()
	c.notify(key, EXPLICIT)
}

// InvalidateAll clears every entry, notifying the eviction listener with
// cause EXPLICIT for each.
func (c *Cache[V]) InvalidateAll() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.entries = make(map[string]*entry[V])
	c.order.Init()
	c.mu.Unlock()

	for _, k := range keys {
		c.notify(k, EXPLICIT)
	}
}

// removeLocked deletes e from the map and list; it must be called with c.mu
// held, and never performs I/O (the eviction listener is invoked by the
// caller after unlocking).
func (c *Cache[V]) removeLocked(e *entry[V], cause Cause) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
	if cause != REPLACED && c.opts.RecordStats {
		c.evictions.Add(1)
	}
}

func (c *Cache[V]) notify(key string, cause Cause) {
	if c.opts.OnEvict != nil {
		c.opts.OnEvict(key, cause)
	}
}

func (c *Cache[V]) recordHit() {
	if c.opts.RecordStats {
		c.hits.Add(1)
	}
}

func (c *Cache[V]) recordMiss() {
	if c.opts.RecordStats {
		c.misses.Add(1)
	}
}

// Stats returns a snapshot of the hit/miss/eviction counters and current
// size. When RecordStats is false, Hits/Misses/Evictions read zero.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      size,
	}
}

// janitor periodically sweeps expired entries. It collects the expired keys
// under the lock, then releases it before invoking the eviction listener,
// so maintenance never holds a lock across a caller-supplied callback.
func (c *Cache[V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeCh:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Cache[V]) sweep(now time.Time) {
	var expiredKeys []string

	c.mu.Lock()
	for _, e := range c.entries {
		if c.expired(e, now) {
			expiredKeys = append(expiredKeys, e.key)
		}
	}
	for _, k := range expiredKeys {
		if e, ok := c.entries[k]; ok {
			c.removeLocked(e, EXPIRED)
		}
	}
	c.mu.Unlock()

	for _, k := range expiredKeys {
		c.notify(k, EXPIRED)
	}
}
