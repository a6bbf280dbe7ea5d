// Package querycache keeps the last known result of each query in memory and
// funnels every mutation of it through one lock.
package querycache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Key identifies a query: a resource plus its parameters.
type Key string

// NewKey builds the key of resource queried with params.
func NewKey(resource string, params ...string) Key {
	if len(params) == 0 {
		return Key(resource)
	}
	return Key(resource + ":" + strings.Join(params, ":"))
}

// FetchFunc loads the value of a key from the network.
type FetchFunc func(ctx context.Context) (any, error)

// MergeFunc combines a freshly fetched value with the cached one.
type MergeFunc func(old any, ok bool, fetched any) any

// Options configures a Cache.
type Options struct {
	// StaleTime is how long a fetched value is served without refetching.
	// Zero always refetches.
	StaleTime time.Duration
	// RetryDelay is the pause before the single retry of a failed fetch.
	RetryDelay time.Duration
	Logger     zerolog.Logger
}

type entry struct {
	value     any
	fetchedAt time.Time
	stale     bool
}

// Cache is a process-wide keyed store. It never evicts on its own.
type Cache struct {
	opts Options

	mu       sync.Mutex
	entries  map[Key]*entry
	watchers map[Key]map[int]chan any
	nextID   int
}

// New creates an empty cache.
func New(opts Options) *Cache {
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	return &Cache{
		opts:     opts,
		entries:  make(map[Key]*entry),
		watchers: make(map[Key]map[int]chan any),
	}
}

// Get returns the cached value of key.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set replaces the value of key and marks it freshly fetched.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &entry{value: value, fetchedAt: time.Now()}
	c.notify(key, value)
}

// Patch replaces the value of key with fn applied to the current one. Patches
// to a key are applied one at a time in the order they are issued.
func (c *Cache) Patch(key Key, fn func(old any, ok bool) any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	var old any
	if ok {
		old = e.value
	} else {
		e = &entry{stale: true}
		c.entries[key] = e
	}
	e.value = fn(old, ok)
	c.notify(key, e.value)
}

// Invalidate marks key stale so the next Fetch goes to the network. The
// cached value stays readable.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.stale = true
	}
}

// InvalidatePrefix marks every key starting with prefix stale.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if strings.HasPrefix(string(key), prefix) {
			e.stale = true
		}
	}
}

// Remove drops key. Watchers are not notified.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *Cache) fresh(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.stale || e.fetchedAt.IsZero() || c.opts.StaleTime <= 0 {
		return nil, false
	}
	if time.Since(e.fetchedAt) >= c.opts.StaleTime {
		return nil, false
	}
	return e.value, true
}

// Watch returns a channel holding the latest value of key after each change,
// and a function that stops the notifications. Intermediate values may be
// skipped by a slow reader.
func (c *Cache) Watch(key Key) (<-chan any, func()) {
	ch := make(chan any, 1)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.watchers[key] == nil {
		c.watchers[key] = make(map[int]chan any)
	}
	c.watchers[key][id] = ch
	if e, ok := c.entries[key]; ok {
		ch <- e.value
	}
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers[key], id)
			if len(c.watchers[key]) == 0 {
				delete(c.watchers, key)
			}
			c.mu.Unlock()
			close(ch)
		})
	}
}

// notify must be called with c.mu held.
func (c *Cache) notify(key Key, value any) {
	for _, ch := range c.watchers[key] {
		select {
		case <-ch:
		default:
		}
		ch <- value
	}
}

// Fetch returns the value of key, loading it with fn unless a fresh value is
// cached. A failed load is retried once. Nothing is written once ctx is done.
func (c *Cache) Fetch(ctx context.Context, key Key, fn FetchFunc) (any, error) {
	return c.FetchMerge(ctx, key, fn, nil)
}

// FetchMerge is Fetch with the fetched value combined with the cached one by
// merge. A nil merge replaces the cached value.
func (c *Cache) FetchMerge(ctx context.Context, key Key, fn FetchFunc, merge MergeFunc) (any, error) {
	if v, ok := c.fresh(key); ok {
		return v, nil
	}

	value, err := fn(ctx)
	if err != nil && ctx.Err() == nil {
		c.opts.Logger.Debug().Err(err).Str("key", string(key)).Msg("fetch failed, retrying")
		select {
		case <-time.After(c.opts.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		value, err = fn(ctx)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Checked under the lock so a cancel that happened first always wins
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	e, ok := c.entries[key]
	if merge != nil {
		var old any
		if ok {
			old = e.value
		}
		value = merge(old, ok, value)
	}
	c.entries[key] = &entry{value: value, fetchedAt: time.Now()}
	c.notify(key, value)
	return value, nil
}

// GetAs returns the value of key as a V.
func GetAs[V any](c *Cache, key Key) (V, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	typed, ok := v.(V)
	return typed, ok
}

// PatchAs is Patch for values of type V. A missing or mistyped value is
// passed to fn as the zero V.
func PatchAs[V any](c *Cache, key Key, fn func(old V) V) {
	c.Patch(key, func(old any, _ bool) any {
		typed, _ := old.(V)
		return fn(typed)
	})
}
