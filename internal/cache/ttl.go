// Package cache provides a small concurrent key/value cache with per-entry
// expiry. A miss means "unknown": callers ask the source of truth.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is safe for concurrent use. Writes to distinct keys do not contend.
type TTL[K comparable, V any] struct {
	m   sync.Map // K -> *entry[V]
	now func() time.Time
	n   atomic.Int64

	hits, misses atomic.Uint64
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func New[K comparable, V any](opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return &TTL[K, V]{now: o.now}
}

// Set stores v until now+ttl, replacing any existing entry. A non-positive
// ttl deletes the key.
func (c *TTL[K, V]) Set(key K, v V, ttl time.Duration) {
	if ttl <= 0 {
		c.Delete(key)
		return
	}
	e := &entry[V]{value: v, expiresAt: c.now().Add(ttl)}
	if _, loaded := c.m.Swap(key, e); !loaded {
		c.n.Add(1)
	}
}

// Get returns the value if present and unexpired. An expired entry observed
// here is evicted unless a concurrent Set already replaced it.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	var zero V
	raw, ok := c.m.Load(key)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	e := raw.(*entry[V])
	if !c.now().Before(e.expiresAt) {
		if c.m.CompareAndDelete(key, raw) {
			c.n.Add(-1)
		}
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

func (c *TTL[K, V]) Delete(key K) {
	if _, loaded := c.m.LoadAndDelete(key); loaded {
		c.n.Add(-1)
	}
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *TTL[K, V]) Sweep() int {
	now := c.now()
	removed := 0
	c.m.Range(func(k, raw any) bool {
		if !now.Before(raw.(*entry[V]).expiresAt) && c.m.CompareAndDelete(k, raw) {
			c.n.Add(-1)
			removed++
		}
		return true
	})
	return removed
}

// Len counts stored entries, expired ones included until evicted.
func (c *TTL[K, V]) Len() int { return int(c.n.Load()) }

type Stats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

func (c *TTL[K, V]) Stats() Stats {
	return Stats{Entries: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Sweeper is the non-generic view maintenance jobs use.
type Sweeper interface {
	Sweep() int
	Stats() Stats
}

var _ Sweeper = (*TTL[string, int])(nil)
