// Package memory provides a bounded in-process artifact tier with LRU eviction.
package memory

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"github.com/meigma/artifactcache/cache"
)

// TierName identifies entries held by this tier.
const TierName = "memory"

// Cache is an in-memory [cache.Tier]. Entries are evicted least recently
// used first once the total size exceeds the configured ceiling.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	bytes    int64
	entries  map[string]*list.Element
	order    *list.List // front = most recently used
	onEvict  cache.EvictFunc
	now      func() time.Time
}

type entry struct {
	key      string
	content  []byte
	accessed time.Time
}

// Option configures a memory cache.
type Option func(*Cache)

// WithMaxBytes sets the size ceiling in bytes. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithOnEvict registers a callback invoked for every evicted entry.
func WithOnEvict(fn cache.EvictFunc) Option {
	return func(c *Cache) {
		c.onEvict = fn
	}
}

// WithClock overrides the time source used for access timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates an empty memory cache.
func New(opts ...Option) (*Cache, error) {
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	return c, nil
}

// Get returns a copy of the content for key and promotes it to most recently used.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed by Put
	e.accessed = c.now()
	c.order.MoveToFront(elem)
	return clone(e.content), true
}

// Put stores a copy of content under key.
//
// If the new total exceeds the ceiling, least-recently-used entries are
// evicted until it fits. The entry being inserted is never evicted by its
// own insertion, so an entry larger than the ceiling is kept on its own.
func (c *Cache) Put(key string, content []byte) error {
	if key == "" {
		return errors.New("key is empty")
	}

	var evicted []*entry
	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		old := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
		c.bytes -= int64(len(old.content))
		old.content = clone(content)
		old.accessed = c.now()
		c.bytes += int64(len(old.content))
		c.order.MoveToFront(elem)
	} else {
		e := &entry{key: key, content: clone(content), accessed: c.now()}
		c.entries[key] = c.order.PushFront(e)
		c.bytes += int64(len(e.content))
	}
	if c.maxBytes > 0 {
		evicted = c.evictLocked(c.maxBytes, key)
	}
	onEvict := c.onEvict
	c.mu.Unlock()

	if onEvict != nil {
		for _, e := range evicted {
			onEvict(e.key, int64(len(e.content)))
		}
	}
	return nil
}

// Has reports whether key is cached. It does not affect recency.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Remove deletes key if present.
func (c *Cache) Remove(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.removeLocked(elem)
	}
	return nil
}

// Size returns the total bytes held.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxBytes returns the configured ceiling (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// KeysByRecency returns keys, most recently used first.
func (c *Cache) KeysByRecency() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*entry).key) //nolint:errcheck // type is guaranteed
	}
	return keys
}

// Entries returns entry metadata, most recently used first.
func (c *Cache) Entries() []cache.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]cache.Entry, 0, len(c.entries))
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
		out = append(out, cache.Entry{
			Key:          e.key,
			Size:         int64(len(e.content)),
			LastAccessed: e.accessed,
			Tier:         TierName,
		})
	}
	return out
}

// Prune evicts least-recently-used entries until at most targetBytes remain.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.mu.Lock()
	before := c.bytes
	evicted := c.evictLocked(targetBytes, "")
	freed := before - c.bytes
	onEvict := c.onEvict
	c.mu.Unlock()

	if onEvict != nil {
		for _, e := range evicted {
			onEvict(e.key, int64(len(e.content)))
		}
	}
	return freed, nil
}

// evictLocked removes entries from the back of the list until the total is
// at most target. The entry named keep is skipped.
// Caller must hold c.mu.
func (c *Cache) evictLocked(target int64, keep string) []*entry {
	var evicted []*entry
	elem := c.order.Back()
	for c.bytes > target && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
		if e.key != keep {
			c.removeLocked(elem)
			evicted = append(evicted, e)
		}
		elem = prev
	}
	return evicted
}

// removeLocked removes an element from both the list and the map.
// Caller must hold c.mu.
func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry) //nolint:errcheck // type is guaranteed
	c.order.Remove(elem)
	delete(c.entries, e.key)
	c.bytes -= int64(len(e.content))
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var (
	_ cache.Tier   = (*Cache)(nil)
	_ cache.Pruner = (*Cache)(nil)
	_ cache.Lister = (*Cache)(nil)
)
