// Package cache is the short-lived read-through cache in front of the data
// gateway. Entries carry invalidation tags so a mutation can drop exactly the
// results it makes stale.
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultTTL        = 60 * time.Second
	DefaultMaxEntries = 100
)

type entry struct {
	value  any
	stored time.Time
	tags   []string
}

// Cache is a bounded LRU with a per-entry TTL and a tag index.
//
// Lock order is mu, then the LRU's internal lock, then indexMu. The eviction
// callback only takes indexMu, so nothing may call into the LRU while
// holding indexMu.
type Cache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, entry]
	ttl time.Duration
	now func() time.Time

	indexMu sync.Mutex
	byTag   map[string]map[string]struct{}
}

// New creates a cache holding at most maxEntries values for ttl each.
// Non-positive arguments fall back to the defaults.
func New(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	c := &Cache{
		ttl:   ttl,
		now:   time.Now,
		byTag: make(map[string]map[string]struct{}),
	}
	c.lru = expirable.NewLRU[string, entry](maxEntries, c.onEvict, ttl)
	return c
}

// Key builds a cache key from the tool name and its argument tuple. The
// arguments are JSON encoded, so maps are keyed in sorted order and distinct
// tuples never share a key.
func Key(tool string, args ...any) string {
	raw, err := json.Marshal(args)
	if err != nil {
		// Unencodable arguments are never cached under a shared key.
		return tool + "|" + err.Error()
	}
	return tool + "|" + string(raw)
}

// Get returns the value stored under key unless it is missing or older than
// the TTL.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.stored) >= c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, replacing any previous entry and its tags.
func (c *Cache) Set(key string, value any, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Add does not fire the eviction callback on replace.
	c.lru.Remove(key)
	c.lru.Add(key, entry{value: value, stored: c.now(), tags: tags})

	c.indexMu.Lock()
	for _, tag := range tags {
		keys, ok := c.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	c.indexMu.Unlock()
}

// Invalidate drops every entry carrying at least one of tags and returns how
// many were removed.
func (c *Cache) Invalidate(tags ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.indexMu.Lock()
	victims := make(map[string]struct{})
	for _, tag := range tags {
		for key := range c.byTag[tag] {
			victims[key] = struct{}{}
		}
	}
	c.indexMu.Unlock()

	n := 0
	for key := range victims {
		if c.lru.Remove(key) {
			n++
		}
	}
	return n
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.indexMu.Lock()
	c.byTag = make(map[string]map[string]struct{})
	c.indexMu.Unlock()
}

// Len reports the number of entries held, including ones not yet reaped.
func (c *Cache) Len() int {
	return c.lru.Len()
}

func (c *Cache) onEvict(key string, e entry) {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()
	for _, tag := range e.tags {
		keys := c.byTag[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byTag, tag)
		}
	}
}
