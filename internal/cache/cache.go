// Package cache implements the bounded TTL response cache keyed by
// request fingerprint. Eviction is insertion-order FIFO, not LRU.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"upbitflow/internal/model"
)

// Config configures a Cache.
type Config struct {
	MaxEntries int
	TTL        map[model.DataType]time.Duration
}

// DefaultConfig returns the default cache policy. Ticker and orderbook are
// never cached: their values are stale the moment they are stored.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		TTL: map[model.DataType]time.Duration{
			model.DataTicker:    0,
			model.DataOrderbook: 0,
			model.DataTrade:     30 * time.Second,
			model.DataCandle:    60 * time.Second,
		},
	}
}

type entry struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
}

// Cache is a bounded TTL store. Last write per key wins.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	order   []string // Insertion order for FIFO eviction

	hits   int64
	misses int64

	now func() time.Time
}

// New creates a Cache.
func New(cfg Config) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	return &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Cacheable reports whether the data type is cached at all under the policy
// table.
func (c *Cache) Cacheable(dt model.DataType) bool {
	return c.cfg.TTL[dt] > 0
}

// TTL returns the configured TTL for the data type (0 = never cached).
func (c *Cache) TTL(dt model.DataType) time.Duration {
	return c.cfg.TTL[dt]
}

// Get returns the cached value for key if it has not expired. Expired
// entries are evicted on read.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}

	if c.now().Sub(e.storedAt) >= e.ttl {
		c.remove(key)
		c.misses++
		return nil, false
	}

	c.hits++
	return e.value, true
}

// Put stores value under key. Past MaxEntries the single oldest insertion
// is evicted first.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; ok {
		// Overwrite keeps the original insertion position.
		c.entries[key] = &entry{value: value, storedAt: c.now(), ttl: ttl}
		return
	}

	if len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldest()
	}

	c.entries[key] = &entry{value: value, storedAt: c.now(), ttl: ttl}
	c.order = append(c.order, key)
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// remove deletes key from the table and the insertion order. Caller holds mu.
func (c *Cache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// evictOldest drops the single oldest insertion. Caller holds mu.
func (c *Cache) evictOldest() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}

// Fingerprint derives the cache key from the semantically relevant fields
// of a request: data type, sorted symbols, count, interval, and range end.
func Fingerprint(req model.DataRequest) string {
	symbols := make([]string, len(req.Symbols))
	for i, s := range req.Symbols {
		symbols[i] = string(s)
	}
	sort.Strings(symbols)

	to := "latest"
	if !req.To.IsZero() {
		to = req.To.UTC().Format(time.RFC3339)
	}

	return fmt.Sprintf("%s|%s|%d|%s|%s",
		req.DataType, strings.Join(symbols, ","), req.Count, req.Interval, to)
}
