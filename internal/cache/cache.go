package cache

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/wudi/bankgate/internal/config"
)

// Cache applies TTL classes and storage limits on top of a Store.
type Cache struct {
	store         Store
	classes       map[string]Class
	maxEntryBytes int64
	now           func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	stored atomic.Int64
}

// Stats reports cache counters alongside store statistics.
type Stats struct {
	Hits   int64      `json:"hits"`
	Misses int64      `json:"misses"`
	Stored int64      `json:"stored"`
	Store  StoreStats `json:"store"`
}

// New creates a Cache over store with the configured TTL classes.
func New(store Store, cfg config.CacheConfig) *Cache {
	classes := make(map[string]Class, len(cfg.Classes))
	for name, cc := range cfg.Classes {
		classes[name] = Class{Success: cc.Success, NotFound: cc.NotFound}
	}
	return &Cache{
		store:         store,
		classes:       classes,
		maxEntryBytes: cfg.MaxEntryBytes,
		now:           time.Now,
	}
}

// Get returns a live entry for key.
func (c *Cache) Get(key string) (*Entry, bool) {
	e, ok := c.store.Get(key)
	if ok && !e.Expired(c.now()) {
		c.hits.Add(1)
		return e, true
	}
	c.misses.Add(1)
	return nil, false
}

// Put stores a response under key when its class, status and headers allow
// it. It reports whether the response was stored.
func (c *Cache) Put(key, class string, status int, headers http.Header, body []byte) bool {
	cls, ok := c.classes[class]
	if !ok {
		return false
	}
	ttl, ok := cls.TTL(status)
	if !ok || !Storable(headers) {
		return false
	}
	if c.maxEntryBytes > 0 && int64(len(body)) > c.maxEntryBytes {
		return false
	}

	now := c.now()
	c.store.Set(key, &Entry{
		StatusCode: status,
		Headers:    headers.Clone(),
		Body:       append([]byte(nil), body...),
		StoredAt:   now,
		ExpiresAt:  now.Add(ttl),
	})
	c.stored.Add(1)
	return true
}

// Invalidate removes key.
func (c *Cache) Invalidate(key string) {
	c.store.Delete(key)
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.store.Purge()
}

// Store returns the backing store.
func (c *Cache) Store() Store {
	return c.store
}

// Stats returns a snapshot of counters and store statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Stored: c.stored.Load(),
		Store:  c.store.Stats(),
	}
}
