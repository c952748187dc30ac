package cache

import (
	"container/list"
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hapiai/lmslink/internal/core"
)

const (
	cacheComponent = "cache"

	// Wildcard marks a pattern in Invalidate.
	Wildcard = "*"
)

// Backend is an optional second cache tier that survives restarts.
type Backend interface {
	GetCachedResponse(ctx context.Context, key string) (*core.CacheEntry, error)
	SetCachedResponse(ctx context.Context, entry *core.CacheEntry) error
	DeleteCachedResponse(ctx context.Context, key string) error
	DeleteCachedResponses(ctx context.Context, fragment string) (int64, error)
	ClearCachedResponses(ctx context.Context) error
}

// Config controls cache sizing and lifetimes.
type Config struct {
	MaxEntries int
	DefaultTTL time.Duration
	// TTLs overrides or extends the resource-type lookup table.
	TTLs     []ResourceTTL
	Backend  Backend
	Clock    func() time.Time
	Observer core.Observer
}

func configWithDefaults(cfg Config) Config {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 500
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Observer == nil {
		cfg.Observer = core.NopObserver{}
	}
	return cfg
}

// Cache is an in-memory TTL cache of response bodies. When full, the entry
// inserted earliest is evicted; reads do not change eviction order.
type Cache struct {
	cfg  Config
	ttls []ResourceTTL

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

// New builds a cache.
func New(cfg Config) *Cache {
	cfg = configWithDefaults(cfg)
	return &Cache{
		cfg:     cfg,
		ttls:    mergeTTLs(cfg.TTLs),
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// GenerateKey builds the canonical key for endpoint and params. Params are
// serialized sorted by name so equivalent requests share a key.
func GenerateKey(endpoint string, params url.Values) string {
	endpoint = strings.TrimSpace(endpoint)
	if len(params) == 0 {
		return endpoint
	}
	return endpoint + "?" + params.Encode()
}

// Get returns the cached value for key if it is present and fresh.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}

	now := c.now()

	c.mu.Lock()
	if elem, ok := c.entries[key]; ok {
		entry := elem.Value.(*core.CacheEntry)
		if entry.Valid(now) {
			value := entry.Value
			c.mu.Unlock()
			c.observe(core.Event{Kind: core.EventCacheHit, Key: key})
			return value, true
		}
		c.removeElement(elem)
	}
	c.mu.Unlock()

	if entry := c.loadBackend(ctx, key, now); entry != nil {
		c.insert(entry)
		c.observe(core.Event{Kind: core.EventCacheHit, Key: key, Component: "cache_backend"})
		return entry.Value, true
	}

	c.observe(core.Event{Kind: core.EventCacheMiss, Key: key})
	return nil, false
}

// Set stores value under key. A ttl of zero uses the resource-type lifetime
// inferred from the key.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c == nil || strings.TrimSpace(key) == "" {
		return
	}
	if ttl <= 0 {
		ttl = c.TTLFor(key)
	}

	entry := &core.CacheEntry{
		Key:      key,
		Value:    value,
		StoredAt: c.now(),
		TTL:      ttl,
	}
	c.insert(entry)

	if c.cfg.Backend != nil {
		if err := c.cfg.Backend.SetCachedResponse(ctx, entry); err != nil {
			c.observe(core.Event{Kind: core.EventCacheBackendErr, Key: key, Err: err})
		}
	}
}

// Invalidate removes key, or every key containing the text before the
// wildcard when the argument contains one.
func (c *Cache) Invalidate(ctx context.Context, keyOrPattern string) int {
	if c == nil {
		return 0
	}

	fragment, isPattern := strings.CutSuffix(keyOrPattern, Wildcard)
	if !isPattern {
		if idx := strings.Index(keyOrPattern, Wildcard); idx >= 0 {
			fragment, isPattern = keyOrPattern[:idx], true
		}
	}

	removed := 0
	c.mu.Lock()
	if isPattern {
		for key, elem := range c.entries {
			if strings.Contains(key, fragment) {
				c.removeElement(elem)
				removed++
			}
		}
	} else if elem, ok := c.entries[keyOrPattern]; ok {
		c.removeElement(elem)
		removed++
	}
	c.mu.Unlock()

	if c.cfg.Backend != nil {
		var err error
		if isPattern {
			_, err = c.cfg.Backend.DeleteCachedResponses(ctx, fragment)
		} else {
			err = c.cfg.Backend.DeleteCachedResponse(ctx, keyOrPattern)
		}
		if err != nil {
			c.observe(core.Event{Kind: core.EventCacheBackendErr, Key: keyOrPattern, Err: err})
		}
	}

	return removed
}

// Clear drops every entry.
func (c *Cache) Clear(ctx context.Context) {
	if c == nil {
		return
	}

	c.mu.Lock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	if c.cfg.Backend != nil {
		if err := c.cfg.Backend.ClearCachedResponses(ctx); err != nil {
			c.observe(core.Event{Kind: core.EventCacheBackendErr, Err: err})
		}
	}
}

// Len returns the number of in-memory entries, including expired ones not
// yet purged.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// MaxEntries returns the in-memory capacity.
func (c *Cache) MaxEntries() int {
	if c == nil {
		return 0
	}
	return c.cfg.MaxEntries
}

// TTLFor returns the resource-type lifetime for key.
func (c *Cache) TTLFor(key string) time.Duration {
	if c == nil {
		return DefaultTTL
	}
	return ttlFor(c.ttls, c.cfg.DefaultTTL, key)
}

func (c *Cache) insert(entry *core.CacheEntry) {
	var evicted []string

	c.mu.Lock()
	if elem, ok := c.entries[entry.Key]; ok {
		elem.Value = entry
		c.mu.Unlock()
		return
	}
	for len(c.entries) >= c.cfg.MaxEntries {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		evicted = append(evicted, oldest.Value.(*core.CacheEntry).Key)
		c.removeElement(oldest)
	}
	c.entries[entry.Key] = c.order.PushBack(entry)
	c.mu.Unlock()

	for _, key := range evicted {
		c.observe(core.Event{Kind: core.EventCacheEvict, Key: key})
	}
}

func (c *Cache) loadBackend(ctx context.Context, key string, now time.Time) *core.CacheEntry {
	if c.cfg.Backend == nil {
		return nil
	}

	entry, err := c.cfg.Backend.GetCachedResponse(ctx, key)
	if err != nil {
		c.observe(core.Event{Kind: core.EventCacheBackendErr, Key: key, Err: err})
		return nil
	}
	if entry == nil || !entry.Valid(now) {
		return nil
	}
	entry.Key = key
	return entry
}

// removeElement must be called with mu held.
func (c *Cache) removeElement(elem *list.Element) {
	entry := elem.Value.(*core.CacheEntry)
	delete(c.entries, entry.Key)
	c.order.Remove(elem)
}

func (c *Cache) observe(event core.Event) {
	if event.Component == "" {
		event.Component = cacheComponent
	}
	c.cfg.Observer.Observe(event)
}

func (c *Cache) now() time.Time {
	if c != nil && c.cfg.Clock != nil {
		return c.cfg.Clock()
	}
	return time.Now().UTC()
}
