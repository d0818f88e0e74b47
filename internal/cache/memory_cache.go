// Package cache provides TTL caches for generated plans.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
	"github.com/fakhrulfaiz/data-exploration-agent-sub001/internal/logging"
)

const defaultCleanupInterval = 10 * time.Minute

// InMemoryCache provides a simple thread-safe in-memory cache.
type InMemoryCache struct {
	store  map[string]cacheItem
	mutex  sync.RWMutex
	ttl    time.Duration
	logger *slog.Logger

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

type cacheItem struct {
	Value      interface{} `json:"value"`
	Expiration int64       `json:"expiration"`
}

func (i cacheItem) expired(now int64) bool {
	return now > i.Expiration
}

// Option configures a cache.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	cleanupInterval time.Duration
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithCleanupInterval sets how often expired items are purged.
func WithCleanupInterval(interval time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = interval
	}
}

func applyOptions(opts []Option) options {
	o := options{cleanupInterval: defaultCleanupInterval}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logging.OrDiscard(o.logger)
	if o.cleanupInterval <= 0 {
		o.cleanupInterval = defaultCleanupInterval
	}
	return o
}

var _ explorer.Cache = (*InMemoryCache)(nil)

// NewInMemoryCache creates a new in-memory cache with a default TTL. Call
// Close to stop the background cleanup.
func NewInMemoryCache(defaultTTL time.Duration, opts ...Option) *InMemoryCache {
	o := applyOptions(opts)
	c := &InMemoryCache{
		store:           make(map[string]cacheItem),
		ttl:             defaultTTL,
		logger:          o.logger,
		cleanupInterval: o.cleanupInterval,
		stop:            make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves an item from the cache.
func (c *InMemoryCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	item, found := c.store[key]
	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}

	if item.expired(time.Now().UnixNano()) {
		// Lazy expiry; the cleanup loop deletes it.
		c.logger.Debug("Cache item expired", "key", key)
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}

	return item.Value, nil
}

// Set adds or updates an item in the cache.
func (c *InMemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		Value:      value,
		Expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	c.logger.Debug("Cache item set", "key", key)
	return nil
}

// Len returns the number of stored items, expired or not.
func (c *InMemoryCache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.store)
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *InMemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) purgeExpired() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return purge(c.store)
}

func purge(store map[string]cacheItem) int {
	now := time.Now().UnixNano()
	removed := 0
	for key, item := range store {
		if item.expired(now) {
			delete(store, key)
			removed++
		}
	}
	return removed
}

func (c *InMemoryCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.purgeExpired(); n > 0 {
				c.logger.Debug("Purged expired cache items", "count", n)
			}
		}
	}
}
