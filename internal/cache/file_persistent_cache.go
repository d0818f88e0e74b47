package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	explorer "github.com/fakhrulfaiz/data-exploration-agent-sub001"
)

// FilePersistentCache is a TTL cache written through to a JSON file. Values
// come back from the file as decoded JSON (maps, slices, float64), not as the
// Go types that were stored.
type FilePersistentCache struct {
	store    map[string]cacheItem
	mutex    sync.RWMutex
	ttl      time.Duration
	filePath string
	logger   *slog.Logger

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

var _ explorer.Cache = (*FilePersistentCache)(nil)

// NewFilePersistentCache creates a persistent cache backed by filePath. A
// missing file starts an empty cache; an unreadable one is an error.
func NewFilePersistentCache(defaultTTL time.Duration, filePath string, opts ...Option) (*FilePersistentCache, error) {
	o := applyOptions(opts)
	c := &FilePersistentCache{
		store:           make(map[string]cacheItem),
		ttl:             defaultTTL,
		filePath:        filePath,
		logger:          o.logger,
		cleanupInterval: o.cleanupInterval,
		stop:            make(chan struct{}),
	}
	if err := c.loadFromFile(); err != nil {
		return nil, err
	}
	go c.cleanupLoop()
	return c, nil
}

func (c *FilePersistentCache) loadFromFile() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	data, err := os.ReadFile(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return explorer.NewCacheError("planning", "load", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &c.store); err != nil {
		return explorer.NewCacheError("planning", "load", fmt.Errorf("corrupt cache file %s: %w", c.filePath, err))
	}
	removed := purge(c.store)
	c.logger.Debug("Loaded persistent cache", "path", c.filePath, "items", len(c.store), "expired", removed)
	return nil
}

// saveLocked writes the store to a temporary file and renames it over the
// cache file. The caller must hold the write lock.
func (c *FilePersistentCache) saveLocked() error {
	data, err := json.Marshal(c.store)
	if err != nil {
		return explorer.NewCacheError("planning", "save", err)
	}
	if dir := filepath.Dir(c.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return explorer.NewCacheError("planning", "save", err)
		}
	}
	tmp := c.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return explorer.NewCacheError("planning", "save", err)
	}
	if err := os.Rename(tmp, c.filePath); err != nil {
		return explorer.NewCacheError("planning", "save", err)
	}
	return nil
}

// Get retrieves an item from the cache.
func (c *FilePersistentCache) Get(ctx context.Context, key string) (interface{}, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	c.mutex.RLock()
	item, found := c.store[key]
	c.mutex.RUnlock()

	if !found {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item not found", nil))
	}
	if item.expired(time.Now().UnixNano()) {
		c.logger.Debug("Persistent cache item expired", "key", key)
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("cache item expired", nil))
	}
	return item.Value, nil
}

// Set adds or updates an item and persists the cache.
func (c *FilePersistentCache) Set(ctx context.Context, key string, value interface{}) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.store[key] = cacheItem{
		Value:      value,
		Expiration: time.Now().Add(c.ttl).UnixNano(),
	}
	if err := c.saveLocked(); err != nil {
		delete(c.store, key)
		return err
	}
	c.logger.Debug("Persistent cache item set", "key", key)
	return nil
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *FilePersistentCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *FilePersistentCache) cleanupLoop() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mutex.Lock()
			if purge(c.store) > 0 {
				if err := c.saveLocked(); err != nil {
					c.logger.Warn("Failed to persist cache after cleanup", "path", c.filePath, "error", err)
				}
			}
			c.mutex.Unlock()
		}
	}
}
