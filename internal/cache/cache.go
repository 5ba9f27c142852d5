package cache

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
)

// Cache provides thread-safe in-memory caching with TTL. Expired entries stay
// readable through GetWithMetadata so callers can serve stale data when a
// refresh fails.
type Cache[V any] struct {
	entries map[string]*Entry[V]
	mutex   sync.RWMutex
	now     func() time.Time
}

// Entry is a cached value with its metadata
type Entry[V any] struct {
	Key             string
	Value           V
	CreatedAt       time.Time
	ExpiresAt       time.Time
	RefreshInterval time.Duration
	Source          string
}

// NewCache creates a new in-memory cache
func NewCache[V any]() *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]*Entry[V]),
		now:     time.Now,
	}
}

// Set stores a value that is fresh for refreshInterval
func (c *Cache[V]) Set(key string, value V, refreshInterval time.Duration, source string) {
	now := c.now()
	entry := &Entry[V]{
		Key:             key,
		Value:           value,
		CreatedAt:       now,
		ExpiresAt:       now.Add(refreshInterval),
		RefreshInterval: refreshInterval,
		Source:          source,
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries[key] = entry
}

// Get returns the value only while it is fresh
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.entries[key]
	if !exists || c.now().After(entry.ExpiresAt) {
		var zero V
		return zero, false
	}
	return entry.Value, true
}

// IsStale checks if cache entry is stale (past expiration)
func (c *Cache[V]) IsStale(key string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.entries[key]
	if !exists {
		return true
	}
	return c.now().After(entry.ExpiresAt)
}

// IsVeryStale checks if cache entry is older than twice its refresh interval
func (c *Cache[V]) IsVeryStale(key string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.entries[key]
	if !exists {
		return true
	}
	return c.now().After(entry.CreatedAt.Add(entry.RefreshInterval * 2))
}

// GetWithMetadata returns the entry even if stale; the caller decides how to handle it
func (c *Cache[V]) GetWithMetadata(key string) (*Entry[V], bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	copied := *entry
	return &copied, true
}

// Delete removes an entry from cache
func (c *Cache[V]) Delete(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, key)
}

// Expire marks every entry stale without dropping it
func (c *Cache[V]) Expire() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	past := c.now().Add(-time.Nanosecond)
	for _, entry := range c.entries {
		entry.ExpiresAt = past
	}
}

// Clear removes all entries from cache
func (c *Cache[V]) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = make(map[string]*Entry[V])
}

// Stats returns cache statistics
func (c *Cache[V]) Stats() Stats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	now := c.now()
	stats := Stats{TotalEntries: len(c.entries)}
	for _, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			stats.StaleEntries++
		} else {
			stats.FreshEntries++
		}
		if stats.OldestEntry.IsZero() || entry.CreatedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.CreatedAt
		}
		if entry.CreatedAt.After(stats.NewestEntry) {
			stats.NewestEntry = entry.CreatedAt
		}
	}
	return stats
}

// CleanupVeryStale removes entries past twice their refresh interval, which
// are too old to serve even as a fallback.
func (c *Cache[V]) CleanupVeryStale() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	var removed int
	for key, entry := range c.entries {
		if now.After(entry.CreatedAt.Add(entry.RefreshInterval * 2)) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// StartPeriodicCleanup runs CleanupVeryStale every interval until ctx is done
func (c *Cache[V]) StartPeriodicCleanup(ctx context.Context, interval time.Duration) {
	ctx = logging.EnsureLogger(ctx)
	go func() {
		defer func() {
			// Recover from any panics in the cache cleanup goroutine
			if r := recover(); r != nil {
				err, _ := errors.ParseStack(debug.Stack())
				skipFrames := 3
				numFrames := 5
				logging.Errorw(ctx, "Cache cleanup: recovered from panic",
					"error", r, "error.stack_trace", err.MinimalStack(skipFrames, numFrames))
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.CleanupVeryStale(); removed > 0 {
					logging.Debugw(ctx, "Cache cleanup: removed expired entries", "removed", removed)
				}
			}
		}
	}()
}

// Stats provides cache usage statistics
type Stats struct {
	TotalEntries int
	FreshEntries int
	StaleEntries int
	OldestEntry  time.Time
	NewestEntry  time.Time
}
