package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a process-local TTL cache, the default backend when no
// Redis address is configured.
type MemoryCache struct {
	mu         sync.RWMutex
	entries    map[string]*memoryEntry
	maxEntries int
	defaultTTL time.Duration
}

type memoryEntry struct {
	entry     *Entry
	expiresAt time.Time
}

func NewMemoryCache(maxEntries int, defaultTTL time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryCache{
		entries:    make(map[string]*memoryEntry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
	}
}

func (c *MemoryCache) Lookup(_ context.Context, key string, maxAge time.Duration) (*Entry, error) {
	c.mu.RLock()
	stored, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	now := time.Now()
	if !stored.expiresAt.IsZero() && now.After(stored.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, nil
	}
	if maxAge > 0 && now.Sub(stored.entry.StoredAt) > maxAge {
		return nil, nil
	}
	return stored.entry, nil
}

func (c *MemoryCache) Store(_ context.Context, key string, entry *Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Crude eviction: drop expired entries first, then arbitrary ones.
	if len(c.entries) >= c.maxEntries {
		now := time.Now()
		for k, v := range c.entries {
			if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
				delete(c.entries, k)
			}
		}
		for k := range c.entries {
			if len(c.entries) < c.maxEntries {
				break
			}
			delete(c.entries, k)
		}
	}

	stored := &memoryEntry{entry: entry}
	if c.defaultTTL > 0 {
		stored.expiresAt = time.Now().Add(c.defaultTTL)
	}
	c.entries[key] = stored
	return nil
}
