// Copyright 2025 IndexFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides caching for the query path.
//
// Design principles:
//  1. Fine-grained invalidation - a volume's entries drop when its index
//     changes, other volumes' entries survive
//  2. Single layer ownership - the service owns the cache; the search
//     engine stays cache-free
package cache

import (
	"os"
	"strings"
	"sync"
	"time"
)

// Disabled turns all caching off. Set via INDEXFS_CACHE=0.
// Useful for isolating cache-related bugs.
var Disabled = os.Getenv("INDEXFS_CACHE") == "0"

// ResultCache caches search results keyed by volume and query
// fingerprint, with TTL-based expiration as a safety net on top of
// explicit per-volume invalidation.
//
// Thread-safe: uses RWMutex for concurrent access.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[string]*resultEntry
	ttl     time.Duration
	maxSize int
}

type resultEntry struct {
	value   any
	expires time.Time
}

// NewResultCache creates a result cache.
// ttl: time-to-live for entries (0 = no expiration)
// maxSize: maximum number of entries (0 = unlimited)
func NewResultCache(ttl time.Duration, maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[string]*resultEntry, 64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Key builds a cache key from a volume name and a query fingerprint.
func Key(volume, fingerprint string) string {
	return volume + "\x00" + fingerprint
}

// Get returns the cached value for a key, or nil on miss, expiry, or
// when caching is disabled.
func (c *ResultCache) Get(key string) any {
	if Disabled {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.ttl > 0 && time.Now().After(entry.expires) {
		return nil
	}
	return entry.value
}

// Set stores a value. No-op when caching is disabled.
func (c *ResultCache) Set(key string, value any) {
	if Disabled {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// At capacity, refresh existing keys but don't grow.
	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		if _, exists := c.entries[key]; !exists {
			return
		}
	}

	expires := time.Time{}
	if c.ttl > 0 {
		expires = time.Now().Add(c.ttl)
	}
	c.entries[key] = &resultEntry{value: value, expires: expires}
}

// Invalidate clears all entries.
func (c *ResultCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*resultEntry, 64)
	}
}

// InvalidateVolume removes every entry belonging to one volume.
func (c *ResultCache) InvalidateVolume(volume string) {
	prefix := volume + "\x00"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Size returns the current number of entries.
func (c *ResultCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
