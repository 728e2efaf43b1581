// Package cachemem is a small in-process TTL cache for resolved tenants,
// keyed by API key hash. It keeps the hot auth path off the database.
package cachemem

import (
	"sync"
	"time"

	"custodia/internal/domain"
)

type TenantCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	tenant    domain.Tenant
	expiresAt time.Time
}

const defaultTTL = time.Minute

// maxEntries bounds memory when callers send a churn of garbage keys.
const maxEntries = 10000

func New(ttl time.Duration) *TenantCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &TenantCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *TenantCache) Get(keyHash string) (domain.Tenant, bool) {
	if c == nil {
		return domain.Tenant{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[keyHash]
	if !ok {
		return domain.Tenant{}, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, keyHash)
		return domain.Tenant{}, false
	}
	return entry.tenant, true
}

func (c *TenantCache) Put(keyHash string, tenant domain.Tenant) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxEntries {
		c.evictExpired()
		if len(c.entries) >= maxEntries {
			c.entries = make(map[string]cacheEntry)
		}
	}
	c.entries[keyHash] = cacheEntry{
		tenant:    tenant,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate drops one entry, for key rotation or tenant removal.
func (c *TenantCache) Invalidate(keyHash string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keyHash)
}

func (c *TenantCache) evictExpired() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
