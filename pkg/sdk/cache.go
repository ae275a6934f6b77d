package sdk

import (
	"sync"
	"time"
)

const (
	// claimsCacheTTL caps how long a validated token stays cached. The
	// effective lifetime of an entry is min(token exp, now+TTL).
	claimsCacheTTL = 60 * time.Second

	// claimsCacheMaxEntries bounds memory; when full, expired entries are
	// swept before admitting a new one.
	claimsCacheMaxEntries = 4096
)

// claimsCache memoizes validated tokens. Keys are the raw token strings;
// invalidation is best-effort, so entries may outlive a revocation by at
// most the TTL.
type claimsCache struct {
	mu      sync.RWMutex
	entries map[string]claimsCacheEntry
}

type claimsCacheEntry struct {
	claims *Claims
	until  time.Time
}

func newClaimsCache() *claimsCache {
	return &claimsCache{entries: make(map[string]claimsCacheEntry)}
}

func (c *claimsCache) get(token string, now time.Time) (*Claims, bool) {
	c.mu.RLock()
	entry, ok := c.entries[token]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if now.After(entry.until) {
		c.mu.Lock()
		delete(c.entries, token)
		c.mu.Unlock()
		return nil, false
	}
	return entry.claims, true
}

func (c *claimsCache) put(token string, claims *Claims, now time.Time) {
	until := now.Add(claimsCacheTTL)
	if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(until) {
		until = claims.ExpiresAt
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= claimsCacheMaxEntries {
		for key, entry := range c.entries {
			if now.After(entry.until) {
				delete(c.entries, key)
			}
		}
		// Still full after the sweep means churn beyond the cache's size;
		// skip admission rather than evict a live entry.
		if len(c.entries) >= claimsCacheMaxEntries {
			return
		}
	}

	c.entries[token] = claimsCacheEntry{claims: claims, until: until}
}
