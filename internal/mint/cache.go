package mint

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default info cache settings
const (
	DefaultInfoCacheSize = 64
	DefaultInfoCacheTTL  = 5 * time.Minute
)

// InfoCache is an in-memory LRU of mint info with TTL support
type InfoCache struct {
	cache *expirable.LRU[string, *Info]
}

// NewInfoCache creates a new info cache. Non-positive values fall back to the defaults.
func NewInfoCache(size int, ttl time.Duration) *InfoCache {
	if size <= 0 {
		size = DefaultInfoCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultInfoCacheTTL
	}
	return &InfoCache{
		cache: expirable.NewLRU[string, *Info](size, nil, ttl),
	}
}

// Get retrieves the info cached for endpoint
func (c *InfoCache) Get(endpoint string) (*Info, bool) {
	return c.cache.Get(endpoint)
}

// Set stores info for endpoint
func (c *InfoCache) Set(endpoint string, info *Info) {
	c.cache.Add(endpoint, info)
}

// Invalidate drops the cached info for endpoint
func (c *InfoCache) Invalidate(endpoint string) {
	c.cache.Remove(endpoint)
}

// Len returns the number of cached entries
func (c *InfoCache) Len() int {
	return c.cache.Len()
}
