package connector

import (
	"sync"
)

// Cache is the in-memory, process-lifetime API response cache, keyed by
// (connector name, external id). Full sync runs clear it at run start;
// incremental runs reuse it.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]Response
}

type cacheKey struct {
	connector string
	id        string
}

// NewCache creates an empty response cache.
func NewCache() *Cache {
	return &Cache{entries: map[cacheKey]Response{}}
}

// Get returns the cached response for (connector, id), if any.
func (c *Cache) Get(connector, id string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	response, ok := c.entries[cacheKey{connector: connector, id: id}]

	return response, ok
}

// Put stores a response for (connector, id).
func (c *Cache) Put(connector, id string, response Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey{connector: connector, id: id}] = response
}

// Clear drops all cached responses.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = map[cacheKey]Response{}
}

// Len returns the number of cached responses.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
