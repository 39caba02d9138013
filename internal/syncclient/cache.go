package syncclient

import (
	"encoding/json"
	"sync"
)

type cachedRepresentation struct {
	etag string
	body json.RawMessage
}

// etagCache remembers the last representation seen per logical
// resource key, so conditional requests can short-circuit on 304.
type etagCache struct {
	mu      sync.Mutex
	entries map[string]cachedRepresentation
}

func newETagCache() *etagCache {
	return &etagCache{entries: make(map[string]cachedRepresentation)}
}

func (c *etagCache) get(key string) (cachedRepresentation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.entries[key]
	return entry, found
}

func (c *etagCache) put(key, tag string, body json.RawMessage) {
	if key == "" || tag == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cachedRepresentation{etag: tag, body: body}
}

func (c *etagCache) drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *etagCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
