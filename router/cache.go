package router

import (
	"container/list"
	"sync"

	"github.com/agentmesh/orchestrator-core/core"
)

// lruCacheEntry is one cached routing decision.
type lruCacheEntry struct {
	key    string
	target core.AgentId
}

// lruCache is a fixed-size, least-recently-used cache of routing
// decisions keyed by a caller-supplied fingerprint (e.g. work kind plus
// candidate-set hash). Adapted from the registry's plan cache into a true
// size-bounded LRU: eviction always removes the least-recently-touched
// entry rather than anything expiry-based.
type lruCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	order   *list.List // front = most recently used
	hits    uint64
	misses  uint64
}

func newLRUCache(maxSize int) *lruCache {
	return &lruCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (c *lruCache) Get(key string) (core.AgentId, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return core.AgentId{}, false
	}
	c.order.MoveToFront(el)
	c.hits++
	return el.Value.(*lruCacheEntry).target, true
}

func (c *lruCache) Set(key string, target core.AgentId) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*lruCacheEntry).target = target
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&lruCacheEntry{key: key, target: target})
	c.items[key] = el

	if c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruCacheEntry).key)
		}
	}
}

// Stats reports cache hit/miss counters.
func (c *lruCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
