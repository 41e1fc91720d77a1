package chervil

import (
	"container/list"
	"sync"
)

// CacheStats is a snapshot of the template cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
}

// cacheEntry holds everything the engine has derived from one template
// name: the parsed tree, and the compiled render function once the AOT
// path has run.
type cacheEntry struct {
	name string
	tpl  *Template
	fn   RenderFn
}

// templateCache is an LRU keyed by template name. A capacity of zero or
// less disables caching entirely.
type templateCache struct {
	mu        sync.Mutex
	capacity  int
	order     *list.List
	entries   map[string]*list.Element
	hits      int64
	misses    int64
	evictions int64
}

func newTemplateCache(capacity int) *templateCache {
	return &templateCache{
		capacity: capacity,
		order:    list.New(),
		entries:  map[string]*list.Element{},
	}
}

func (c *templateCache) get(name string) (*cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[name]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry), true
}

func (c *templateCache) put(name string, e *cacheEntry) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[name]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}
	c.entries[name] = c.order.PushFront(e)
	for len(c.entries) > c.capacity {
		last := c.order.Back()
		if last == nil {
			break
		}
		c.order.Remove(last)
		delete(c.entries, last.Value.(*cacheEntry).name)
		c.evictions++
	}
}

func (c *templateCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = map[string]*list.Element{}
}

func (c *templateCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.capacity,
	}
}
