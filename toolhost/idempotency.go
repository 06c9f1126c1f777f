package toolhost

import (
	"container/list"
	"sync"
	"time"
)

// idempotencyCacheSize and idempotencyTTL are spec §4.L's fixed limits for
// serve mode's idempotency cache.
const (
	idempotencyCacheSize = 1024
	idempotencyTTL       = 60 * time.Second
)

type idempotencyEntry struct {
	key      string
	response Response
	expires  time.Time
}

// idempotencyCache is a bounded LRU with a wall-clock TTL, keyed by
// idempotency_key (spec §4.L "Idempotency"). It has no single corpus
// grounding file: no example repo combines a fixed entry-count bound with a
// wall-clock TTL in one cache, so this is a direct container/list
// implementation rather than a wrapped third-party LRU (see DESIGN.md).
type idempotencyCache struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	order *list.List
	index map[string]*list.Element
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{
		cap:   idempotencyCacheSize,
		ttl:   idempotencyTTL,
		now:   time.Now,
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// get returns the cached response for key if present and unexpired,
// promoting it to most-recently-used.
func (c *idempotencyCache) get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return Response{}, false
	}
	entry := el.Value.(*idempotencyEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.index, key)
		return Response{}, false
	}
	c.order.MoveToFront(el)
	return entry.response, true
}

// put stores resp under key, evicting the least-recently-used entry if the
// cache is at capacity.
func (c *idempotencyCache) put(key string, resp Response) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		el.Value.(*idempotencyEntry).response = resp
		el.Value.(*idempotencyEntry).expires = c.now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.cap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.index, oldest.Value.(*idempotencyEntry).key)
		}
	}
	el := c.order.PushFront(&idempotencyEntry{key: key, response: resp, expires: c.now().Add(c.ttl)})
	c.index[key] = el
}
