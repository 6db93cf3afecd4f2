package gateway

import (
	"container/list"
	"sync"
)

// defaultSettledLimit bounds how many terminal statuses a ChainGateway keeps.
const defaultSettledLimit = 4096

// settledCache remembers terminal statuses per hash, evicting the least
// recently polled entry once limit is reached.
type settledCache struct {
	mu    sync.Mutex
	limit int
	order *list.List
	items map[string]*list.Element
}

type settledEntry struct {
	key    string
	status TxStatus
}

func newSettledCache(limit int) *settledCache {
	if limit <= 0 {
		limit = defaultSettledLimit
	}
	return &settledCache{limit: limit, order: list.New(), items: make(map[string]*list.Element)}
}

func (c *settledCache) get(key string) (TxStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return TxStatus{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*settledEntry).status, true
}

func (c *settledCache) put(key string, status TxStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*settledEntry).status = status
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&settledEntry{key: key, status: status})
	for c.order.Len() > c.limit {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*settledEntry).key)
	}
}

func (c *settledCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
