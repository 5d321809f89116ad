package cache

import (
	"context"
	"sync"
	"time"

	"github.com/reybrally/erp-analytics/internal/domain/readmodel"
)

type lruNode struct {
	key       string
	value     readmodel.View
	expiresAt time.Time
	prev      *lruNode
	next      *lruNode
}

// CacheService is a thread-safe LRU with per-entry expiry.
type CacheService struct {
	mu       sync.Mutex
	cache    map[string]*lruNode
	head     *lruNode // least recently used
	tail     *lruNode // most recently used
	capacity int
	now      func() time.Time
}

func NewCacheService(capacity int) *CacheService {
	if capacity <= 0 {
		capacity = 1
	}
	return &CacheService{
		cache:    make(map[string]*lruNode, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// WithClock replaces the clock used for expiry.
func (c *CacheService) WithClock(now func() time.Time) *CacheService {
	c.now = now
	return c
}

func (c *CacheService) Set(_ context.Context, key string, value readmodel.View, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}

	if nd, ok := c.cache[key]; ok {
		nd.value = value
		nd.expiresAt = exp
		c.moveToTail(nd)
		return nil
	}

	if len(c.cache) >= c.capacity {
		c.evictHead()
	}

	nd := &lruNode{key: key, value: value, expiresAt: exp}
	c.appendToTail(nd)
	c.cache[key] = nd
	return nil
}

func (c *CacheService) Get(_ context.Context, key string) (readmodel.View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	nd, ok := c.cache[key]
	if !ok {
		return readmodel.View{}, ErrMiss
	}
	if !nd.expiresAt.IsZero() && !c.now().Before(nd.expiresAt) {
		c.unlink(nd)
		delete(c.cache, key)
		return readmodel.View{}, ErrMiss
	}
	c.moveToTail(nd)
	return nd.value, nil
}

func (c *CacheService) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	nd, ok := c.cache[key]
	if !ok {
		return ErrMiss
	}
	c.unlink(nd)
	delete(c.cache, key)
	return nil
}

func (c *CacheService) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
func (c *CacheService) Cap() int { return c.capacity }

func (c *CacheService) appendToTail(nd *lruNode) {
	if c.tail == nil {
		c.head = nd
		c.tail = nd
		return
	}
	nd.prev = c.tail
	c.tail.next = nd
	c.tail = nd
}

func (c *CacheService) moveToTail(nd *lruNode) {
	if nd == c.tail {
		return
	}
	c.unlink(nd)
	c.appendToTail(nd)
}

func (c *CacheService) evictHead() {
	if c.head == nil {
		return
	}
	evicted := c.head
	c.unlink(evicted)
	delete(c.cache, evicted.key)
}

func (c *CacheService) unlink(nd *lruNode) {
	if nd == nil {
		return
	}
	if nd.prev != nil {
		nd.prev.next = nd.next
	} else {
		c.head = nd.next
	}
	if nd.next != nil {
		nd.next.prev = nd.prev
	} else {
		c.tail = nd.prev
	}
	nd.prev = nil
	nd.next = nil
}
