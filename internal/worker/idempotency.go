package worker

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/insider-one/notification-pipeline/internal/clock"
)

type cacheEntry struct {
	id        uuid.UUID
	expiresAt time.Time
}

// IdempotencyCache remembers correlation ids handled by this process for a
// fixed TTL. It is a fast path only; the log store decides duplicates.
type IdempotencyCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	clock clock.Clock
	order *list.List // oldest first
	items map[uuid.UUID]*list.Element
}

// NewIdempotencyCache returns a cache holding at most maxEntries ids; zero means unbounded.
func NewIdempotencyCache(ttl time.Duration, maxEntries int, clk clock.Clock) *IdempotencyCache {
	if clk == nil {
		clk = clock.Real()
	}
	return &IdempotencyCache{
		ttl:   ttl,
		max:   maxEntries,
		clock: clk,
		order: list.New(),
		items: make(map[uuid.UUID]*list.Element),
	}
}

// Seen reports whether id was remembered and has not expired.
func (c *IdempotencyCache) Seen(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[id]
	if !ok {
		return false
	}
	if !c.clock.Now().Before(el.Value.(*cacheEntry).expiresAt) {
		c.removeLocked(el)
		return false
	}
	return true
}

// Remember records id with a fresh TTL, evicting the oldest entry when full.
func (c *IdempotencyCache) Remember(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.clock.Now().Add(c.ttl)
	if el, ok := c.items[id]; ok {
		el.Value.(*cacheEntry).expiresAt = expiresAt
		c.order.MoveToBack(el)
		return
	}

	c.items[id] = c.order.PushBack(&cacheEntry{id: id, expiresAt: expiresAt})
	for c.max > 0 && c.order.Len() > c.max {
		c.removeLocked(c.order.Front())
	}
}

// Sweep drops expired entries and returns how many were removed.
func (c *IdempotencyCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*cacheEntry).expiresAt) {
			c.removeLocked(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *IdempotencyCache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).id)
}
