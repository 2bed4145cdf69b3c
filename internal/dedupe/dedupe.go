// Package dedupe suppresses duplicate event processing within a time
// window. Providers redeliver webhooks and long-poll updates; the
// cache keeps a bounded seen-set so repeats are dropped before they
// reach dispatch.
package dedupe

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an event id counts as seen.
	DefaultTTL = 5 * time.Minute
	// DefaultMax caps the cache size; oldest entries are evicted first
	// regardless of TTL.
	DefaultMax = 1000
)

type entry struct {
	eventID    string
	insertedAt time.Time
}

// Cache is a TTL+capacity bounded seen-event set. Safe for concurrent
// use.
type Cache struct {
	ttl time.Duration
	max int

	mu    sync.Mutex
	order *list.List // oldest at front
	index map[string]*list.Element
	now   func() time.Time
}

func NewCache(ttl time.Duration, max int) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if max <= 0 {
		max = DefaultMax
	}
	return &Cache{
		ttl:   ttl,
		max:   max,
		order: list.New(),
		index: make(map[string]*list.Element),
		now:   time.Now,
	}
}

// Seen records eventID and reports whether it was already present
// within the TTL. An expired entry is treated as unseen and its slot
// refreshed.
func (c *Cache) Seen(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if el, ok := c.index[eventID]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.insertedAt) < c.ttl {
			return true
		}
		// Expired: refresh in place and move to the back.
		e.insertedAt = now
		c.order.MoveToBack(el)
		return false
	}

	el := c.order.PushBack(&entry{eventID: eventID, insertedAt: now})
	c.index[eventID] = el

	for c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).eventID)
	}
	return false
}

// Sweep drops entries older than the TTL. Called from the gateway
// housekeeping tick so memory does not depend on traffic shape.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.insertedAt) < c.ttl {
			break
		}
		next := el.Next()
		c.order.Remove(el)
		delete(c.index, e.eventID)
		el = next
		removed++
	}
	return removed
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
