package auth

import (
	"container/list"
	"sync"
	"time"
)

// replayCache is a TTL-and-capacity bounded set of observed request
// signatures. Entries expire after the window and the oldest entries are
// evicted when the cache fills.
type replayCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type replayEntry struct {
	key string
	ts  time.Time
}

func newReplayCache(ttl time.Duration, capacity int) *replayCache {
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &replayCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether the key was observed within the window, recording it
// when new.
func (c *replayCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpired(now.Add(-c.ttl))
	if _, exists := c.entries[key]; exists {
		return true
	}
	for c.order.Len() >= c.capacity {
		c.evictFront()
	}
	elem := c.order.PushBack(replayEntry{key: key, ts: now})
	c.entries[key] = elem
	return false
}

func (c *replayCache) evictExpired(cutoff time.Time) {
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(replayEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
	}
}

func (c *replayCache) evictFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(replayEntry)
	c.order.Remove(front)
	delete(c.entries, entry.key)
}
