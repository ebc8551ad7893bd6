// ABOUTME: TTL cache of recently consumed bridge message ids.
// ABOUTME: Suppresses redeliveries from the at-least-once mailbox transport.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the consume time and the list element for a message id.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache tracks message ids that have already been dispatched. The mailbox
// transport redelivers a file if the process crashed between dispatch and
// delete; consumers ask the cache before dispatching again. Entries expire
// after a TTL and the cache is size-bounded, evicting oldest-first via a
// linked list so eviction stays O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine sweeps expired entries once a minute; call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// SeenAndMark atomically reports whether id was already consumed and, if
// not, records it. Returns true for a duplicate. The single critical
// section avoids the check/mark race two separate calls would have.
func (c *Cache) SeenAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[id]; ok && time.Since(e.seenAt) < c.ttl {
		return true
	}
	c.markLocked(id)
	return false
}

// Seen reports whether id was consumed within the TTL window.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[id]
	return ok && time.Since(e.seenAt) < c.ttl
}

// Mark records id as consumed, evicting the oldest entry at capacity.
func (c *Cache) Mark(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(id)
}

func (c *Cache) markLocked(id string) {
	now := time.Now()

	if e, ok := c.seen[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		front := c.order.Front()
		if front != nil {
			old, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, old)
		}
	}

	c.seen[id] = &entry{seenAt: now, element: c.order.PushBack(id)}
}

// sweep periodically drops expired entries so an idle cache does not pin
// memory for ids that can no longer be redelivered.
func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for id, e := range c.seen {
				if now.Sub(e.seenAt) > c.ttl {
					c.order.Remove(e.element)
					delete(c.seen, id)
				}
			}
			c.mu.Unlock()
		case <-c.done:
			return
		}
	}
}

// Close stops the sweep goroutine. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
