// ABOUTME: Thread-safe TTL cache remembering provider message ids already delivered
// ABOUTME: In-process replay guard for webhook retries; evicts oldest ids when full

package dedupe

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Guard decides whether a webhook delivery key has been processed before.
type Guard interface {
	// Claim marks key as seen and reports whether it was already seen.
	Claim(ctx context.Context, key string) (duplicate bool, err error)
	// Release forgets key so a provider retry of a failed delivery is processed again.
	Release(ctx context.Context, key string) error
	Close() error
}

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// Cache is the in-memory Guard: TTL-based and size-limited.
// A linked list keeps ids in claim order so eviction of the oldest is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size and starts the
// background sweep of expired ids.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Claim atomically checks and marks key. It never returns an error.
func (c *Cache) Claim(_ context.Context, key string) (bool, error) {
	return c.CheckAndMark(key), nil
}

// Release forgets key.
func (c *Cache) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
	return nil
}

// Seen reports whether key was claimed within the TTL.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	return ok && c.now().Sub(entry.at) < c.ttl
}

// CheckAndMark reports whether key was already seen and marks it if not.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.now().Sub(entry.at) < c.ttl {
		return true
	}

	c.markLocked(key)
	return false
}

// Len returns the number of ids currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// markLocked records key. Must be called with mu held.
func (c *Cache) markLocked(key string) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.at = now
		c.order.MoveToBack(entry.element)
		return
	}

	if c.maxSize > 0 && len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	c.seen[key] = &seenEntry{at: now, element: c.order.PushBack(key)}
}

// evictOldest removes the oldest id. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

// removeExpired drops expired ids from the front of the list. Ids are in claim
// order, so the walk stops at the first live one.
func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for e := c.order.Front(); e != nil; {
		key, _ := e.Value.(string)
		entry := c.seen[key]
		if now.Sub(entry.at) < c.ttl {
			return
		}
		next := e.Next()
		c.order.Remove(e)
		delete(c.seen, key)
		e = next
	}
}

// Close stops the sweep goroutine. It is safe to call multiple times.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
	return nil
}

var _ Guard = (*Cache)(nil)
