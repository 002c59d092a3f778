// ABOUTME: TTL cache of client message ids so a resent message is processed once
// ABOUTME: Remembers the first outcome so duplicates can be answered with the same result

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// State of a claimed key
type State int

const (
	// Fresh means the caller now owns the key and must Complete or Release it
	Fresh State = iota
	// InFlight means another caller owns the key and has not finished
	InFlight
	// Done means the key was completed; the stored result is returned
	Done
)

type entry struct {
	key     string
	claimed time.Time
	done    bool
	result  any
	element *list.Element
}

// Cache is a size-bounded TTL map from client message keys to outcomes.
// Insertion order is kept in a list so eviction of the oldest is O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache and starts a background sweeper for expired keys
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Key scopes a client message id to its sender. Ids from different users
// never collide.
func Key(userID, clientMessageID string) string {
	return userID + "\x00" + clientMessageID
}

// Claim atomically checks key and takes ownership of it when unseen or
// expired. For Done keys the stored result is returned.
func (c *Cache) Claim(key string) (State, any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if c.now().Sub(e.claimed) < c.ttl {
			if e.done {
				return Done, e.result
			}
			return InFlight, nil
		}
		c.removeLocked(e)
	}

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	e := &entry{key: key, claimed: c.now()}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
	return Fresh, nil
}

// Complete records the outcome for a claimed key
func (c *Cache) Complete(key string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.done = true
		e.result = result
	}
}

// Release forgets a claimed key so the client may retry after a failure.
// Completed keys are left alone.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.done {
		c.removeLocked(e)
	}
}

// Len reports the number of tracked keys, expired or not
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

// evictOldest must be called with mu held
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.removeLocked(front.Value.(*entry))
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

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	// oldest first; stop at the first live entry
	for el := c.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.claimed) < c.ttl {
			return
		}
		next := el.Next()
		c.removeLocked(e)
		el = next
	}
}

// Close stops the sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
