package pipeline

import "sync"

// conversationLocks serializes turns per conversation. Entries are
// reference-counted and removed on release, so the map stays bounded by
// in-flight conversations rather than growing with every id ever seen.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[string]*convLockEntry
}

type convLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{locks: make(map[string]*convLockEntry)}
}

// Lock acquires the mutex for conversationID and returns its release func.
func (c *conversationLocks) Lock(conversationID string) func() {
	c.mu.Lock()
	e, ok := c.locks[conversationID]
	if !ok {
		e = &convLockEntry{}
		c.locks[conversationID] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		c.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(c.locks, conversationID)
		}
		c.mu.Unlock()
	}
}

func (c *conversationLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
