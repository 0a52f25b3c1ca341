package pipeline

import (
	"sync"
	"time"

	"github.com/troupelab/troupe/pkg/logger"
	"github.com/troupelab/troupe/pkg/persona"
)

const windowSweepInterval = 60 * time.Second

type windowEntry struct {
	window    persona.ConversationWindow
	expiresAt time.Time
}

// WindowCache keeps recent conversation windows in process so a busy
// conversation does not re-read the store on every turn. Eviction is age
// based: entries expire after the configured max age and a sweep loop
// reclaims them.
type WindowCache struct {
	mu      sync.RWMutex
	entries map[string]*windowEntry
	maxAge  time.Duration
	stop    chan struct{}
}

func NewWindowCache(maxAge time.Duration) *WindowCache {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	c := &WindowCache{
		entries: make(map[string]*windowEntry),
		maxAge:  maxAge,
		stop:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached window for a conversation, if fresh.
func (c *WindowCache) Get(conversationID string) (persona.ConversationWindow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[conversationID]
	if !ok || time.Now().After(e.expiresAt) {
		return persona.ConversationWindow{}, false
	}
	return e.window, true
}

func (c *WindowCache) Put(conversationID string, w persona.ConversationWindow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[conversationID] = &windowEntry{window: w, expiresAt: time.Now().Add(c.maxAge)}
}

// Evict drops a conversation's window; the next turn reloads from the store.
func (c *WindowCache) Evict(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, conversationID)
}

func (c *WindowCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *WindowCache) Stop() {
	close(c.stop)
}

func (c *WindowCache) sweepLoop() {
	ticker := time.NewTicker(windowSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *WindowCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := 0
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
			expired++
		}
	}
	if expired > 0 {
		logger.DebugCF("pipeline", "window cache sweep completed", map[string]any{
			"expired":   expired,
			"remaining": len(c.entries),
		})
	}
}
