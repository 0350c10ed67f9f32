package stream

import (
	"sync"
	"time"
)

// defaultSessionTTL is how long a finished run stays retrievable.
const defaultSessionTTL = 2 * time.Hour

// Session is one cached run result.
type Session struct {
	// ID is the run's session identifier.
	ID string
	// Data holds the processed rows.
	Data []map[string]any
	// Statistics summarises the run.
	Statistics Statistics
	// CreatedAt is when the run finished.
	CreatedAt time.Time
}

// Cache stores finished runs by session ID with a TTL. Expired entries are
// evicted lazily on access and eagerly via [Cache.CleanupExpired]. Safe for
// concurrent use.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

// NewCache constructs a Cache. ttl <= 0 selects the default of two hours.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &Cache{
		sessions: make(map[string]Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Put stores a finished run.
func (c *Cache) Put(id string, data []map[string]any, stats Statistics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[id] = Session{
		ID:         id,
		Data:       data,
		Statistics: stats,
		CreatedAt:  c.now(),
	}
}

// Get returns the run for id. ok is false when the session is unknown or has
// expired; expired entries are removed on the way out.
func (c *Cache) Get(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return Session{}, false
	}
	if c.now().Sub(s.CreatedAt) > c.ttl {
		delete(c.sessions, id)
		return Session{}, false
	}
	return s, true
}

// CleanupExpired removes every expired session and reports how many were
// evicted.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	now := c.now()
	for id, s := range c.sessions {
		if now.Sub(s.CreatedAt) > c.ttl {
			delete(c.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of cached sessions, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
