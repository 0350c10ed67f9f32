package stream

import "sync"

// Control coordinates stop requests for retry runs. Only one retry run is
// active at a time: claiming a new session supersedes the previous one, and
// a superseded run observes ShouldStop on its next check. Safe for
// concurrent use.
type Control struct {
	mu      sync.Mutex
	current string
	stop    bool
}

// NewControl constructs a Control with no active session.
func NewControl() *Control {
	return &Control{}
}

// Claim makes sessionID the active run and clears any pending stop request.
func (c *Control) Claim(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = sessionID
	c.stop = false
}

// Stop requests that the active run halt at its next checkpoint.
func (c *Control) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop = true
}

// ShouldStop reports whether the run owning sessionID must halt, either
// because a stop was requested or because another run claimed the slot.
func (c *Control) ShouldStop(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop || c.current != sessionID
}

// Stopped reports whether a stop request is pending.
func (c *Control) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}
