package registry

import (
	"sync"
	"time"
)

// Conn is the transport-level link owned by a Connection. The websocket
// layer adapts *websocket.Conn to this; tests substitute recorders.
type Conn interface {
	Write(data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one accepted link. Most fields are owned by the Registry and
// mutated only through registry operations; the write mutex is shared with
// the delivery path, and identity gets its own lock because broadcast
// redaction reads it from fan-out goroutines while a join authenticates.
type Connection struct {
	ID         string
	RemoteAddr string

	conn    Conn
	writeMu sync.Mutex

	identityMu sync.Mutex
	identity   string

	tables       map[string]struct{}
	tournaments  map[string]struct{}
	lastActivity time.Time
	lastProbe    time.Time
}

// Identity returns the authenticated player id, or "" for spectators.
func (c *Connection) Identity() string {
	if c == nil {
		return ""
	}
	c.identityMu.Lock()
	defer c.identityMu.Unlock()
	return c.identity
}

func (c *Connection) setIdentity(playerID string) {
	c.identityMu.Lock()
	c.identity = playerID
	c.identityMu.Unlock()
}

// WriteWithDeadline serializes writes on this connection and applies the
// per-message deadline.
func (c *Connection) WriteWithDeadline(data []byte, wait time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wait))
	return c.conn.Write(data)
}

// CloseTransport closes the underlying link.
func (c *Connection) CloseTransport() error {
	return c.conn.Close()
}
