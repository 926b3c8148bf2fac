package ws

import (
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/whisper/tabchat/internal/protocol"
)

// Connection represents a single UI client connection with its associated
// metadata, a write mutex for serializing outbound frames and a limiter for
// inbound ones.
type Connection struct {
	ID        string    // connection ID (UUID)
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the connection was established

	writeTimeout time.Duration
	writeMu      sync.Mutex    // serializes writes to this connection
	lastActive   int64         // unix nanos of the last frame read, atomic
	limiter      *rate.Limiter // inbound frame budget
}

func newConnection(id string, conn net.Conn, cfg ServerConfig) *Connection {
	limit := rate.Inf
	if cfg.FrameRate > 0 {
		limit = rate.Limit(cfg.FrameRate)
	}
	burst := cfg.FrameBurst
	if burst <= 0 {
		burst = 1
	}

	now := time.Now()
	return &Connection{
		ID:           id,
		Conn:         conn,
		CreatedAt:    now,
		writeTimeout: cfg.WriteTimeout,
		lastActive:   now.UnixNano(),
		limiter:      rate.NewLimiter(limit, burst),
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WriteError sends a structured error frame. Failures are logged but not
// propagated.
func (c *Connection) WriteError(code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("[ws] failed to build error message id=%s: %v", c.ID, err)
		return
	}
	if err := c.WriteMessage(data); err != nil {
		log.Printf("[ws] failed to send error %s id=%s: %v", code, c.ID, err)
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
}

// LastActive returns when a frame was last read from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActive))
}

func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// Allow reports whether the client may send another frame now.
func (c *Connection) Allow() bool {
	return c.limiter.Allow()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of live connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are ignored; a broken connection is removed when its read
// loop fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
