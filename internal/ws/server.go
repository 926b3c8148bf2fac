// Package ws is the UI bridge of a chat context: a small WebSocket server
// that lets a renderer drive a tab.Tab and receive its state.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/tabchat/internal/metrics"
)

// ServerConfig holds tunable parameters for the UI bridge.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. "127.0.0.1:8080"
	MaxConnections int           // hard cap on concurrent UI connections
	MaxFrameBytes  int64         // largest accepted client frame
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	FrameRate      float64       // sustained inbound frames per second per connection, <= 0 disables
	FrameBurst     int           // inbound frame burst per connection
}

// DefaultServerConfig returns a ServerConfig suited to a local renderer.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     "127.0.0.1:8080",
		MaxConnections: 64,
		MaxFrameBytes:  64 << 10,
		WriteTimeout:   10 * time.Second,
		FrameRate:      20,
		FrameBurst:     40,
	}
}

// Server upgrades HTTP connections to WebSocket and runs one read goroutine
// per connection, handing complete text frames to the message callback.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(connID string)
	httpServer   *http.Server
	heartbeat    HeartbeatConfig
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
	startedAt    time.Time
}

// NewServer creates a Server. The onMessage function is called from the
// connection's read goroutine for every data frame the client sends.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		heartbeat: DefaultHeartbeatConfig(),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetOnConnect registers a callback invoked after a connection is upgraded
// and registered, before its first frame is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout or graceful close).
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetHeartbeat overrides the heartbeat configuration. It must be called
// before Serve.
func (s *Server) SetHeartbeat(config HeartbeatConfig) {
	s.heartbeat = config
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	StartHeartbeat(s, s.heartbeat)

	log.Printf("[ws] bridge listening on %s (max_conns=%d, frame_rate=%.0f/s burst=%d)",
		ln.Addr(), s.config.MaxConnections, s.config.FrameRate, s.config.FrameBurst)

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades the request, registers the connection and starts
// its read goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config)
	s.conns.Add(c)
	metrics.UIConnections.Inc()
	log.Printf("[ws] new connection id=%s remote=%s (total=%d)", c.ID, conn.RemoteAddr(), s.conns.Count())

	if s.onConnect != nil {
		s.onConnect(c)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c)
	}()
}

// readLoop reads frames until the client goes away. Control frames are
// answered inline; data frames are rate limited and passed to onMessage.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
			log.Printf("[ws] frame too large id=%s len=%d", c.ID, header.Length)
			return
		}

		payload := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
		}

		// Any frame proves the connection is alive.
		c.touch()

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPing:
			if err := c.writePong(payload); err != nil {
				return
			}
			continue
		case ws.OpPong:
			continue
		}

		if len(payload) == 0 {
			continue
		}
		if !c.Allow() {
			c.WriteError("rate_limited", "too many frames")
			continue
		}
		if s.onMessage != nil {
			s.onMessage(c, payload)
		}
	}
}

// handleHealth responds with the bridge's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection unregisters and closes c. It is safe to call more than
// once; only the first call has any effect.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.UIConnections.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	log.Printf("[ws] connection closed id=%s (total=%d)", c.ID, s.conns.Count())
}

// Broadcast sends data to every connected client.
func (s *Server) Broadcast(data []byte) {
	s.conns.Broadcast(data)
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, closes all connections and waits for
// their read goroutines to exit.
func (s *Server) Shutdown() error {
	var err error
	s.closeOnce.Do(func() {
		log.Println("[ws] shutting down bridge...")
		close(s.done)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if e := s.httpServer.Shutdown(ctx); e != nil {
			err = fmt.Errorf("ws: http shutdown: %w", e)
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		s.wg.Wait()
		log.Printf("[ws] bridge stopped, all connections closed")
	})
	return err
}
