package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/tabchat/internal/bus"
	"github.com/whisper/tabchat/internal/chat"
	"github.com/whisper/tabchat/internal/kv"
	"github.com/whisper/tabchat/internal/tab"
)

// startBridge serves a prasanna tab with no bus peers on a loopback port.
func startBridge(t *testing.T, cfg ServerConfig) (string, *tab.Tab, *Server) {
	t.Helper()

	store := chat.NewStore("prasanna", kv.NewMemory())
	b := bus.New(bus.DefaultChannel, bus.WithPrimary(bus.Unavailable("none")))
	tb := tab.New(tab.DefaultConfig(), store, b)

	d := NewMessageDispatcher()
	srv := NewServer(cfg, d.Dispatch)
	bridge := NewBridge(tb, srv, d)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)

	t.Cleanup(func() {
		srv.Shutdown()
		bridge.Close()
		tb.Close()
		b.Close()
	})
	return ln.Addr().String(), tb, srv
}

type client struct {
	conn net.Conn
	rw   io.ReadWriter
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// The state frame may arrive in the same packet as the handshake.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return &client{conn: conn, rw: struct {
		io.Reader
		io.Writer
	}{r, conn}}
}

func (c *client) send(t *testing.T, frame string) {
	t.Helper()
	if err := wsutil.WriteClientText(c.conn, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *client) read(t *testing.T) map[string]interface{} {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

// readUntil reads frames until match accepts one.
func (c *client) readUntil(t *testing.T, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	for i := 0; i < 20; i++ {
		if m := c.read(t); match(m) {
			return m
		}
	}
	t.Fatal("no matching frame")
	return nil
}

func ofType(typ string) func(map[string]interface{}) bool {
	return func(m map[string]interface{}) bool { return m["type"] == typ }
}

// ---------------------------------------------------------------------------
// Test: State frame on connect
// ---------------------------------------------------------------------------

func TestStateOnConnect(t *testing.T) {
	addr, _, _ := startBridge(t, DefaultServerConfig())
	c := dial(t, addr)

	st := c.read(t)
	if st["type"] != "state" || st["me"] != "prasanna" {
		t.Fatalf("unexpected first frame: %v", st)
	}
	active, _ := st["active"].(map[string]interface{})
	if active["id"] != "chat-a" {
		t.Errorf("expected active chat-a, got %v", st["active"])
	}
	if contacts, _ := st["contacts"].([]interface{}); len(contacts) != 4 {
		t.Errorf("expected 4 contacts, got %v", st["contacts"])
	}
}

// ---------------------------------------------------------------------------
// Test: Composer round trip through the bridge
// ---------------------------------------------------------------------------

func TestSendUpdatesState(t *testing.T) {
	addr, tb, _ := startBridge(t, DefaultServerConfig())
	c := dial(t, addr)
	c.read(t)

	c.send(t, `{"type":"set_input","text":"hi"}`)
	c.readUntil(t, func(m map[string]interface{}) bool { return m["input"] == "hi" })

	c.send(t, `{"type":"send"}`)
	st := c.readUntil(t, func(m map[string]interface{}) bool {
		thread, _ := m["thread"].([]interface{})
		return len(thread) == 1 && m["input"] == ""
	})
	msg := st["thread"].([]interface{})[0].(map[string]interface{})
	if msg["text"] != "hi" || msg["status"] != "sent" || msg["to"] != "chat-a" {
		t.Errorf("unexpected message: %v", msg)
	}

	c.send(t, `{"type":"react","message_id":"`+msg["id"].(string)+`","emoji":"🔥"}`)
	c.readUntil(t, func(m map[string]interface{}) bool {
		thread, _ := m["thread"].([]interface{})
		if len(thread) != 1 {
			return false
		}
		r, _ := thread[0].(map[string]interface{})["reactions"].([]interface{})
		return len(r) == 1 && r[0] == "🔥"
	})
	if got := tb.CurrentThread()[0].Reactions; len(got) != 1 {
		t.Errorf("expected reaction on the tab, got %v", got)
	}
}

func TestSelectContact(t *testing.T) {
	addr, tb, _ := startBridge(t, DefaultServerConfig())
	c := dial(t, addr)
	c.read(t)

	c.send(t, `{"type":"select_contact","contact_id":"chat-c"}`)
	c.readUntil(t, func(m map[string]interface{}) bool {
		active, _ := m["active"].(map[string]interface{})
		return active["id"] == "chat-c"
	})
	if tb.Active() != "chat-c" {
		t.Errorf("expected tab on chat-c, got %q", tb.Active())
	}

	c.send(t, `{"type":"select_contact","contact_id":"nobody"}`)
	e := c.readUntil(t, ofType("error"))
	if e["code"] != "unknown_contact" {
		t.Errorf("expected unknown_contact, got %v", e)
	}
}

func TestBlankSendIsSilent(t *testing.T) {
	addr, tb, _ := startBridge(t, DefaultServerConfig())
	c := dial(t, addr)
	c.read(t)

	c.send(t, `{"type":"send","text":"   "}`)
	c.send(t, `{"type":"ping"}`)
	if m := c.read(t); m["type"] != "pong" {
		t.Errorf("expected pong right after blank send, got %v", m)
	}
	if n := len(tb.CurrentThread()); n != 0 {
		t.Errorf("expected no messages, got %d", n)
	}
}

// ---------------------------------------------------------------------------
// Test: Dispatcher built-ins and errors
// ---------------------------------------------------------------------------

func TestPingPong(t *testing.T) {
	addr, _, _ := startBridge(t, DefaultServerConfig())
	c := dial(t, addr)
	c.read(t)

	c.send(t, `{"type":"ping"}`)
	if m := c.read(t); m["type"] != "pong" {
		t.Errorf("expected pong, got %v", m)
	}
}

func TestMalformedFrames(t *testing.T) {
	addr, _, _ := startBridge(t, DefaultServerConfig())
	c := dial(t, addr)
	c.read(t)

	for _, frame := range []string{`garbage`, `{"type":"find_match"}`, `{"text":"no type"}`} {
		c.send(t, frame)
		e := c.read(t)
		if e["type"] != "error" || e["code"] != "parse_error" {
			t.Errorf("%s: expected parse_error, got %v", frame, e)
		}
	}
}

func TestFrameRateLimit(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.FrameRate = 0.001
	cfg.FrameBurst = 1
	addr, _, _ := startBridge(t, cfg)
	c := dial(t, addr)
	c.read(t)

	c.send(t, `{"type":"ping"}`)
	if m := c.read(t); m["type"] != "pong" {
		t.Fatalf("expected pong, got %v", m)
	}
	c.send(t, `{"type":"ping"}`)
	if m := c.read(t); m["type"] != "error" || m["code"] != "rate_limited" {
		t.Errorf("expected rate_limited, got %v", m)
	}
}

// ---------------------------------------------------------------------------
// Test: Connection management
// ---------------------------------------------------------------------------

func TestMaxConnections(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MaxConnections = 1
	addr, _, _ := startBridge(t, cfg)

	c := dial(t, addr)
	c.read(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if conn, _, _, err := ws.Dial(ctx, "ws://"+addr+"/ws"); err == nil {
		conn.Close()
		t.Fatal("expected second connection to be refused")
	}
}

func TestHealth(t *testing.T) {
	addr, _, _ := startBridge(t, DefaultServerConfig())
	c := dial(t, addr)
	c.read(t)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 {
		t.Errorf("unexpected health: %+v", body)
	}
}

func TestBroadcastReachesEveryClient(t *testing.T) {
	addr, tb, _ := startBridge(t, DefaultServerConfig())
	c1 := dial(t, addr)
	c1.read(t)
	c2 := dial(t, addr)
	c2.read(t)

	tb.SetInput("shared")
	for _, c := range []*client{c1, c2} {
		c.readUntil(t, func(m map[string]interface{}) bool { return m["input"] == "shared" })
	}
}

func TestHeartbeatEvictsIdleConnections(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil)
	hb := DefaultHeartbeatConfig()

	live, livePeer := net.Pipe()
	stale, stalePeer := net.Pipe()
	defer livePeer.Close()
	defer stalePeer.Close()
	go io.Copy(io.Discard, livePeer)

	liveConn := newConnection("live", live, srv.config)
	staleConn := newConnection("stale", stale, srv.config)
	staleConn.lastActive = time.Now().Add(-time.Hour).UnixNano()
	srv.conns.Add(liveConn)
	srv.conns.Add(staleConn)

	checkConnections(srv, hb, time.Now())

	if srv.conns.Get("stale") != nil {
		t.Error("expected stale connection to be evicted")
	}
	if srv.conns.Get("live") == nil {
		t.Error("expected live connection to be kept")
	}
}

// ---------------------------------------------------------------------------
// Test: A client that never reads does not stall tab changes
// ---------------------------------------------------------------------------

func TestStalledClientDoesNotBlockTab(t *testing.T) {
	addr, tb, srv := startBridge(t, DefaultServerConfig())

	// The peer end is never read, so every write to it blocks until the
	// write deadline.
	stalled, stalledPeer := net.Pipe()
	defer stalledPeer.Close()
	srv.conns.Add(newConnection("stalled", stalled, srv.config))

	done := make(chan struct{})
	go func() {
		tb.SetInput("first")
		tb.SetInput("second")
		tb.AppendInput(" draft")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tab changes blocked behind a stalled client")
	}

	if got := tb.Input(); got != "second draft" {
		t.Errorf("Input() = %q, want %q", got, "second draft")
	}

	// Connections still accept and greet new clients meanwhile.
	c := dial(t, addr)
	defer c.conn.Close()
	if msg := c.read(t); msg["type"] != "state" {
		t.Errorf("expected state frame on connect, got %v", msg)
	}
}
