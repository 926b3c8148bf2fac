// Package main runs two chat contexts in one process and walks them through
// the full message lifecycle: delivery, seen confirmation, seen suppression,
// local-only reactions and snapshot hydration.
//
// Usage:
//
//	go run ./cmd/tabsim/ [-transport hub|slot|nats] [-nats nats://localhost:4222] [-timeout 5s]
//
// Exit code 0 if every scenario passes, 1 otherwise.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/whisper/tabchat/internal/bus"
	"github.com/whisper/tabchat/internal/chat"
	"github.com/whisper/tabchat/internal/kv"
	"github.com/whisper/tabchat/internal/protocol"
	"github.com/whisper/tabchat/internal/tab"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

type scenarioResult struct {
	name   string
	pass   bool
	detail string
}

func (r scenarioResult) tag() string {
	if r.pass {
		return "PASS"
	}
	return "FAIL"
}

func pass(name, detail string) scenarioResult { return scenarioResult{name: name, pass: true, detail: detail} }
func fail(name, detail string) scenarioResult { return scenarioResult{name: name, detail: detail} }

// ---------------------------------------------------------------------------
// Contexts
// ---------------------------------------------------------------------------

type peer struct {
	tab   *tab.Tab
	store *chat.Store
	bus   *bus.Bus
	snap  kv.Store
}

func openContext(profile string, opener bus.Opener, snap kv.Store) *peer {
	b := bus.New(bus.DefaultChannel, bus.WithPrimary(opener))
	store := chat.NewStore(profile, snap)
	return &peer{
		tab:   tab.New(tab.Config{Profile: profile, Directory: chat.DefaultContacts}, store, b),
		store: store,
		bus:   b,
		snap:  snap,
	}
}

func (c *peer) close() {
	c.tab.Close()
	c.bus.Close()
}

func lastStatus(s *chat.Store, contactID string) chat.Status {
	thread := s.Thread(contactID)
	if len(thread) == 0 {
		return ""
	}
	return thread[len(thread)-1].Status
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	transport := flag.String("transport", "hub", "bus transport: hub, slot or nats")
	natsURL := flag.String("nats", "nats://localhost:4222", "NATS server URL for -transport nats")
	timeout := flag.Duration("timeout", 5*time.Second, "per-scenario timeout")
	flag.Parse()

	var opener func() bus.Opener
	switch *transport {
	case "hub":
		hub := bus.NewHub()
		opener = hub.Opener
	case "slot":
		slots := bus.NewMemorySlots()
		opener = func() bus.Opener { return bus.SlotOpener(slots) }
	case "nats":
		cfg := bus.DefaultNATSConfig()
		cfg.URL = *natsURL
		cfg.MaxReconnects = 0
		opener = func() bus.Opener { return bus.NATSOpener(cfg) }
	default:
		fmt.Fprintf(os.Stderr, "unknown transport %q\n", *transport)
		os.Exit(2)
	}

	fmt.Println("=== tabchat two-context simulation ===")
	fmt.Printf("Transport: %s\n\n", *transport)

	// A bystander on the same channel counts seen events.
	var seenEvents int32
	spy := bus.New(bus.DefaultChannel, bus.WithPrimary(opener()))
	defer spy.Close()
	spy.Subscribe(func(data []byte) {
		if kind, _, err := protocol.ParseEvent(data); err == nil && kind == protocol.KindSeen {
			atomic.AddInt32(&seenEvents, 1)
		}
	})

	pSnap := kv.NewMemory()
	p := openContext("prasanna", opener(), pSnap)
	a := openContext("chat-a", opener(), kv.NewMemory())
	defer a.close()

	var results []scenarioResult
	var sent chat.Message

	// 1. Delivery while chat-a looks at another thread.
	results = append(results, func() scenarioResult {
		const name = "delivery"
		if err := a.tab.SelectContact("chat-b"); err != nil {
			return fail(name, err.Error())
		}
		p.tab.SetInput("hi")
		msg, err := p.tab.Send()
		if err != nil {
			return fail(name, err.Error())
		}
		sent = msg
		if !waitFor(*timeout, func() bool { return lastStatus(a.store, "prasanna") == chat.StatusDelivered }) {
			return fail(name, "chat-a never received the message")
		}
		if s := lastStatus(p.store, "chat-a"); s != chat.StatusSent {
			return fail(name, fmt.Sprintf("sender copy is %q, want sent", s))
		}
		return pass(name, fmt.Sprintf("id=%s sender=sent receiver=delivered", msg.ID))
	}())

	// 2. chat-a opens the thread, prasanna sees the confirmation.
	results = append(results, func() scenarioResult {
		const name = "seen confirmation"
		if err := a.tab.SelectContact("prasanna"); err != nil {
			return fail(name, err.Error())
		}
		if !waitFor(*timeout, func() bool { return lastStatus(p.store, "chat-a") == chat.StatusSeen }) {
			return fail(name, fmt.Sprintf("sender copy stuck at %q", lastStatus(p.store, "chat-a")))
		}
		return pass(name, "sender=seen")
	}())

	// 3. Revisiting the thread does not announce again.
	results = append(results, func() scenarioResult {
		const name = "seen suppression"
		a.tab.SelectContact("chat-b")
		a.tab.SelectContact("prasanna")
		time.Sleep(100 * time.Millisecond)
		if n := atomic.LoadInt32(&seenEvents); n != 1 {
			return fail(name, fmt.Sprintf("%d seen events, want 1", n))
		}
		return pass(name, "1 seen event")
	}())

	// 4. Reactions never leave the context.
	results = append(results, func() scenarioResult {
		const name = "local reactions"
		if !p.tab.ToggleReaction(sent.ID, "🔥") {
			return fail(name, "reaction target not found")
		}
		time.Sleep(100 * time.Millisecond)
		if r := a.store.Thread("prasanna")[0].Reactions; len(r) != 0 {
			return fail(name, fmt.Sprintf("peer copy has reactions %v", r))
		}
		return pass(name, "sender=[🔥] receiver=[]")
	}())

	// 5. A reopened context hydrates its snapshot.
	results = append(results, func() scenarioResult {
		const name = "hydration"
		p.close()
		reopened := chat.NewStore("prasanna", pSnap)
		thread := reopened.Thread("chat-a")
		if len(thread) != 1 || thread[0].Status != chat.StatusSeen || !thread[0].HasReaction("🔥") {
			raw, _ := json.Marshal(thread)
			return fail(name, "unexpected thread "+string(raw))
		}
		return pass(name, "1 message, seen, [🔥]")
	}())

	failed := 0
	for _, r := range results {
		fmt.Printf("[%s] %-18s %s\n", r.tag(), r.name, r.detail)
		if !r.pass {
			failed++
		}
	}
	fmt.Printf("\n%d/%d scenarios passed\n", len(results)-failed, len(results))
	if failed > 0 {
		os.Exit(1)
	}
}
