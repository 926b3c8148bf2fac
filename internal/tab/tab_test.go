package tab

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whisper/tabchat/internal/bus"
	"github.com/whisper/tabchat/internal/chat"
	"github.com/whisper/tabchat/internal/kv"
	"github.com/whisper/tabchat/internal/protocol"
)

// newContext opens a tab for profile on its own store and bus.
func newContext(t *testing.T, profile string, opener bus.Opener) (*Tab, *chat.Store) {
	t.Helper()
	store := chat.NewStore(profile, kv.NewMemory())
	b := bus.New(bus.DefaultChannel, bus.WithPrimary(opener))
	tb := New(Config{Profile: profile, Directory: chat.DefaultContacts}, store, b)
	t.Cleanup(func() {
		tb.Close()
		b.Close()
	})
	return tb, store
}

// seenSpy counts seen events observed by a bystander context.
func seenSpy(t *testing.T, opener bus.Opener) *int32 {
	t.Helper()
	var n int32
	b := bus.New(bus.DefaultChannel, bus.WithPrimary(opener))
	t.Cleanup(func() { b.Close() })
	b.Subscribe(func(data []byte) {
		var env struct {
			Kind string `json:"kind"`
		}
		if json.Unmarshal(data, &env) == nil && env.Kind == protocol.KindSeen {
			atomic.AddInt32(&n, 1)
		}
	})
	return &n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func lastStatus(s *chat.Store, contactID string) chat.Status {
	thread := s.Thread(contactID)
	if len(thread) == 0 {
		return ""
	}
	return thread[len(thread)-1].Status
}

// ---------------------------------------------------------------------------
// Test: Full sent -> delivered -> seen round trip between two contexts
// ---------------------------------------------------------------------------

func runRoundTrip(t *testing.T, opener func() bus.Opener) {
	seen := seenSpy(t, opener())
	p, pStore := newContext(t, "prasanna", opener())
	a, aStore := newContext(t, "chat-a", opener())

	// chat-a is looking at someone else when the message arrives.
	if err := a.SelectContact("chat-b"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if p.Active() != "chat-a" {
		t.Fatalf("expected prasanna to start on chat-a, got %q", p.Active())
	}

	p.SetInput("hi")
	msg, err := p.Send()
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if p.Input() != "" {
		t.Errorf("expected input to be cleared, got %q", p.Input())
	}
	if msg.Status != chat.StatusSent || msg.From != "prasanna" || msg.To != "chat-a" {
		t.Errorf("unexpected sent message: %+v", msg)
	}

	eventually(t, "delivery to chat-a", func() bool {
		return lastStatus(aStore, "prasanna") == chat.StatusDelivered
	})
	if got := aStore.Thread("prasanna")[0]; got.ID != msg.ID || got.Text != "hi" {
		t.Errorf("unexpected delivered message: %+v", got)
	}
	if s := lastStatus(pStore, "chat-a"); s != chat.StatusSent {
		t.Errorf("expected sender copy to stay sent until seen, got %q", s)
	}

	if err := a.SelectContact("prasanna"); err != nil {
		t.Fatalf("select: %v", err)
	}
	eventually(t, "seen confirmation at prasanna", func() bool {
		return lastStatus(pStore, "chat-a") == chat.StatusSeen
	})

	// Revisiting the same thread must not announce the same message again.
	a.SelectContact("chat-b")
	a.SelectContact("prasanna")
	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(seen); n != 1 {
		t.Errorf("expected exactly 1 seen event, got %d", n)
	}
}

func TestRoundTripOverHub(t *testing.T) {
	hub := bus.NewHub()
	runRoundTrip(t, hub.Opener)
}

func TestRoundTripOverSlotFallback(t *testing.T) {
	slots := bus.NewMemorySlots()
	runRoundTrip(t, func() bus.Opener { return bus.SlotOpener(slots) })
}

// ---------------------------------------------------------------------------
// Test: Arrival while the thread is open is seen immediately
// ---------------------------------------------------------------------------

func TestIncomingOnActiveThreadIsSeen(t *testing.T) {
	hub := bus.NewHub()
	p, pStore := newContext(t, "prasanna", hub.Opener())
	a, _ := newContext(t, "chat-a", hub.Opener())

	if a.Active() != "prasanna" {
		t.Fatalf("expected chat-a to start on prasanna, got %q", a.Active())
	}
	if _, err := p.SendText("are you there"); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "seen confirmation", func() bool {
		return lastStatus(pStore, "chat-a") == chat.StatusSeen
	})
}

// ---------------------------------------------------------------------------
// Test: Events addressed to another profile are ignored
// ---------------------------------------------------------------------------

func TestIgnoresOtherRecipients(t *testing.T) {
	hub := bus.NewHub()
	p, _ := newContext(t, "prasanna", hub.Opener())
	_, aStore := newContext(t, "chat-a", hub.Opener())
	_, bStore := newContext(t, "chat-b", hub.Opener())

	if err := p.SelectContact("chat-b"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if _, err := p.SendText("only for b"); err != nil {
		t.Fatalf("send: %v", err)
	}
	eventually(t, "delivery to chat-b", func() bool {
		return len(bStore.Thread("prasanna")) == 1
	})
	if n := len(aStore.Threads()); n != 0 {
		t.Errorf("chat-a should not store a message for chat-b, got %d threads", n)
	}
}

// ---------------------------------------------------------------------------
// Test: Composer and selection
// ---------------------------------------------------------------------------

func TestSendBlankInput(t *testing.T) {
	p, store := newContext(t, "prasanna", bus.Unavailable("none"))

	p.SetInput("   ")
	if _, err := p.Send(); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
	if p.Input() != "   " {
		t.Errorf("blank input should be left as is, got %q", p.Input())
	}
	if n := len(store.Thread("chat-a")); n != 0 {
		t.Errorf("expected empty thread, got %d messages", n)
	}
}

func TestAppendInput(t *testing.T) {
	p, _ := newContext(t, "prasanna", bus.Unavailable("none"))

	p.SetInput("nice ")
	p.AppendInput("🔥")
	if got := p.Input(); got != "nice 🔥" {
		t.Errorf("expected %q, got %q", "nice 🔥", got)
	}
}

func TestSendKeepsInputTypedDuringSend(t *testing.T) {
	p, store := newContext(t, "prasanna", bus.Unavailable("none"))

	// The emoji lands while the store is announcing the outgoing message,
	// after the buffer was read and before it is cleared.
	var typed bool
	p.OnChange(func() {
		if !typed && len(store.Thread("chat-a")) == 1 {
			typed = true
			p.AppendInput("😀")
		}
	})

	p.SetInput("hello")
	msg, err := p.Send()
	if err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if msg.Text != "hello" {
		t.Errorf("sent text = %q, want %q", msg.Text, "hello")
	}
	if !typed {
		t.Fatal("expected the listener to type during the send")
	}
	if got := p.Input(); got != "😀" {
		t.Errorf("Input() = %q, want %q", got, "😀")
	}
}

func TestSendClearsInput(t *testing.T) {
	p, store := newContext(t, "prasanna", bus.Unavailable("none"))

	p.SetInput("hi")
	if _, err := p.Send(); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got := p.Input(); got != "" {
		t.Errorf("Input() = %q, want empty", got)
	}
	if n := len(store.Thread("chat-a")); n != 1 {
		t.Errorf("expected 1 message, got %d", n)
	}
}

func TestSelectUnknownContact(t *testing.T) {
	p, _ := newContext(t, "prasanna", bus.Unavailable("none"))

	for _, id := range []string{"nobody", "prasanna"} {
		if err := p.SelectContact(id); !errors.Is(err, ErrUnknownContact) {
			t.Errorf("select %q: expected ErrUnknownContact, got %v", id, err)
		}
	}
	if p.Active() != "chat-a" {
		t.Errorf("active contact should not change, got %q", p.Active())
	}
}

func TestToggleReactionOnActiveThread(t *testing.T) {
	p, _ := newContext(t, "prasanna", bus.Unavailable("none"))

	msg, err := p.SendText("react to me")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !p.ToggleReaction(msg.ID, "🔥") {
		t.Fatal("expected reaction to apply")
	}
	if got := p.CurrentThread()[0].Reactions; len(got) != 1 || got[0] != "🔥" {
		t.Errorf("expected [🔥], got %v", got)
	}
	p.ToggleReaction(msg.ID, "🔥")
	if got := p.CurrentThread()[0].Reactions; len(got) != 0 {
		t.Errorf("expected no reactions, got %v", got)
	}

	// The message lives in chat-a's thread, not chat-b's.
	p.SelectContact("chat-b")
	if p.ToggleReaction(msg.ID, "🔥") {
		t.Error("reaction should not apply outside the active thread")
	}
}

// ---------------------------------------------------------------------------
// Test: State and change notifications
// ---------------------------------------------------------------------------

func TestState(t *testing.T) {
	p, _ := newContext(t, "prasanna", bus.Unavailable("none"))
	p.SendText("one")
	p.SetInput("draft")

	st := p.State()
	if st.Type != protocol.TypeState || st.Me != "prasanna" {
		t.Errorf("unexpected header: %+v", st)
	}
	if st.Active.ID != "chat-a" || st.Active.Name != "Chat A" {
		t.Errorf("unexpected active contact: %+v", st.Active)
	}
	if len(st.Contacts) != 4 || len(st.Thread) != 1 || st.Input != "draft" {
		t.Errorf("unexpected state: contacts=%d thread=%d input=%q", len(st.Contacts), len(st.Thread), st.Input)
	}
	if len(st.ReactionPalette) == 0 || len(st.EmojiPicker) == 0 {
		t.Error("expected palettes in state")
	}
}

func TestOnChange(t *testing.T) {
	p, _ := newContext(t, "prasanna", bus.Unavailable("none"))

	var calls int32
	remove := p.OnChange(func() { atomic.AddInt32(&calls, 1) })

	p.SetInput("x")
	p.SelectContact("chat-b")
	p.SelectContact("chat-b") // no change
	p.SendText("y")
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 notifications, got %d", n)
	}

	remove()
	p.SetInput("z")
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected no notification after remove, got %d", n)
	}
}
