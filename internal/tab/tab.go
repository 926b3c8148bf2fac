// Package tab is one chat context: a single profile with its own chat store
// and bus endpoint. A Tab turns UI actions into store mutations and bus
// events, applies events from peer contexts, and tells the peer when the
// local viewer has seen their latest message.
package tab

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/whisper/tabchat/internal/bus"
	"github.com/whisper/tabchat/internal/chat"
	"github.com/whisper/tabchat/internal/protocol"
)

// ErrUnknownContact is returned when selecting a contact that is not in the
// tab's contact list.
var ErrUnknownContact = errors.New("tab: unknown contact")

// Config describes the profile a Tab runs as.
type Config struct {
	Profile   string         // local participant ID
	Directory []chat.Contact // every known participant, including Profile
}

// DefaultConfig returns the built-in profile and directory.
func DefaultConfig() Config {
	return Config{
		Profile:   chat.DefaultProfile,
		Directory: chat.DefaultContacts,
	}
}

// Tab owns the store and bus of one context for the lifetime of a session.
type Tab struct {
	me       string
	contacts []chat.Contact
	store    *chat.Store
	bus      *bus.Bus

	mu     sync.Mutex
	active string
	input  string

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int

	offBus   func()
	offStore func()
}

// New wires store and b together for cfg.Profile. The first contact in the
// list starts out active. Close releases the subscriptions.
func New(cfg Config, store *chat.Store, b *bus.Bus) *Tab {
	t := &Tab{
		me:        cfg.Profile,
		contacts:  chat.ContactsFor(cfg.Profile, cfg.Directory),
		store:     store,
		bus:       b,
		listeners: make(map[int]func()),
	}
	if len(t.contacts) > 0 {
		t.active = t.contacts[0].ID
	}

	t.offBus = b.Subscribe(t.handleEvent)
	t.offStore = store.OnChange(func() {
		t.checkSeen()
		t.notify()
	})
	t.checkSeen()

	log.Printf("[tab] profile=%s contacts=%d active=%s transport=%s", t.me, len(t.contacts), t.active, b.Transport())
	return t
}

// Close stops reacting to bus events and store changes.
func (t *Tab) Close() {
	t.offBus()
	t.offStore()
}

// Me returns the local profile ID.
func (t *Tab) Me() string {
	return t.me
}

// Contacts returns the contacts this profile can chat with.
func (t *Tab) Contacts() []chat.Contact {
	out := make([]chat.Contact, len(t.contacts))
	copy(out, t.contacts)
	return out
}

// Active returns the ID of the contact whose thread is open.
func (t *Tab) Active() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// SelectContact opens id's thread and runs the seen check for it.
func (t *Tab) SelectContact(id string) error {
	if _, ok := chat.FindContact(t.contacts, id); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContact, id)
	}

	t.mu.Lock()
	changed := t.active != id
	t.active = id
	t.mu.Unlock()

	t.checkSeen()
	if changed {
		t.notify()
	}
	return nil
}

// Input returns the composer buffer.
func (t *Tab) Input() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input
}

// SetInput replaces the composer buffer.
func (t *Tab) SetInput(text string) {
	t.mu.Lock()
	t.input = text
	t.mu.Unlock()
	t.notify()
}

// AppendInput appends text, typically a picked emoji, to the composer buffer.
func (t *Tab) AppendInput(text string) {
	t.mu.Lock()
	t.input += text
	t.mu.Unlock()
	t.notify()
}

// Send sends the composer buffer to the active contact and clears it. A
// blank buffer returns chat.ErrEmptyMessage and is left untouched. Text
// appended to the buffer while the send is in flight stays in the buffer.
func (t *Tab) Send() (chat.Message, error) {
	text := t.Input()
	msg, err := t.SendText(text)
	if err != nil {
		return chat.Message{}, err
	}

	t.mu.Lock()
	cleared := strings.HasPrefix(t.input, text)
	if cleared {
		t.input = t.input[len(text):]
	}
	t.mu.Unlock()
	if cleared {
		t.notify()
	}
	return msg, nil
}

// SendText appends text to the active thread and publishes it to the
// contact's context.
func (t *Tab) SendText(text string) (chat.Message, error) {
	to := t.Active()
	msg, err := t.store.AppendOutgoing(to, text, t.me)
	if err != nil {
		return chat.Message{}, err
	}
	if err := t.bus.Publish(protocol.NewMessageEvent(msg)); err != nil {
		log.Printf("[tab] publish message id=%s to=%s: %v", msg.ID, to, err)
	}
	return msg, nil
}

// ToggleReaction toggles emoji on messageID in the active thread. It reports
// whether the message was found.
func (t *Tab) ToggleReaction(messageID, emoji string) bool {
	return t.store.ToggleReaction(t.Active(), messageID, emoji)
}

// CurrentThread returns the active thread.
func (t *Tab) CurrentThread() []chat.Message {
	return t.store.Thread(t.Active())
}

// State returns everything a renderer needs to draw the tab.
func (t *Tab) State() protocol.StateMsg {
	t.mu.Lock()
	active, input := t.active, t.input
	t.mu.Unlock()

	contact, _ := chat.FindContact(t.contacts, active)
	return protocol.StateMsg{
		Type:            protocol.TypeState,
		Me:              t.me,
		Contacts:        t.Contacts(),
		Active:          contact,
		Thread:          t.store.Thread(active),
		Input:           input,
		ReactionPalette: chat.ReactionPalette,
		EmojiPicker:     chat.EmojiPicker,
	}
}

// AnnounceSeen publishes a seen event. It makes Tab the store's
// chat.SeenAnnouncer.
func (t *Tab) AnnounceSeen(viewer, aboutContact string) error {
	return t.bus.Publish(protocol.NewSeenEvent(viewer, aboutContact))
}

func (t *Tab) checkSeen() {
	active := t.Active()
	if active == "" {
		return
	}
	if t.store.MarkSeenIfApplicable(active, t) {
		log.Printf("[tab] profile=%s announced seen to=%s", t.me, active)
	}
}

// handleEvent applies a bus event addressed to this profile.
func (t *Tab) handleEvent(data []byte) {
	kind, ev, err := protocol.ParseEvent(data)
	if err != nil {
		log.Printf("[tab] profile=%s dropping event kind=%q: %v", t.me, kind, err)
		return
	}

	switch e := ev.(type) {
	case protocol.MessageEvent:
		if e.To != t.me {
			return
		}
		t.store.ApplyIncoming(e.From, e.Message)

	case protocol.SeenEvent:
		if e.AboutContact != t.me {
			return
		}
		t.store.ApplySeenConfirmation(e.Viewer)
	}
}

// OnChange registers fn to run whenever the tab's visible state changes:
// store mutations, contact selection or input edits. The returned function
// removes it.
func (t *Tab) OnChange(fn func()) (remove func()) {
	t.listenerMu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.listenerMu.Unlock()

	return func() {
		t.listenerMu.Lock()
		delete(t.listeners, id)
		t.listenerMu.Unlock()
	}
}

func (t *Tab) notify() {
	t.listenerMu.Lock()
	fns := make([]func(), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
