package ws

import (
	"errors"
	"log"
	"sync"

	"github.com/whisper/tabchat/internal/chat"
	"github.com/whisper/tabchat/internal/protocol"
	"github.com/whisper/tabchat/internal/tab"
)

// Bridge exposes a tab.Tab to the server's UI clients. Every client gets a
// state frame on connect and again whenever the tab changes.
//
// Change notifications arrive on the bus dispatch goroutine, so broadcasts
// run on a goroutine of their own. Changes that land while a broadcast is
// in flight collapse into one follow-up frame carrying the latest state.
type Bridge struct {
	tab    *tab.Tab
	server *Server
	off    func()

	dirty chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewBridge registers the tab's UI operations on d and hooks the tab's
// change notifications to s. Close detaches it.
func NewBridge(t *tab.Tab, s *Server, d *MessageDispatcher) *Bridge {
	b := &Bridge{
		tab:    t,
		server: s,
		dirty:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	d.Register(protocol.TypeSelectContact, b.handleSelectContact)
	d.Register(protocol.TypeSetInput, b.handleSetInput)
	d.Register(protocol.TypeAppendInput, b.handleAppendInput)
	d.Register(protocol.TypeSend, b.handleSend)
	d.Register(protocol.TypeReact, b.handleReact)

	s.SetOnConnect(b.sendState)
	b.off = t.OnChange(b.markDirty)

	b.wg.Add(1)
	go b.broadcastLoop()
	return b
}

// Close stops broadcasting tab changes and waits for an in-flight
// broadcast to finish.
func (b *Bridge) Close() {
	b.once.Do(func() {
		b.off()
		close(b.done)
		b.wg.Wait()
	})
}

// markDirty never blocks; a pending signal already covers this change.
func (b *Bridge) markDirty() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

func (b *Bridge) broadcastLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case <-b.dirty:
			b.broadcastState()
		}
	}
}

func (b *Bridge) stateFrame() ([]byte, error) {
	return protocol.NewServerMessage(protocol.TypeState, b.tab.State())
}

func (b *Bridge) sendState(conn *Connection) {
	data, err := b.stateFrame()
	if err != nil {
		log.Printf("[ws] failed to build state id=%s: %v", conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] failed to send state id=%s: %v", conn.ID, err)
	}
}

func (b *Bridge) broadcastState() {
	data, err := b.stateFrame()
	if err != nil {
		log.Printf("[ws] failed to build state: %v", err)
		return
	}
	b.server.Broadcast(data)
}

// -----------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------

func (b *Bridge) handleSelectContact(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SelectContactMsg)
	if !ok {
		return
	}
	if err := b.tab.SelectContact(m.ContactID); err != nil {
		conn.WriteError("unknown_contact", err.Error())
	}
}

func (b *Bridge) handleSetInput(conn *Connection, msg interface{}) {
	if m, ok := msg.(protocol.SetInputMsg); ok {
		b.tab.SetInput(m.Text)
	}
}

func (b *Bridge) handleAppendInput(conn *Connection, msg interface{}) {
	if m, ok := msg.(protocol.AppendInputMsg); ok {
		b.tab.AppendInput(m.Text)
	}
}

func (b *Bridge) handleSend(conn *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMsg)
	if !ok {
		return
	}

	var err error
	if m.Text != "" {
		_, err = b.tab.SendText(m.Text)
	} else {
		_, err = b.tab.Send()
	}

	switch {
	case err == nil:
	case errors.Is(err, chat.ErrEmptyMessage):
		// Blank input is a silent no-op, like pressing Enter on an empty composer.
	default:
		conn.WriteError("invalid_message", err.Error())
	}
}

func (b *Bridge) handleReact(conn *Connection, msg interface{}) {
	if m, ok := msg.(protocol.ReactMsg); ok {
		b.tab.ToggleReaction(m.MessageID, m.Emoji)
	}
}
