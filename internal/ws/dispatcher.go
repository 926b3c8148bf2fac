package ws

import (
	"log"

	"github.com/whisper/tabchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g. protocol.SendMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to registered handlers based on
// the message type. Ping is answered internally; malformed or unsupported
// frames get a structured error response.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler for that type.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the Server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[ws] dispatch parse error id=%s type=%q: %v", conn.ID, msgType, err)
		conn.WriteError("parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("[ws] unsupported message type=%q id=%s", msgType, conn.ID)
		conn.WriteError("unsupported_type", "unsupported message type")
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("[ws] failed to build pong message id=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("[ws] failed to send pong message id=%s: %v", conn.ID, err)
	}
}
