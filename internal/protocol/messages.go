// Package protocol defines the JSON frames tabchat exchanges: bus events
// between contexts, and the UI bridge messages between a renderer and its
// context. Every frame is a JSON object carrying a discriminator field
// ("kind" for bus events, "type" for UI frames).
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/tabchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Bus events
// ---------------------------------------------------------------------------

// Bus event kinds.
const (
	KindMessage = "message"
	KindSeen    = "seen"
)

// TimestampField is the emission timestamp the bus stamps on every event.
const TimestampField = "_ts"

// MessageEvent carries a newly sent message to the recipient's context.
type MessageEvent struct {
	Kind    string       `json:"kind"`
	To      string       `json:"to"`
	From    string       `json:"from"`
	Message chat.Message `json:"message"`
	Ts      int64        `json:"_ts,omitempty"`
}

// SeenEvent tells AboutContact that Viewer has looked at their last message.
type SeenEvent struct {
	Kind         string `json:"kind"`
	Viewer       string `json:"viewer"`
	AboutContact string `json:"aboutContact"`
	Ts           int64  `json:"_ts,omitempty"`
}

// NewMessageEvent builds the event announcing msg to its recipient.
func NewMessageEvent(msg chat.Message) MessageEvent {
	return MessageEvent{Kind: KindMessage, To: msg.To, From: msg.From, Message: msg}
}

// NewSeenEvent builds a seen notification.
func NewSeenEvent(viewer, aboutContact string) SeenEvent {
	return SeenEvent{Kind: KindSeen, Viewer: viewer, AboutContact: aboutContact}
}

// EventEnvelope holds the kind and emission timestamp of a bus event along
// with the raw JSON for deferred parsing.
type EventEnvelope struct {
	Kind string          `json:"kind"`
	Ts   int64           `json:"_ts"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the kind and
// timestamp fields.
func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Kind string `json:"kind"`
		Ts   int64  `json:"_ts"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal event envelope: %w", err)
	}
	if partial.Kind == "" {
		return fmt.Errorf("protocol: missing or empty \"kind\" field")
	}
	e.Kind = partial.Kind
	e.Ts = partial.Ts
	return nil
}

// ParseEvent decodes a bus frame into a MessageEvent or SeenEvent. Unknown
// kinds are reported as errors so callers can drop them.
func ParseEvent(data []byte) (string, interface{}, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	switch env.Kind {
	case KindMessage:
		var ev MessageEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			return env.Kind, nil, fmt.Errorf("protocol: failed to decode %q event: %w", env.Kind, err)
		}
		if ev.To == "" || ev.From == "" || ev.Message.ID == "" {
			return env.Kind, nil, fmt.Errorf("protocol: incomplete %q event", env.Kind)
		}
		return env.Kind, ev, nil
	case KindSeen:
		var ev SeenEvent
		if err := json.Unmarshal(env.Raw, &ev); err != nil {
			return env.Kind, nil, fmt.Errorf("protocol: failed to decode %q event: %w", env.Kind, err)
		}
		if ev.Viewer == "" || ev.AboutContact == "" {
			return env.Kind, nil, fmt.Errorf("protocol: incomplete %q event", env.Kind)
		}
		return env.Kind, ev, nil
	default:
		return env.Kind, nil, fmt.Errorf("protocol: unknown event kind: %q", env.Kind)
	}
}

// ---------------------------------------------------------------------------
// UI bridge: client -> context
// ---------------------------------------------------------------------------

// Client -> context message types.
const (
	TypeSelectContact = "select_contact"
	TypeSetInput      = "set_input"
	TypeAppendInput   = "append_input"
	TypeSend          = "send"
	TypeReact         = "react"
	TypePing          = "ping"
)

// Context -> client message types.
const (
	TypeState = "state"
	TypeError = "error"
	TypePong  = "pong"
)

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// SelectContactMsg opens the thread with ContactID.
type SelectContactMsg struct {
	Type      string `json:"type"`
	ContactID string `json:"contact_id"`
}

// SetInputMsg replaces the composer input buffer.
type SetInputMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AppendInputMsg appends text (usually a picked emoji) to the input buffer.
type AppendInputMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SendMsg sends Text to the active contact, or the input buffer when Text
// is empty.
type SendMsg struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ReactMsg toggles Emoji on a message in the active thread.
type ReactMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// UI bridge: context -> client
// ---------------------------------------------------------------------------

// StateMsg is the full view a renderer needs to draw the chat.
type StateMsg struct {
	Type            string         `json:"type"`
	Me              string         `json:"me"`
	Contacts        []chat.Contact `json:"contacts"`
	Active          chat.Contact   `json:"active"`
	Thread          []chat.Message `json:"thread"`
	Input           string         `json:"input"`
	ReactionPalette []string       `json:"reaction_palette"`
	EmojiPicker     []string       `json:"emoji_picker"`
}

// ErrorMsg reports a rejected client request.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSelectContact:
		var m SelectContactMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSetInput:
		var m SetInputMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAppendInput:
		var m AppendInputMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReact:
		var m ReactMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and sets its "type" field to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
