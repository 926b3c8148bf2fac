package bus

import (
	"errors"
	"fmt"
)

// ErrTransportClosed is returned by Send after Close.
var ErrTransportClosed = errors.New("bus: transport closed")

// Transport moves raw event frames between contexts sharing a channel.
// Send must not wait for delivery: implementations either hand the frame to
// an asynchronous client or queue it for a writer goroutine. A transport
// never hands a context its own frames back.
type Transport interface {
	Name() string
	Send(data []byte) error
	Close() error
}

// Opener acquires a transport bound to channel. deliver is invoked for every
// frame published by a peer context; it never blocks.
type Opener func(channel string, deliver func(data []byte)) (Transport, error)

// Unavailable returns an Opener that always fails. It stands in for a
// transport the platform does not provide.
func Unavailable(reason string) Opener {
	return func(channel string, _ func([]byte)) (Transport, error) {
		return nil, fmt.Errorf("bus: transport unavailable for channel %s: %s", channel, reason)
	}
}

// nopTransport drops every frame. The bus falls back to it when no real
// transport could be acquired.
type nopTransport struct{}

func (nopTransport) Name() string        { return "nop" }
func (nopTransport) Send(_ []byte) error { return nil }
func (nopTransport) Close() error        { return nil }
