package bus

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	SubjectPrefix string        // channel subjects are <prefix>.<channel>
	ConnectWait   time.Duration // initial connection timeout
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "tabchat",
		SubjectPrefix: "tabchat",
		ConnectWait:   2 * time.Second,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NATSOpener returns an Opener that joins channel over NATS. Each transport
// owns its own connection, opened with NoEcho so the server never sends a
// context its own publications.
func NATSOpener(config NATSConfig) Opener {
	return func(channel string, deliver func([]byte)) (Transport, error) {
		opts := []nats.Option{
			nats.Name(config.Name),
			nats.NoEcho(),
			nats.Timeout(config.ConnectWait),
			nats.ReconnectWait(config.ReconnectWait),
			nats.MaxReconnects(config.MaxReconnects),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					log.Printf("[nats] disconnected: %v", err)
				} else {
					log.Printf("[nats] disconnected")
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
			}),
			nats.ClosedHandler(func(_ *nats.Conn) {
				log.Printf("[nats] connection closed")
			}),
		}

		nc, err := nats.Connect(config.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}

		subject := config.SubjectPrefix + "." + channel
		sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
			deliver(msg.Data)
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
		}

		log.Printf("[nats] connected to %s subject=%s", nc.ConnectedUrl(), subject)
		return &natsTransport{conn: nc, sub: sub, subject: subject}, nil
	}
}

type natsTransport struct {
	conn    *nats.Conn
	sub     *nats.Subscription
	subject string
}

func (t *natsTransport) Name() string { return "nats" }

// Send publishes to the channel subject. The client buffers the frame and
// flushes it in the background.
func (t *natsTransport) Send(data []byte) error {
	if t.conn.IsClosed() {
		return ErrTransportClosed
	}
	return t.conn.Publish(t.subject, data)
}

// Close drains the subscription and the connection.
func (t *natsTransport) Close() error {
	if t.conn.IsClosed() {
		return nil
	}
	if err := t.sub.Unsubscribe(); err != nil {
		log.Printf("[nats] unsubscribe %s: %v", t.subject, err)
	}
	if err := t.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
		t.conn.Close()
	}
	return nil
}
