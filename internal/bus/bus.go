// Package bus is a best-effort publish/subscribe channel between contexts
// (processes or in-process sessions) that share a channel name. Every
// published event is delivered at most once to every other context
// subscribed to the same name; a context never receives its own events.
//
// A Bus tries its primary transport first and falls back to the secondary
// transport, then to a transport that drops everything. Inbound frames are
// queued and handed to subscribers by a single goroutine, one event at a
// time.
package bus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisper/tabchat/internal/metrics"
	"github.com/whisper/tabchat/internal/protocol"
)

// DefaultChannel is the well-known channel all contexts join by default.
const DefaultChannel = "prasanna-chat"

// DefaultInboxSize is the number of undelivered inbound events a Bus holds
// before dropping new ones.
const DefaultInboxSize = 256

// Handler receives one delivered event as raw JSON.
type Handler func(data []byte)

// Bus is one context's endpoint on a named channel.
type Bus struct {
	channel   string
	transport Transport
	name      atomic.Value // transport name, set once acquired
	inbox     chan []byte
	now       func() time.Time

	mu       sync.RWMutex
	handlers map[int]Handler
	nextID   int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type options struct {
	primary   Opener
	fallback  Opener
	inboxSize int
	now       func() time.Time
}

// Option customizes a Bus.
type Option func(*options)

// WithPrimary sets the preferred transport.
func WithPrimary(o Opener) Option {
	return func(opts *options) { opts.primary = o }
}

// WithFallback sets the transport used when the primary is unavailable.
func WithFallback(o Opener) Option {
	return func(opts *options) { opts.fallback = o }
}

// WithInboxSize overrides DefaultInboxSize.
func WithInboxSize(n int) Option {
	return func(opts *options) {
		if n > 0 {
			opts.inboxSize = n
		}
	}
}

// WithClock overrides the time source used for the _ts stamp.
func WithClock(now func() time.Time) Option {
	return func(opts *options) { opts.now = now }
}

// New binds a Bus to channel. Transport failures are logged, never
// returned: with no usable transport the Bus silently drops everything.
func New(channel string, opts ...Option) *Bus {
	o := options{inboxSize: DefaultInboxSize, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bus{
		channel:  channel,
		inbox:    make(chan []byte, o.inboxSize),
		now:      o.now,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}

	b.transport = b.acquire("primary", o.primary)
	if b.transport == nil {
		b.transport = b.acquire("fallback", o.fallback)
	}
	if b.transport == nil {
		log.Printf("[bus] channel=%s: no transport available, events will not be delivered", channel)
		b.transport = nopTransport{}
	}
	b.name.Store(b.transport.Name())
	log.Printf("[bus] channel=%s using transport=%s", channel, b.transport.Name())

	b.wg.Add(1)
	go b.loop()
	return b
}

func (b *Bus) acquire(role string, open Opener) Transport {
	if open == nil {
		return nil
	}
	t, err := open(b.channel, b.deliver)
	if err != nil {
		log.Printf("[bus] channel=%s %s transport unavailable: %v", b.channel, role, err)
		return nil
	}
	return t
}

// Channel returns the channel name.
func (b *Bus) Channel() string {
	return b.channel
}

// Transport returns the name of the transport in use.
func (b *Bus) Transport() string {
	if name, ok := b.name.Load().(string); ok {
		return name
	}
	return "pending"
}

// Publish stamps payload with the emission time (_ts, epoch ms) and hands it
// to the transport. It never blocks on delivery. The only error returned is
// for a payload that does not encode to a JSON object; transport failures
// are logged and the event is dropped.
func (b *Bus) Publish(payload interface{}) error {
	data, err := b.stamp(payload)
	if err != nil {
		return err
	}

	select {
	case <-b.done:
		return nil
	default:
	}

	if err := b.transport.Send(data); err != nil {
		log.Printf("[bus] channel=%s publish via %s failed: %v", b.channel, b.transport.Name(), err)
		metrics.BusEvents.WithLabelValues("dropped", b.transport.Name()).Inc()
		return nil
	}
	metrics.BusEvents.WithLabelValues("published", b.transport.Name()).Inc()
	return nil
}

// stamp encodes payload and injects the _ts field.
func (b *Bus) stamp(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, fmt.Errorf("bus: payload must encode to a JSON object")
	}

	ts, _ := json.Marshal(b.now().UnixMilli())
	m[protocol.TimestampField] = ts

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal stamped payload: %w", err)
	}
	return out, nil
}

// Subscribe registers h for every event delivered from now on. The returned
// function removes it and is safe to call more than once.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

// deliver queues an inbound frame. It is called by transports on their own
// goroutines and never blocks: a full inbox drops the frame.
func (b *Bus) deliver(data []byte) {
	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.inbox <- data:
	default:
		log.Printf("[bus] channel=%s inbox full, dropping event", b.channel)
		metrics.BusEvents.WithLabelValues("dropped", b.Transport()).Inc()
	}
}

// loop hands queued frames to subscribers one at a time.
func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case data := <-b.inbox:
			b.dispatch(data)
		}
	}
}

func (b *Bus) dispatch(data []byte) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	metrics.BusEvents.WithLabelValues("delivered", b.Transport()).Inc()
	for _, h := range handlers {
		h(data)
	}
}

// Close releases the transport and stops delivery. Events still queued are
// discarded.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		err = b.transport.Close()
		b.wg.Wait()
		log.Printf("[bus] channel=%s closed", b.channel)
	})
	return err
}
