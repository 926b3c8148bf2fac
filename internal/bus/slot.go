package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SlotStore is a key-value store shared by every context on the machine,
// whose writes other contexts can observe. It backs the fallback transport.
type SlotStore interface {
	// Write overwrites the value under key.
	Write(ctx context.Context, key string, value []byte) error
	// Watch calls fn with the new value after every change to key, until
	// stop is called.
	Watch(key string, fn func(value []byte)) (stop func(), err error)
}

// slotQueueSize is the number of frames a slot transport buffers while its
// writer goroutine catches up.
const slotQueueSize = 64

// slotWriteTimeout bounds a single slot write.
const slotWriteTimeout = 3 * time.Second

// slotFrame is the value written to the slot. Origin lets a context ignore
// change notifications caused by its own writes. Seq increases with every
// frame an origin writes, so a watcher that reads the same slot value twice
// delivers it once.
type slotFrame struct {
	Origin  string          `json:"origin"`
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
}

// SlotOpener returns an Opener that uses store as a broadcast medium: each
// publish overwrites the slot named after the channel, and every other
// context watching that slot picks up the new value. A context never sees
// its own writes, and never sees a frame twice even when the store reports
// one write as several changes. Writes that land before a peer reads the
// previous value overwrite it, so delivery is best effort.
func SlotOpener(store SlotStore) Opener {
	return func(channel string, deliver func([]byte)) (Transport, error) {
		t := &slotTransport{
			store:  store,
			key:    channel,
			origin: uuid.New().String(),
			seen:   make(map[string]uint64),
			out:    make(chan []byte, slotQueueSize),
			done:   make(chan struct{}),
		}

		stop, err := store.Watch(channel, func(value []byte) {
			var f slotFrame
			if err := json.Unmarshal(value, &f); err != nil {
				log.Printf("[slot] channel=%s ignoring malformed slot value: %v", channel, err)
				return
			}
			if f.Origin == t.origin || len(f.Payload) == 0 || !t.first(f) {
				return
			}
			deliver([]byte(f.Payload))
		})
		if err != nil {
			return nil, fmt.Errorf("slot watch %s: %w", channel, err)
		}
		t.stop = stop

		t.wg.Add(1)
		go t.writeLoop()
		return t, nil
	}
}

type slotTransport struct {
	store  SlotStore
	key    string
	origin string
	seq    uint64 // last Seq written, atomic
	stop   func()

	seenMu sync.Mutex
	seen   map[string]uint64 // origin -> highest Seq delivered

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (t *slotTransport) Name() string { return "slot" }

// first records f as delivered and reports whether it is newer than every
// frame already delivered from the same origin.
func (t *slotTransport) first(f slotFrame) bool {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	if f.Seq <= t.seen[f.Origin] {
		return false
	}
	t.seen[f.Origin] = f.Seq
	return true
}

// Send queues a frame for the writer goroutine.
func (t *slotTransport) Send(data []byte) error {
	seq := atomic.AddUint64(&t.seq, 1)
	frame, err := json.Marshal(slotFrame{Origin: t.origin, Seq: seq, Payload: data})
	if err != nil {
		return fmt.Errorf("slot: encode frame: %w", err)
	}

	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}

	select {
	case t.out <- frame:
		return nil
	default:
		return fmt.Errorf("slot: write queue full")
	}
}

func (t *slotTransport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case frame := <-t.out:
			ctx, cancel := context.WithTimeout(context.Background(), slotWriteTimeout)
			if err := t.store.Write(ctx, t.key, frame); err != nil {
				log.Printf("[slot] write key=%s: %v", t.key, err)
			}
			cancel()
		}
	}
}

func (t *slotTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.stop()
		t.wg.Wait()
	})
	return nil
}

// MemorySlots is an in-process SlotStore. Like browser storage events, a
// write that does not change the stored value notifies nobody.
type MemorySlots struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[string]map[int]func([]byte)
	nextID   int
}

// NewMemorySlots creates an empty MemorySlots.
func NewMemorySlots() *MemorySlots {
	return &MemorySlots{
		values:   make(map[string][]byte),
		watchers: make(map[string]map[int]func([]byte)),
	}
}

func (m *MemorySlots) Write(_ context.Context, key string, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	m.mu.Lock()
	if prev, ok := m.values[key]; ok && bytes.Equal(prev, v) {
		m.mu.Unlock()
		return nil
	}
	m.values[key] = v
	fns := make([]func([]byte), 0, len(m.watchers[key]))
	for _, fn := range m.watchers[key] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
	return nil
}

func (m *MemorySlots) Watch(key string, fn func([]byte)) (func(), error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.watchers[key] == nil {
		m.watchers[key] = make(map[int]func([]byte))
	}
	m.watchers[key][id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.watchers[key], id)
		m.mu.Unlock()
	}, nil
}

// Value returns the current value of key.
func (m *MemorySlots) Value(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}
