package chat

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/tabchat/internal/kv"
	"github.com/whisper/tabchat/internal/metrics"
)

// SnapshotSuffix is appended to the profile ID to form the snapshot key.
const SnapshotSuffix = ".messages"

// persistTimeout bounds a single snapshot write.
const persistTimeout = 5 * time.Second

// SeenAnnouncer publishes a "seen" notification telling aboutContact that
// viewer has looked at their latest message.
type SeenAnnouncer interface {
	AnnounceSeen(viewer, aboutContact string) error
}

// Store owns the contact -> thread mapping of one profile. Every mutation
// replaces the mapping with a new value and then writes the whole mapping to
// the snapshot store. Store is goroutine-safe.
type Store struct {
	me   string
	key  string
	snap kv.Store

	mu            sync.Mutex
	threads       Threads
	lastAnnounced map[string]string // contactID -> last message ID announced as seen

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int

	now   func() time.Time
	newID func() string
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides the message ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// NewStore creates a Store for profile me and hydrates it from the snapshot
// store. A missing or unreadable snapshot yields an empty mapping.
func NewStore(me string, snap kv.Store, opts ...Option) *Store {
	s := &Store{
		me:            me,
		key:           me + SnapshotSuffix,
		snap:          snap,
		lastAnnounced: make(map[string]string),
		listeners:     make(map[int]func()),
		now:           time.Now,
		newID:         func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.threads = s.hydrate()
	return s
}

// Me returns the local profile ID.
func (s *Store) Me() string {
	return s.me
}

// hydrate reads the snapshot. It fails open: any read or decode error is
// logged and an empty mapping is returned.
func (s *Store) hydrate() Threads {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	data, err := s.snap.Get(ctx, s.key)
	if errors.Is(err, kv.ErrNotFound) {
		return Threads{}
	}
	if err != nil {
		log.Printf("[chat] snapshot read key=%s: %v (starting empty)", s.key, err)
		return Threads{}
	}

	threads, err := DecodeSnapshot(data)
	if err != nil {
		log.Printf("[chat] malformed snapshot key=%s: %v (starting empty)", s.key, err)
		return Threads{}
	}
	return threads
}

// DecodeSnapshot parses a persisted snapshot. Messages are normalized so
// that every entry has a reaction set and a known status.
func DecodeSnapshot(data []byte) (Threads, error) {
	var threads Threads
	if err := json.Unmarshal(data, &threads); err != nil {
		return nil, err
	}
	if threads == nil {
		return Threads{}, nil
	}
	for id, thread := range threads {
		if thread == nil {
			threads[id] = []Message{}
			continue
		}
		for i := range thread {
			thread[i] = normalize(thread[i])
		}
	}
	return threads, nil
}

// EncodeSnapshot serializes threads in the persisted snapshot format.
func EncodeSnapshot(threads Threads) ([]byte, error) {
	return json.Marshal(threads)
}

// persist writes the full mapping. Errors are logged and counted, never
// returned.
func (s *Store) persist(threads Threads) {
	data, err := EncodeSnapshot(threads)
	if err != nil {
		log.Printf("[chat] snapshot encode key=%s: %v", s.key, err)
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.snap.Set(ctx, s.key, data); err != nil {
		log.Printf("[chat] snapshot write key=%s: %v", s.key, err)
		metrics.SnapshotWrites.WithLabelValues("error").Inc()
		return
	}
	metrics.SnapshotWrites.WithLabelValues("ok").Inc()
	metrics.SnapshotBytes.Set(float64(len(data)))
}

// commit installs next as the current mapping and persists it. Callers hold
// s.mu.
func (s *Store) commit(next Threads) {
	s.threads = next
	s.persist(next)
}

// AppendOutgoing creates a message from senderID to contactID with status
// sent, appends it to contactID's thread and persists. The returned message
// is what the caller publishes on the bus.
func (s *Store) AppendOutgoing(contactID, text, senderID string) (Message, error) {
	if err := ValidateMessage(text); err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        s.newID(),
		Text:      text,
		From:      senderID,
		To:        contactID,
		Ts:        s.now().UnixMilli(),
		Status:    StatusSent,
		Reactions: []string{},
	}

	s.mu.Lock()
	s.commit(appendMessage(s.threads, contactID, msg))
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	s.notify()
	return msg.clone(), nil
}

// ApplyIncoming stores a message received from a peer in the thread keyed by
// fromContactID. The status it carried in transit is ignored: receipt is
// what makes it delivered. A message ID the thread already holds is a
// repeated delivery; the stored copy is returned unchanged.
func (s *Store) ApplyIncoming(fromContactID string, msg Message) Message {
	stored := normalize(msg.clone())
	stored.Status = StatusDelivered

	s.mu.Lock()
	if i := indexOf(s.threads[fromContactID], stored.ID); i != -1 {
		existing := s.threads[fromContactID][i].clone()
		s.mu.Unlock()
		log.Printf("[chat] duplicate incoming message id=%s from=%s ignored", stored.ID, fromContactID)
		return existing
	}
	s.commit(appendMessage(s.threads, fromContactID, stored))
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("received").Inc()
	s.notify()
	return stored.clone()
}

// ApplySeenConfirmation advances the last message of contactID's thread to
// seen if the local profile wrote it. It returns false when the thread is
// empty, the last message belongs to the peer, or it is already seen.
func (s *Store) ApplySeenConfirmation(contactID string) bool {
	s.mu.Lock()
	next, changed := markLastSeen(s.threads, contactID, s.me)
	if changed {
		s.commit(next)
	}
	s.mu.Unlock()

	if !changed {
		return false
	}
	metrics.MessagesTotal.WithLabelValues("seen").Inc()
	s.notify()
	return true
}

// ToggleReaction adds emoji to the reaction set of messageID, or removes it
// if already present. Unknown messages and empty emoji are ignored.
func (s *Store) ToggleReaction(contactID, messageID, emoji string) bool {
	if emoji == "" {
		return false
	}

	s.mu.Lock()
	next, changed := toggleReaction(s.threads, contactID, messageID, emoji)
	if changed {
		s.commit(next)
	}
	s.mu.Unlock()

	if !changed {
		return false
	}
	metrics.MessagesTotal.WithLabelValues("reaction").Inc()
	s.notify()
	return true
}

// MarkSeenIfApplicable announces through a that the local viewer has seen
// the peer's latest message in contactID's thread. Nothing is announced when
// the thread is empty, the last message is the viewer's own, or the same last
// message was already announced. A failed announcement is not recorded, so
// the next check retries it.
func (s *Store) MarkSeenIfApplicable(contactID string, a SeenAnnouncer) bool {
	s.mu.Lock()
	last, ok := lastMessage(s.threads, contactID)
	if !ok || last.From == s.me || s.lastAnnounced[contactID] == last.ID {
		s.mu.Unlock()
		return false
	}
	s.lastAnnounced[contactID] = last.ID
	s.mu.Unlock()

	if err := a.AnnounceSeen(s.me, contactID); err != nil {
		log.Printf("[chat] announce seen contact=%s: %v", contactID, err)
		s.mu.Lock()
		if s.lastAnnounced[contactID] == last.ID {
			delete(s.lastAnnounced, contactID)
		}
		s.mu.Unlock()
		return false
	}
	metrics.SeenAnnouncements.Inc()
	return true
}

// Thread returns a copy of contactID's thread. The result is never nil.
func (s *Store) Thread(contactID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneThread(s.threads[contactID])
}

// Threads returns a deep copy of the whole mapping.
func (s *Store) Threads() Threads {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threads.Clone()
}

// OnChange registers fn to be called after every mutation that changed the
// mapping. Listeners run on the mutating goroutine after the store lock is
// released, so they may read from the store. The returned function removes
// the listener.
func (s *Store) OnChange(fn func()) (remove func()) {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenerMu.Lock()
			delete(s.listeners, id)
			s.listenerMu.Unlock()
		})
	}
}

func (s *Store) notify() {
	s.listenerMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
