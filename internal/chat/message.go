package chat

// Status is the delivery state of a message as seen by the local context.
type Status string

// Status values, in the only order a message may move through them.
const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// Rank returns the position of s in sent -> delivered -> seen, or -1 for an
// unknown status.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusSeen:
		return 2
	default:
		return -1
	}
}

// Advance returns the later of s and next. Status never regresses.
func (s Status) Advance(next Status) Status {
	if next.Rank() > s.Rank() {
		return next
	}
	return s
}

// Message is a single chat message. ID, Text, From, To and Ts never change
// after creation; Status and Reactions are replaced by value on update.
type Message struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Ts        int64    `json:"ts"` // epoch milliseconds
	Status    Status   `json:"status"`
	Reactions []string `json:"reactions"`
}

// HasReaction reports whether emoji is in the message's reaction set.
func (m Message) HasReaction(emoji string) bool {
	return indexOfString(m.Reactions, emoji) != -1
}

// clone returns a copy that shares no slices with m.
func (m Message) clone() Message {
	out := m
	out.Reactions = make([]string, len(m.Reactions))
	copy(out.Reactions, m.Reactions)
	return out
}

// Threads maps a contact ID to the ordered message history with that contact.
type Threads map[string][]Message

// Clone returns a deep copy of t.
func (t Threads) Clone() Threads {
	out := make(Threads, len(t))
	for id, thread := range t {
		out[id] = cloneThread(thread)
	}
	return out
}

func cloneThread(thread []Message) []Message {
	out := make([]Message, len(thread))
	for i, m := range thread {
		out[i] = m.clone()
	}
	return out
}

// with returns a shallow copy of t with contactID bound to thread. Threads
// that are not touched are shared between the old and new value.
func (t Threads) with(contactID string, thread []Message) Threads {
	out := make(Threads, len(t)+1)
	for id, th := range t {
		out[id] = th
	}
	out[contactID] = thread
	return out
}

// appendMessage returns t with m appended to contactID's thread.
func appendMessage(t Threads, contactID string, m Message) Threads {
	prev := t[contactID]
	thread := make([]Message, len(prev), len(prev)+1)
	copy(thread, prev)
	thread = append(thread, m)
	return t.with(contactID, thread)
}

// markLastSeen returns t with the last message of contactID's thread
// advanced to seen, provided it was authored by me. The second return value
// is false when nothing changed.
func markLastSeen(t Threads, contactID, me string) (Threads, bool) {
	prev := t[contactID]
	if len(prev) == 0 {
		return t, false
	}
	last := prev[len(prev)-1]
	if last.From != me || last.Status == StatusSeen {
		return t, false
	}

	thread := make([]Message, len(prev))
	copy(thread, prev)
	updated := last.clone()
	updated.Status = last.Status.Advance(StatusSeen)
	thread[len(thread)-1] = updated
	return t.with(contactID, thread), true
}

// toggleReaction returns t with emoji added to, or removed from, the
// reaction set of messageID in contactID's thread. The second return value
// is false when the message does not exist.
func toggleReaction(t Threads, contactID, messageID, emoji string) (Threads, bool) {
	prev := t[contactID]
	idx := indexOf(prev, messageID)
	if idx == -1 {
		return t, false
	}

	msg := prev[idx]
	reactions := make([]string, 0, len(msg.Reactions)+1)
	if msg.HasReaction(emoji) {
		for _, r := range msg.Reactions {
			if r != emoji {
				reactions = append(reactions, r)
			}
		}
	} else {
		reactions = append(reactions, msg.Reactions...)
		reactions = append(reactions, emoji)
	}

	thread := make([]Message, len(prev))
	copy(thread, prev)
	msg.Reactions = reactions
	thread[idx] = msg
	return t.with(contactID, thread), true
}

// indexOf returns the position of messageID in thread, or -1.
func indexOf(thread []Message, messageID string) int {
	for i, m := range thread {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

// lastMessage returns the final message of contactID's thread.
func lastMessage(t Threads, contactID string) (Message, bool) {
	thread := t[contactID]
	if len(thread) == 0 {
		return Message{}, false
	}
	return thread[len(thread)-1], true
}

// normalize fills in fields that a decoded message may lack so that every
// stored message carries a reaction set without repeats and a known status.
// Repeated glyphs keep their first position.
func normalize(m Message) Message {
	reactions := make([]string, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		if indexOfString(reactions, r) == -1 {
			reactions = append(reactions, r)
		}
	}
	m.Reactions = reactions
	if m.Status.Rank() < 0 {
		m.Status = StatusSent
	}
	return m
}

func indexOfString(set []string, v string) int {
	for i, s := range set {
		if s == v {
			return i
		}
	}
	return -1
}
