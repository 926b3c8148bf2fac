package bus

import (
	"sync"
	"sync/atomic"
)

// Hub is an in-process broadcast fabric. Every transport opened from the
// same Hub is a separate context; a frame sent by one reaches every other
// context on the same channel. It lets several sessions share one process,
// which is how tests and the simulator run two "tabs" side by side.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]map[*hubPeer]struct{} // channel -> peers
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]map[*hubPeer]struct{})}
}

// Opener returns an Opener that joins this Hub.
func (h *Hub) Opener() Opener {
	return func(channel string, deliver func([]byte)) (Transport, error) {
		p := &hubPeer{hub: h, channel: channel, deliver: deliver}

		h.mu.Lock()
		if h.peers[channel] == nil {
			h.peers[channel] = make(map[*hubPeer]struct{})
		}
		h.peers[channel][p] = struct{}{}
		h.mu.Unlock()
		return p, nil
	}
}

// Peers returns the number of open contexts on channel.
func (h *Hub) Peers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers[channel])
}

type hubPeer struct {
	hub     *Hub
	channel string
	deliver func([]byte)
	closed  atomic.Bool
}

func (p *hubPeer) Name() string { return "hub" }

// Send hands a private copy of data to every other peer. Peers queue the
// frame and return immediately.
func (p *hubPeer) Send(data []byte) error {
	if p.closed.Load() {
		return ErrTransportClosed
	}

	p.hub.mu.RLock()
	targets := make([]*hubPeer, 0, len(p.hub.peers[p.channel]))
	for peer := range p.hub.peers[p.channel] {
		if peer != p {
			targets = append(targets, peer)
		}
	}
	p.hub.mu.RUnlock()

	for _, peer := range targets {
		frame := make([]byte, len(data))
		copy(frame, data)
		peer.deliver(frame)
	}
	return nil
}

func (p *hubPeer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.hub.mu.Lock()
	delete(p.hub.peers[p.channel], p)
	if len(p.hub.peers[p.channel]) == 0 {
		delete(p.hub.peers, p.channel)
	}
	p.hub.mu.Unlock()
	return nil
}
