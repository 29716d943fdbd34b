// ABOUTME: Tracks live relay connections per user and fans frames out to them
// ABOUTME: Each peer has a bounded outbound queue drained by its own writer goroutine

package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// peerQueueSize bounds frames waiting to be written to one connection.
const peerQueueSize = 64

// peer is one websocket connection of an authenticated user.
type peer struct {
	id      string
	userID  string
	limiter *rate.Limiter

	mu       sync.RWMutex
	outbound chan []byte
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
}

func newPeer(userID string, limiter *rate.Limiter) *peer {
	ctx, cancel := context.WithCancel(context.Background())
	return &peer{
		id:       uuid.New().String(),
		userID:   userID,
		limiter:  limiter,
		outbound: make(chan []byte, peerQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// send queues a frame without blocking. It returns false if the peer is
// closed or its queue is full.
func (p *peer) send(frame []byte) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}
	select {
	case p.outbound <- frame:
		return true
	default:
		return false
	}
}

// close safely closes the peer
func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	close(p.outbound)
}

// hub indexes peers by user.
type hub struct {
	mu    sync.RWMutex
	users map[string]map[string]*peer // userID -> peerID -> peer
}

func newHub() *hub {
	return &hub{users: make(map[string]map[string]*peer)}
}

func (h *hub) add(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.users[p.userID]
	if !ok {
		peers = make(map[string]*peer)
		h.users[p.userID] = peers
	}
	peers[p.id] = p
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	peers, ok := h.users[p.userID]
	if !ok {
		return
	}
	delete(peers, p.id)
	if len(peers) == 0 {
		delete(h.users, p.userID)
	}
}

// deliver queues frame for every connection of userID and returns how many
// accepted it. Peers whose queue is full are closed so they reconnect and
// the server does not buffer without bound.
func (h *hub) deliver(userID string, frame []byte) int {
	h.mu.RLock()
	targets := make([]*peer, 0, len(h.users[userID]))
	for _, p := range h.users[userID] {
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if p.send(frame) {
			n++
			continue
		}
		p.close()
	}
	return n
}

// peers returns the connections of userID.
func (h *hub) peers(userID string) []*peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*peer, 0, len(h.users[userID]))
	for _, p := range h.users[userID] {
		out = append(out, p)
	}
	return out
}

// online returns the users with at least one connection, sorted.
func (h *hub) online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.users))
	for user := range h.users {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for user, peers := range h.users {
		for _, p := range peers {
			p.close()
		}
		delete(h.users, user)
	}
}
