// Package rooms holds the conference state: the registry of live rooms, the
// rooms themselves and the peers inside them. It owns peer lifecycle and
// teardown ordering; media flows through the engine handles it brokers.
package rooms

import (
	"context"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// Sender delivers server-initiated notifications to one peer's signaling
// connection. Implementations must be safe for concurrent use.
type Sender interface {
	Emit(event string, data any) error
}

// ProducerSummary describes one live producer for get-producers responses
// and join snapshots.
type ProducerSummary struct {
	PeerID     string           `json:"peerId"`
	ProducerID string           `json:"producerId"`
	Kind       engine.MediaKind `json:"kind"`
}

// Room is one conference: a router plus the peers attached to it.
type Room struct {
	id        string
	router    engine.Router
	createdAt time.Time

	mu     sync.RWMutex
	peers  map[string]*Peer
	closed bool
}

func newRoom(id string, router engine.Router) *Room {
	return &Room{
		id:        id,
		router:    router,
		createdAt: time.Now(),
		peers:     make(map[string]*Peer),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Router returns the room's media router.
func (r *Room) Router() engine.Router { return r.router }

// CreatedAt returns when the room was created.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Closed returns whether the room has been closed.
func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// AddPeer registers a peer under its id. Returns false when the id is
// already taken or the room is closed.
func (r *Room) AddPeer(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, exists := r.peers[p.ID()]; exists {
		return false
	}
	r.peers[p.ID()] = p
	return true
}

// Peer returns the peer with the given id.
func (r *Room) Peer(id string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// RemovePeer drops the peer from the room and reports how many peers
// remain. It does not close the peer.
func (r *Room) RemovePeer(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	return len(r.peers)
}

// Peers returns a snapshot of the peers in the room.
func (r *Room) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// PeerCount returns the number of peers currently in the room.
func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// PeerIDs returns the ids of peers in the room, excluding the given one.
func (r *Room) PeerIDs(exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		if id == exclude {
			continue
		}
		out = append(out, id)
	}
	return out
}

// ListProducers returns every live producer in the room, skipping those
// owned by the excluded peer.
func (r *Room) ListProducers(exclude string) []ProducerSummary {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == exclude {
			continue
		}
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	var out []ProducerSummary
	for _, p := range peers {
		out = append(out, p.producerSummaries()...)
	}
	return out
}

// Broadcast sends an event to every peer except the excluded one. Sends run
// in the caller's goroutine so consecutive broadcasts reach each recipient
// in order; senders enqueue without blocking and drop dead connections, so
// a slow peer never stalls the room. Failed sends are logged and skipped.
func (r *Room) Broadcast(ctx context.Context, exclude string, event string, data any) {
	r.mu.RLock()
	targets := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == exclude {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	log := util.Log(ctx)
	for _, peer := range targets {
		if err := peer.Notify(event, data); err != nil {
			log.WithError(err).
				WithField("room_id", r.id).
				WithField("peer_id", peer.ID()).
				WithField("event", event).
				Warn("broadcast delivery failed")
		}
	}
}

// Close closes every peer, then the router. Idempotent.
func (r *Room) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[string]*Peer)
	r.mu.Unlock()

	for _, p := range peers {
		p.Close(ctx)
	}
	r.router.Close()
}
