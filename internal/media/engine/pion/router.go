package pion

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// Router multiplexes RTP between the transports of one room. All transports
// created on a router share its API (media engine and network settings).
type Router struct {
	id     string
	worker *Worker
	api    *webrtc.API
	caps   engine.RTPCapabilities

	mu         sync.RWMutex
	transports map[string]*Transport
	producers  map[string]*Producer
	closed     bool
}

func newRouter(w *Worker, api *webrtc.API, codecs []engine.RTPCodecCapability) *Router {
	return &Router{
		id:     xid.New().String(),
		worker: w,
		api:    api,
		caps: engine.RTPCapabilities{
			Codecs:           codecs,
			HeaderExtensions: engine.DefaultHeaderExtensions(),
		},
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
	}
}

// ID returns the router identifier.
func (r *Router) ID() string { return r.id }

// RTPCapabilities returns the advertised capability set.
func (r *Router) RTPCapabilities() engine.RTPCapabilities { return r.caps }

// Closed returns whether the router has been closed.
func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// CreateTransport builds a WebRTC transport and gathers its ICE candidates.
func (r *Router) CreateTransport(ctx context.Context, opts engine.TransportOptions) (engine.Transport, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, engine.ErrClosed
	}
	r.mu.RUnlock()

	t, err := newTransport(ctx, r, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.Close()
		return nil, engine.ErrClosed
	}
	r.transports[t.ID()] = t
	r.mu.Unlock()

	return t, nil
}

// CanConsume reports whether the given producer's codec appears in the
// consuming endpoint's reported capabilities.
func (r *Router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok || p.Closed() {
		return false
	}

	var caps struct {
		Codecs []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}

	want := strings.ToLower(p.codecMimeType())
	for _, c := range caps.Codecs {
		if strings.ToLower(c.MimeType) == want {
			return true
		}
	}
	return false
}

// Close closes the router and every transport on it.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*Transport)
	r.producers = make(map[string]*Producer)
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.worker.removeRouter(r.id)
}

func (r *Router) registerProducer(p *Producer) {
	r.mu.Lock()
	r.producers[p.ID()] = p
	r.mu.Unlock()
}

func (r *Router) unregisterProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) producer(id string) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}
