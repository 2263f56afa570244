package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/util"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// PeerState tracks where a peer is in its lifecycle.
type PeerState string

const (
	PeerStateNew       PeerState = "new"
	PeerStateJoined    PeerState = "joined"
	PeerStateProducing PeerState = "producing"
	PeerStateActive    PeerState = "active"
	PeerStateClosing   PeerState = "closing"
	PeerStateClosed    PeerState = "closed"
)

// PeerOptions configures peer admission.
type PeerOptions struct {
	DisplayName string

	// MaxIncomingBitrate caps inbound media on both transports.
	// Zero leaves the engine default.
	MaxIncomingBitrate int

	// InitialAvailableOutgoingBitrate and MinimumAvailableOutgoingBitrate
	// seed the engine's outgoing bitrate targets per transport.
	InitialAvailableOutgoingBitrate int
	MinimumAvailableOutgoingBitrate int
}

// Peer is one participant: a signaling connection plus a send and a recv
// transport and the producers and consumers living on them.
type Peer struct {
	id     string
	roomID string
	name   string
	sender Sender

	sendTransport engine.Transport
	recvTransport engine.Transport

	mu        sync.RWMutex
	state     PeerState
	producers map[string]engine.Producer
	consumers map[string]engine.Consumer

	closeOnce sync.Once
}

// NewPeer admits a peer: both transports are created up front so join
// either yields a fully usable peer or nothing. On any failure the partial
// allocation is rolled back.
func NewPeer(ctx context.Context, id, roomID string, router engine.Router, sender Sender, opts PeerOptions) (*Peer, error) {
	transportOpts := engine.TransportOptions{
		EnableUDP:                       true,
		InitialAvailableOutgoingBitrate: opts.InitialAvailableOutgoingBitrate,
		MinimumAvailableOutgoingBitrate: opts.MinimumAvailableOutgoingBitrate,
	}

	transportOpts.Direction = engine.DirectionSend
	send, err := router.CreateTransport(ctx, transportOpts)
	if err != nil {
		return nil, fmt.Errorf("create send transport: %w", err)
	}

	transportOpts.Direction = engine.DirectionRecv
	recv, err := router.CreateTransport(ctx, transportOpts)
	if err != nil {
		send.Close()
		return nil, fmt.Errorf("create recv transport: %w", err)
	}

	if opts.MaxIncomingBitrate > 0 {
		for _, transport := range []engine.Transport{send, recv} {
			if err := transport.SetMaxIncomingBitrate(opts.MaxIncomingBitrate); err != nil {
				recv.Close()
				send.Close()
				return nil, fmt.Errorf("set max incoming bitrate: %w", err)
			}
		}
	}

	return &Peer{
		id:            id,
		roomID:        roomID,
		name:          opts.DisplayName,
		sender:        sender,
		sendTransport: send,
		recvTransport: recv,
		state:         PeerStateJoined,
		producers:     make(map[string]engine.Producer),
		consumers:     make(map[string]engine.Consumer),
	}, nil
}

// ID returns the peer identifier.
func (p *Peer) ID() string { return p.id }

// RoomID returns the id of the room the peer belongs to.
func (p *Peer) RoomID() string { return p.roomID }

// DisplayName returns the peer's display name, possibly empty.
func (p *Peer) DisplayName() string { return p.name }

// State returns the peer's lifecycle state.
func (p *Peer) State() PeerState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SendTransport returns the transport carrying the peer's outbound media.
func (p *Peer) SendTransport() engine.Transport { return p.sendTransport }

// RecvTransport returns the transport carrying media toward the peer.
func (p *Peer) RecvTransport() engine.Transport { return p.recvTransport }

// Transport returns the peer's transport with the given id.
func (p *Peer) Transport(id string) (engine.Transport, bool) {
	switch id {
	case p.sendTransport.ID():
		return p.sendTransport, true
	case p.recvTransport.ID():
		return p.recvTransport, true
	default:
		return nil, false
	}
}

// Notify sends a server-initiated event to the peer.
func (p *Peer) Notify(event string, data any) error {
	return p.sender.Emit(event, data)
}

// AddProducer records a producer owned by this peer and advances the state
// machine on the first one.
func (p *Peer) AddProducer(prod engine.Producer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.producers[prod.ID()] = prod
	if p.state == PeerStateJoined {
		p.state = PeerStateProducing
	}
}

// Producer returns the peer's producer with the given id.
func (p *Peer) Producer(id string) (engine.Producer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prod, ok := p.producers[id]
	return prod, ok
}

// RemoveProducer drops the producer record. It does not close the producer.
func (p *Peer) RemoveProducer(id string) {
	p.mu.Lock()
	delete(p.producers, id)
	p.mu.Unlock()
}

// AddConsumer records a consumer owned by this peer and advances the state
// machine on the first one.
func (p *Peer) AddConsumer(cons engine.Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[cons.ID()] = cons
	if p.state == PeerStateJoined || p.state == PeerStateProducing {
		p.state = PeerStateActive
	}
}

// Consumer returns the peer's consumer with the given id.
func (p *Peer) Consumer(id string) (engine.Consumer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cons, ok := p.consumers[id]
	return cons, ok
}

// RemoveConsumer drops the consumer record. It does not close the consumer.
func (p *Peer) RemoveConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

// Consumers returns a snapshot of the peer's consumers.
func (p *Peer) Consumers() []engine.Consumer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]engine.Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	return out
}

// producerSummaries lists the peer's live producers.
func (p *Peer) producerSummaries() []ProducerSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ProducerSummary, 0, len(p.producers))
	for id, prod := range p.producers {
		if prod.Closed() {
			continue
		}
		out = append(out, ProducerSummary{
			PeerID:     p.id,
			ProducerID: id,
			Kind:       prod.Kind(),
		})
	}
	return out
}

// Close tears the peer down: consumers first, then producers, then both
// transports. Idempotent; safe to call from signaling and from transport
// failure handlers concurrently.
func (p *Peer) Close(ctx context.Context) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = PeerStateClosing
		consumers := make([]engine.Consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		producers := make([]engine.Producer, 0, len(p.producers))
		for _, prod := range p.producers {
			producers = append(producers, prod)
		}
		p.consumers = make(map[string]engine.Consumer)
		p.producers = make(map[string]engine.Producer)
		p.mu.Unlock()

		for _, c := range consumers {
			c.Close()
		}
		for _, prod := range producers {
			prod.Close()
		}
		p.sendTransport.Close()
		p.recvTransport.Close()

		p.mu.Lock()
		p.state = PeerStateClosed
		p.mu.Unlock()

		util.Log(ctx).
			WithField("room_id", p.roomID).
			WithField("peer_id", p.id).
			Debug("peer closed")
	})
}
