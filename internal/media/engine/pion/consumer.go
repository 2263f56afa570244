package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// Consumer forwards one producer's RTP stream out over a receive transport.
type Consumer struct {
	id         string
	kind       engine.MediaKind
	producerID string
	transport  *Transport
	track      *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender
	params     json.RawMessage

	pliCount  atomic.Uint64
	nackCount atomic.Uint64

	mu               sync.Mutex
	paused           bool
	producerHandlers []func()
	closeHandlers    []func()
	closed           bool
	closedByProducer bool
	closedByRemote   bool

	closeOnce sync.Once
}

func newConsumer(t *Transport, source *Producer, opts engine.ConsumerOptions) (*Consumer, error) {
	capability := webrtc.RTPCodecCapability{
		MimeType:    source.mimeType,
		ClockRate:   source.clockRate,
		Channels:    source.channels,
		SDPFmtpLine: fmtpLine(source.fmtp),
	}

	id := xid.New().String()
	track, err := webrtc.NewTrackLocalStaticRTP(capability, id, "roomcast-"+source.ID())
	if err != nil {
		return nil, fmt.Errorf("create local track: %w", err)
	}

	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp sender: %w", err)
	}

	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		return nil, fmt.Errorf("start rtp sender: %w", err)
	}

	raw, err := consumerRTPParameters(sendParams, source.mimeType)
	if err != nil {
		_ = sender.Stop()
		return nil, err
	}

	c := &Consumer{
		id:         id,
		kind:       source.Kind(),
		producerID: source.ID(),
		transport:  t,
		track:      track,
		sender:     sender,
		params:     raw,
		paused:     opts.Paused,
	}

	go c.drainRTCP()

	return c, nil
}

// consumerRTPParameters renders the negotiated send parameters in the wire
// shape the consuming endpoint expects.
func consumerRTPParameters(params webrtc.RTPSendParameters, mimeType string) (json.RawMessage, error) {
	type wireCodec struct {
		MimeType    string `json:"mimeType"`
		PayloadType uint8  `json:"payloadType"`
		ClockRate   uint32 `json:"clockRate"`
		Channels    uint16 `json:"channels,omitempty"`
	}
	type wireEncoding struct {
		SSRC uint32 `json:"ssrc"`
	}

	codecs := make([]wireCodec, 0, 1)
	for _, c := range params.Codecs {
		if !strings.EqualFold(c.MimeType, mimeType) {
			continue
		}
		codecs = append(codecs, wireCodec{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
		})
		break
	}
	if len(codecs) == 0 && len(params.Codecs) > 0 {
		c := params.Codecs[0]
		codecs = append(codecs, wireCodec{
			MimeType:    c.MimeType,
			PayloadType: uint8(c.PayloadType),
			ClockRate:   c.ClockRate,
			Channels:    c.Channels,
		})
	}

	encodings := make([]wireEncoding, 0, len(params.Encodings))
	for _, e := range params.Encodings {
		encodings = append(encodings, wireEncoding{SSRC: uint32(e.SSRC)})
	}

	return json.Marshal(map[string]any{
		"codecs":    codecs,
		"encodings": encodings,
	})
}

// ID returns the consumer identifier.
func (c *Consumer) ID() string { return c.id }

// Kind returns the media kind.
func (c *Consumer) Kind() engine.MediaKind { return c.kind }

// ProducerID returns the id of the producer being consumed.
func (c *Consumer) ProducerID() string { return c.producerID }

// RTPParameters returns the negotiated send parameters.
func (c *Consumer) RTPParameters() json.RawMessage { return c.params }

// Paused returns whether forwarding is paused.
func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Resume unpauses forwarding.
func (c *Consumer) Resume(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrClosed
	}
	c.paused = false
	return nil
}

// Closed returns whether the consumer has been closed.
func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stats returns feedback counters for this consumer.
func (c *Consumer) Stats() engine.ConsumerStats {
	return engine.ConsumerStats{
		PLICount:  c.pliCount.Load(),
		NACKCount: c.nackCount.Load(),
	}
}

// OnProducerClose registers a handler fired when the consumed producer
// closes.
func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	c.producerHandlers = append(c.producerHandlers, fn)
	c.mu.Unlock()
}

// OnTransportClose registers a handler fired when the owning transport
// closes underneath the consumer.
func (c *Consumer) OnTransportClose(fn func()) {
	c.mu.Lock()
	c.closeHandlers = append(c.closeHandlers, fn)
	c.mu.Unlock()
}

// write forwards one packet to the consuming endpoint. Drops while paused.
func (c *Consumer) write(pkt *rtp.Packet) {
	c.mu.Lock()
	drop := c.paused || c.closed
	c.mu.Unlock()
	if drop {
		return
	}
	_ = c.track.WriteRTP(pkt)
}

// drainRTCP reads feedback from the consuming endpoint until the sender
// stops. Counters feed the stats surface; pion handles the transport-level
// reaction itself.
func (c *Consumer) drainRTCP() {
	for {
		pkts, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication:
				c.pliCount.Add(1)
			case *rtcp.TransportLayerNack:
				c.nackCount.Add(1)
			}
		}
	}
}

// producerClosed closes the consumer because its source went away and fires
// the OnProducerClose handlers.
func (c *Consumer) producerClosed() {
	c.mu.Lock()
	c.closedByProducer = true
	c.mu.Unlock()
	c.Close()
}

// transportClosed closes the consumer because its transport went away and
// fires the OnTransportClose handlers.
func (c *Consumer) transportClosed() {
	c.mu.Lock()
	c.closedByRemote = true
	c.mu.Unlock()
	c.Close()
}

// Close stops the sender and detaches from the producer. Idempotent.
func (c *Consumer) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		byProducer := c.closedByProducer
		byRemote := c.closedByRemote
		producerHandlers := append([]func(){}, c.producerHandlers...)
		closeHandlers := append([]func(){}, c.closeHandlers...)
		c.mu.Unlock()

		_ = c.sender.Stop()

		if p, ok := c.transport.router.producer(c.producerID); ok {
			p.detach(c.id)
		}
		c.transport.removeConsumer(c.id)

		if byProducer {
			for _, fn := range producerHandlers {
				fn()
			}
		}
		if byRemote {
			for _, fn := range closeHandlers {
				fn()
			}
		}
	})
}
