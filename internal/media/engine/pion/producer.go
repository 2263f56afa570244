package pion

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// producerRTPParameters is the wire shape accepted on Produce. It mirrors
// what browser-side SFU clients send: the negotiated codec plus the SSRC of
// the stream about to arrive.
type producerRTPParameters struct {
	MID    string `json:"mid,omitempty"`
	Codecs []struct {
		MimeType    string         `json:"mimeType"`
		PayloadType uint8          `json:"payloadType"`
		ClockRate   uint32         `json:"clockRate"`
		Channels    uint16         `json:"channels,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"codecs"`
	Encodings []struct {
		SSRC uint32 `json:"ssrc"`
		RID  string `json:"rid,omitempty"`
	} `json:"encodings"`
	RTCP struct {
		CNAME string `json:"cname,omitempty"`
	} `json:"rtcp,omitempty"`
}

// Producer receives one inbound RTP stream and fans it out to the consumers
// attached to it.
type Producer struct {
	id        string
	kind      engine.MediaKind
	transport *Transport
	receiver  *webrtc.RTPReceiver
	params    json.RawMessage
	mimeType  string
	clockRate uint32
	channels  uint16
	fmtp      map[string]any

	mu             sync.Mutex
	paused         bool
	consumers      map[string]*Consumer
	closeHandlers  []func()
	closed         bool
	closedByRemote bool

	closeOnce sync.Once
}

func newProducer(t *Transport, opts engine.ProducerOptions) (*Producer, error) {
	var params producerRTPParameters
	if err := json.Unmarshal(opts.RTPParameters, &params); err != nil {
		return nil, fmt.Errorf("parse rtp parameters: %w", err)
	}
	if len(params.Codecs) == 0 {
		return nil, fmt.Errorf("rtp parameters carry no codecs")
	}
	if len(params.Encodings) == 0 {
		return nil, fmt.Errorf("rtp parameters carry no encodings")
	}

	codec := params.Codecs[0]
	kind := engine.KindAudio
	pionKind := webrtc.RTPCodecTypeAudio
	if opts.Kind == engine.KindVideo {
		kind = engine.KindVideo
		pionKind = webrtc.RTPCodecTypeVideo
	}

	receiver, err := t.router.api.NewRTPReceiver(pionKind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp receiver: %w", err)
	}

	enc := params.Encodings[0]
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(enc.SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
				RID:         enc.RID,
			},
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("start rtp receiver: %w", err)
	}

	p := &Producer{
		id:        xid.New().String(),
		kind:      kind,
		transport: t,
		receiver:  receiver,
		params:    append(json.RawMessage(nil), opts.RTPParameters...),
		mimeType:  codec.MimeType,
		clockRate: codec.ClockRate,
		channels:  codec.Channels,
		fmtp:      codec.Parameters,
		paused:    opts.Paused,
		consumers: make(map[string]*Consumer),
	}

	go p.forward()

	return p, nil
}

// ID returns the producer identifier.
func (p *Producer) ID() string { return p.id }

// Kind returns the media kind.
func (p *Producer) Kind() engine.MediaKind { return p.kind }

// RTPParameters returns the parameters the producer was created with.
func (p *Producer) RTPParameters() json.RawMessage { return p.params }

// Paused returns whether forwarding is paused.
func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Pause stops fan-out. Inbound RTP keeps being drained so the receiver's
// jitter state stays live.
func (p *Producer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrClosed
	}
	p.paused = true
	return nil
}

// Resume restarts fan-out.
func (p *Producer) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.ErrClosed
	}
	p.paused = false
	return nil
}

// Closed returns whether the producer has been closed.
func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// OnTransportClose registers a handler fired when the owning transport
// closes underneath the producer.
func (p *Producer) OnTransportClose(fn func()) {
	p.mu.Lock()
	p.closeHandlers = append(p.closeHandlers, fn)
	p.mu.Unlock()
}

// forward reads the inbound track and writes each packet to every attached
// consumer. Runs until the receiver stops.
func (p *Producer) forward() {
	track := p.receiver.Track()
	if track == nil {
		return
	}
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.Closed() {
				p.Close()
			}
			return
		}

		p.mu.Lock()
		if p.paused {
			p.mu.Unlock()
			continue
		}
		consumers := make([]*Consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.mu.Unlock()

		for _, c := range consumers {
			c.write(pkt)
		}
	}
}

func (p *Producer) attach(c *Consumer) {
	p.mu.Lock()
	p.consumers[c.ID()] = c
	p.mu.Unlock()
}

func (p *Producer) detach(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *Producer) codecMimeType() string { return p.mimeType }

// transportClosed closes the producer because its transport went away and
// fires the OnTransportClose handlers.
func (p *Producer) transportClosed() {
	p.mu.Lock()
	p.closedByRemote = true
	p.mu.Unlock()
	p.Close()
}

// Close stops the receiver and notifies attached consumers that their
// source is gone. Idempotent.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		consumers := make([]*Consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			consumers = append(consumers, c)
		}
		p.consumers = make(map[string]*Consumer)
		byRemote := p.closedByRemote
		handlers := append([]func(){}, p.closeHandlers...)
		p.mu.Unlock()

		_ = p.receiver.Stop()

		for _, c := range consumers {
			c.producerClosed()
		}

		p.transport.router.unregisterProducer(p.id)
		p.transport.removeProducer(p.id)

		if byRemote {
			for _, fn := range handlers {
				fn()
			}
		}
	})
}
