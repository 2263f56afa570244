package pion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/xid"

	"github.com/roomcast/roomcast/internal/media/engine"
)

// sctpPort is the advertised SCTP port; pion negotiates the real association
// over DTLS so the value is informational for the client.
const sctpPort = 5000

// Transport is one ICE/DTLS/SRTP session with a single peer, assembled from
// pion's ORTC primitives.
type Transport struct {
	id        string
	direction engine.Direction
	router    *Router

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	sctp     *webrtc.SCTPTransport

	info engine.TransportInfo

	mu             sync.Mutex
	connectedWith  json.RawMessage
	maxIncomingBps int
	outgoingBps    bitrateHints
	producers      map[string]*Producer
	consumers      map[string]*Consumer
	dtlsHandlers   []func(engine.DTLSState)
	closeHandlers  []func()
	closed         bool

	closeOnce sync.Once
}

// bitrateHints carries the outgoing-bitrate targets a transport was created
// with. pion's ORTC path has no sender-side congestion controller to feed
// them into, so they stay advisory, like the incoming ceiling.
type bitrateHints struct {
	initial int
	minimum int
}

func newTransport(ctx context.Context, r *Router, opts engine.TransportOptions) (*Transport, error) {
	if !opts.EnableUDP {
		return nil, fmt.Errorf("transport requires udp, none enabled")
	}
	if opts.EnableTCP {
		return nil, fmt.Errorf("tcp transports are not supported")
	}

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}

	ice := r.api.NewICETransport(gatherer)

	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}

	sctp := r.api.NewSCTPTransport(dtls)

	t := &Transport{
		id:        xid.New().String(),
		direction: opts.Direction,
		router:    r,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		sctp:      sctp,
		outgoingBps: bitrateHints{
			initial: opts.InitialAvailableOutgoingBitrate,
			minimum: opts.MinimumAvailableOutgoingBitrate,
		},
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
	}

	if err := t.gather(ctx); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.buildInfo(); err != nil {
		t.Close()
		return nil, err
	}

	dtls.OnStateChange(func(state webrtc.DTLSTransportState) {
		t.handleDTLSState(state)
	})

	return t, nil
}

// ID returns the transport identifier.
func (t *Transport) ID() string { return t.id }

// Direction returns the transport's server-side direction.
func (t *Transport) Direction() engine.Direction { return t.direction }

// Info returns the parameters the client needs to connect.
func (t *Transport) Info() engine.TransportInfo { return t.info }

// Closed returns whether the transport has been closed.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// gather runs ICE candidate gathering to completion.
func (t *Transport) gather(ctx context.Context) error {
	done := make(chan struct{})
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(done)
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("gather ice candidates: %w", err)
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ice gathering: %w", ctx.Err())
	}
}

func (t *Transport) buildInfo() error {
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local ice parameters: %w", err)
	}
	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("local ice candidates: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("local dtls parameters: %w", err)
	}

	type wireCandidate struct {
		Foundation string `json:"foundation"`
		Priority   uint32 `json:"priority"`
		IP         string `json:"ip"`
		Protocol   string `json:"protocol"`
		Port       uint16 `json:"port"`
		Type       string `json:"type"`
	}
	wireCandidates := make([]wireCandidate, 0, len(candidates))
	for _, c := range candidates {
		wireCandidates = append(wireCandidates, wireCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			IP:         c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}

	type wireFingerprint struct {
		Algorithm string `json:"algorithm"`
		Value     string `json:"value"`
	}
	fingerprints := make([]wireFingerprint, 0, len(dtlsParams.Fingerprints))
	for _, fp := range dtlsParams.Fingerprints {
		fingerprints = append(fingerprints, wireFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}

	rawICE, err := json.Marshal(map[string]any{
		"usernameFragment": iceParams.UsernameFragment,
		"password":         iceParams.Password,
		"iceLite":          true,
	})
	if err != nil {
		return err
	}
	rawCandidates, err := json.Marshal(wireCandidates)
	if err != nil {
		return err
	}
	rawDTLS, err := json.Marshal(map[string]any{
		"role":         "auto",
		"fingerprints": fingerprints,
	})
	if err != nil {
		return err
	}
	rawSCTP, err := json.Marshal(map[string]any{
		"port":           sctpPort,
		"OS":             1024,
		"MIS":            1024,
		"maxMessageSize": t.sctp.GetCapabilities().MaxMessageSize,
	})
	if err != nil {
		return err
	}

	t.info = engine.TransportInfo{
		ID:             t.id,
		ICEParameters:  rawICE,
		ICECandidates:  rawCandidates,
		DTLSParameters: rawDTLS,
		SCTPParameters: rawSCTP,
	}
	return nil
}

// connectParameters is the opaque payload shape this engine accepts on
// Connect. Clients doing full ICE embed their ICE parameters and,
// optionally, their candidates alongside the DTLS material.
type connectParameters struct {
	Role         string `json:"role,omitempty"`
	Fingerprints []struct {
		Algorithm string `json:"algorithm"`
		Value     string `json:"value"`
	} `json:"fingerprints"`
	ICEParameters *struct {
		UsernameFragment string `json:"usernameFragment"`
		Password         string `json:"password"`
	} `json:"iceParameters,omitempty"`
	ICECandidates []struct {
		Foundation string `json:"foundation"`
		Priority   uint32 `json:"priority"`
		IP         string `json:"ip"`
		Protocol   string `json:"protocol"`
		Port       uint16 `json:"port"`
		Type       string `json:"type"`
	} `json:"iceCandidates,omitempty"`
}

// Connect starts ICE and DTLS toward the remote side. Exactly-once: a
// repeat call with identical parameters is a no-op, different parameters
// are rejected.
func (t *Transport) Connect(_ context.Context, dtlsParameters json.RawMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return engine.ErrClosed
	}
	if t.connectedWith != nil {
		already := t.connectedWith
		t.mu.Unlock()
		if bytes.Equal(already, dtlsParameters) {
			return nil
		}
		return fmt.Errorf("transport %s already connected with different dtls parameters", t.id)
	}
	t.connectedWith = append(json.RawMessage(nil), dtlsParameters...)
	t.mu.Unlock()

	var params connectParameters
	if err := json.Unmarshal(dtlsParameters, &params); err != nil {
		t.clearConnected()
		return fmt.Errorf("parse dtls parameters: %w", err)
	}
	if len(params.Fingerprints) == 0 {
		t.clearConnected()
		return fmt.Errorf("dtls parameters carry no fingerprints")
	}
	if params.ICEParameters == nil {
		t.clearConnected()
		return fmt.Errorf("dtls parameters carry no iceParameters")
	}

	if len(params.ICECandidates) > 0 {
		remote := make([]webrtc.ICECandidate, 0, len(params.ICECandidates))
		for _, c := range params.ICECandidates {
			proto, err := webrtc.NewICEProtocol(c.Protocol)
			if err != nil {
				t.clearConnected()
				return fmt.Errorf("candidate protocol %q: %w", c.Protocol, err)
			}
			typ, err := webrtc.NewICECandidateType(c.Type)
			if err != nil {
				t.clearConnected()
				return fmt.Errorf("candidate type %q: %w", c.Type, err)
			}
			remote = append(remote, webrtc.ICECandidate{
				Foundation: c.Foundation,
				Priority:   c.Priority,
				Address:    c.IP,
				Protocol:   proto,
				Port:       c.Port,
				Typ:        typ,
			})
		}
		if err := t.ice.SetRemoteCandidates(remote); err != nil {
			t.clearConnected()
			return fmt.Errorf("set remote candidates: %w", err)
		}
	}

	iceRole := webrtc.ICERoleControlled
	err := t.ice.Start(t.gatherer, webrtc.ICEParameters{
		UsernameFragment: params.ICEParameters.UsernameFragment,
		Password:         params.ICEParameters.Password,
	}, &iceRole)
	if err != nil {
		t.clearConnected()
		return fmt.Errorf("start ice: %w", err)
	}

	fingerprints := make([]webrtc.DTLSFingerprint, 0, len(params.Fingerprints))
	for _, fp := range params.Fingerprints {
		fingerprints = append(fingerprints, webrtc.DTLSFingerprint{Algorithm: fp.Algorithm, Value: fp.Value})
	}
	if err := t.dtls.Start(webrtc.DTLSParameters{
		Role:         dtlsRole(params.Role),
		Fingerprints: fingerprints,
	}); err != nil {
		t.clearConnected()
		return fmt.Errorf("start dtls: %w", err)
	}

	return nil
}

func (t *Transport) clearConnected() {
	t.mu.Lock()
	t.connectedWith = nil
	t.mu.Unlock()
}

func dtlsRole(role string) webrtc.DTLSRole {
	switch role {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

// Produce creates a producer receiving the client's RTP on this transport.
func (t *Transport) Produce(_ context.Context, opts engine.ProducerOptions) (engine.Producer, error) {
	if t.direction != engine.DirectionSend {
		return nil, fmt.Errorf("transport %s is %s, cannot produce", t.id, t.direction)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	t.mu.Unlock()

	p, err := newProducer(t, opts)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.Close()
		return nil, engine.ErrClosed
	}
	t.producers[p.ID()] = p
	t.mu.Unlock()

	t.router.registerProducer(p)
	return p, nil
}

// Consume creates a consumer forwarding the given producer's stream out on
// this transport.
func (t *Transport) Consume(_ context.Context, opts engine.ConsumerOptions) (engine.Consumer, error) {
	if t.direction != engine.DirectionRecv {
		return nil, fmt.Errorf("transport %s is %s, cannot consume", t.id, t.direction)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, engine.ErrClosed
	}
	t.mu.Unlock()

	source, ok := t.router.producer(opts.ProducerID)
	if !ok || source.Closed() {
		return nil, fmt.Errorf("producer %s not found on router", opts.ProducerID)
	}
	if !t.router.CanConsume(opts.ProducerID, opts.RTPCapabilities) {
		return nil, fmt.Errorf("endpoint capabilities cannot consume producer %s", opts.ProducerID)
	}

	c, err := newConsumer(t, source, opts)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, engine.ErrClosed
	}
	t.consumers[c.ID()] = c
	t.mu.Unlock()

	source.attach(c)
	return c, nil
}

// AvailableOutgoingBitrate returns the initial and minimum outgoing-bitrate
// targets the transport was created with.
func (t *Transport) AvailableOutgoingBitrate() (initial, minimum int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outgoingBps.initial, t.outgoingBps.minimum
}

// SetMaxIncomingBitrate records the inbound bitrate ceiling. Enforcement is
// advisory: pion has no REMB generator in the ORTC path, so the value is
// surfaced through stats and applied by clients honoring the hint.
func (t *Transport) SetMaxIncomingBitrate(bps int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return engine.ErrClosed
	}
	t.maxIncomingBps = bps
	return nil
}

// OnDTLSStateChange registers a DTLS state transition handler.
func (t *Transport) OnDTLSStateChange(fn func(engine.DTLSState)) {
	t.mu.Lock()
	t.dtlsHandlers = append(t.dtlsHandlers, fn)
	t.mu.Unlock()
}

// OnClose registers a handler fired exactly once when the transport closes.
func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	t.closeHandlers = append(t.closeHandlers, fn)
	t.mu.Unlock()
}

func (t *Transport) handleDTLSState(state webrtc.DTLSTransportState) {
	mapped := engine.DTLSStateNew
	switch state {
	case webrtc.DTLSTransportStateConnecting:
		mapped = engine.DTLSStateConnecting
	case webrtc.DTLSTransportStateConnected:
		mapped = engine.DTLSStateConnected
	case webrtc.DTLSTransportStateFailed:
		mapped = engine.DTLSStateFailed
	case webrtc.DTLSTransportStateClosed:
		mapped = engine.DTLSStateClosed
	}

	t.mu.Lock()
	handlers := append([]func(engine.DTLSState){}, t.dtlsHandlers...)
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(mapped)
	}
}

// Close tears the transport down: producers and consumers first, then the
// SCTP/DTLS/ICE stack. Idempotent; fires OnClose handlers exactly once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		producers := make([]*Producer, 0, len(t.producers))
		for _, p := range t.producers {
			producers = append(producers, p)
		}
		consumers := make([]*Consumer, 0, len(t.consumers))
		for _, c := range t.consumers {
			consumers = append(consumers, c)
		}
		t.producers = make(map[string]*Producer)
		t.consumers = make(map[string]*Consumer)
		handlers := append([]func(){}, t.closeHandlers...)
		t.mu.Unlock()

		for _, c := range consumers {
			c.transportClosed()
		}
		for _, p := range producers {
			p.transportClosed()
		}

		_ = t.sctp.Stop()
		_ = t.dtls.Stop()
		_ = t.ice.Stop()
		_ = t.gatherer.Close()

		t.router.removeTransport(t.id)

		for _, fn := range handlers {
			fn()
		}
	})
}

func (t *Transport) removeProducer(id string) {
	t.mu.Lock()
	delete(t.producers, id)
	t.mu.Unlock()
}

func (t *Transport) removeConsumer(id string) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}
