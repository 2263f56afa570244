// Package engine defines the contract between the signaling core and the
// underlying RTP routing engine. The core never talks to a concrete media
// stack directly; it brokers routers, transports, producers and consumers
// through these interfaces and passes parameter objects between engine and
// client verbatim.
package engine

import (
	"context"
	"encoding/json"
	"errors"
)

// Direction is the server-side direction of a WebRTC transport.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// MediaKind is the media type of a producer or consumer.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// DTLSState mirrors the engine's DTLS connection state for a transport.
type DTLSState string

const (
	DTLSStateNew        DTLSState = "new"
	DTLSStateConnecting DTLSState = "connecting"
	DTLSStateConnected  DTLSState = "connected"
	DTLSStateFailed     DTLSState = "failed"
	DTLSStateClosed     DTLSState = "closed"
)

// ErrClosed is returned by operations on a closed engine resource.
var ErrClosed = errors.New("engine: resource is closed")

// RTCPFeedback describes an RTCP feedback mechanism supported by a codec.
type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

// RTPCodecCapability describes one codec a router can route.
type RTPCodecCapability struct {
	Kind                 MediaKind      `json:"kind"`
	MimeType             string         `json:"mimeType"`
	PreferredPayloadType uint8          `json:"preferredPayloadType,omitempty"`
	ClockRate            int            `json:"clockRate"`
	Channels             int            `json:"channels,omitempty"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RTCPFeedback         []RTCPFeedback `json:"rtcpFeedback,omitempty"`
}

// RTPHeaderExtension describes one RTP header extension a router supports.
type RTPHeaderExtension struct {
	Kind        MediaKind `json:"kind"`
	URI         string    `json:"uri"`
	PreferredID int       `json:"preferredId"`
}

// RTPCapabilities is the router's advertised capability set, returned to
// clients on join so they can compute sendable/receivable parameters.
type RTPCapabilities struct {
	Codecs           []RTPCodecCapability `json:"codecs"`
	HeaderExtensions []RTPHeaderExtension `json:"headerExtensions,omitempty"`
}

// TransportInfo carries the engine-generated connection parameters for one
// WebRTC transport. The parameter objects are opaque to the core and are
// forwarded to the client with field names preserved.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters"`
	ICECandidates  json.RawMessage `json:"iceCandidates"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
	SCTPParameters json.RawMessage `json:"sctpParameters,omitempty"`
}

// RouterOptions configures router creation.
type RouterOptions struct {
	MediaCodecs []RTPCodecCapability
}

// TransportOptions configures WebRTC transport creation on a router.
// The bitrate fields are targets for the engine's congestion control;
// engines without one treat them as advisory.
type TransportOptions struct {
	Direction                       Direction
	EnableUDP                       bool
	EnableTCP                       bool
	InitialAvailableOutgoingBitrate int
	MinimumAvailableOutgoingBitrate int
}

// ProducerOptions configures producer creation on a send transport.
// RTPParameters is the client-reported parameter object, passed through
// opaquely.
type ProducerOptions struct {
	Kind          MediaKind
	RTPParameters json.RawMessage
	Paused        bool
}

// ConsumerOptions configures consumer creation on a recv transport.
// RTPCapabilities is the consuming client's reported capability object.
type ConsumerOptions struct {
	ProducerID      string
	RTPCapabilities json.RawMessage
	Paused          bool
}

// Worker is one media worker. Routers are created on a worker and share its
// UDP port range. A worker signals unrecoverable failure on Died; the pool
// treats that as fatal to the whole process.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, opts RouterOptions) (Router, error)
	Died() <-chan error
	Closed() bool
	Close()
}

// Router multiplexes RTP between the transports of one room.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)

	// CanConsume reports whether a consumer for the given producer could be
	// created for an endpoint with the given capabilities.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool

	Closed() bool
	Close()
}

// Transport is one ICE/DTLS/SRTP session with a single peer, in a single
// direction from the server's perspective.
type Transport interface {
	ID() string
	Direction() Direction
	Info() TransportInfo

	// Connect supplies the remote DTLS parameters. The engine defines the
	// opaque payload shape; calling Connect more than once with different
	// parameters is rejected, repeating identical parameters is a no-op.
	Connect(ctx context.Context, dtlsParameters json.RawMessage) error

	Produce(ctx context.Context, opts ProducerOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumerOptions) (Consumer, error)

	SetMaxIncomingBitrate(bps int) error

	// OnDTLSStateChange registers a handler for DTLS state transitions.
	// Handlers may be invoked after the owning peer is gone and must be
	// treated as idempotent by the caller.
	OnDTLSStateChange(fn func(DTLSState))

	// OnClose registers a handler fired exactly once when the transport
	// closes, whatever the cause.
	OnClose(fn func())

	Closed() bool
	Close()
}

// Producer is a server-side handle on inbound RTP for one track.
type Producer interface {
	ID() string
	Kind() MediaKind
	RTPParameters() json.RawMessage
	Paused() bool
	Pause() error
	Resume() error

	// OnTransportClose fires when the owning transport closes underneath
	// the producer.
	OnTransportClose(fn func())

	Closed() bool
	Close()
}

// ConsumerStats counts the RTCP feedback a consuming endpoint has sent back.
type ConsumerStats struct {
	PLICount  uint64 `json:"pliCount"`
	NACKCount uint64 `json:"nackCount"`
}

// Consumer is a server-side handle on outbound RTP toward a peer,
// forwarding exactly one producer's stream.
type Consumer interface {
	ID() string
	Kind() MediaKind
	ProducerID() string
	RTPParameters() json.RawMessage
	Paused() bool
	Resume(ctx context.Context) error
	Stats() ConsumerStats

	OnTransportClose(fn func())

	// OnProducerClose fires when the source producer closes; the consumer
	// is already closed by the engine when the handler runs.
	OnProducerClose(fn func())

	Closed() bool
	Close()
}
