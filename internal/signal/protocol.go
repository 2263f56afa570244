package signal

import (
	"encoding/json"

	"github.com/roomcast/roomcast/internal/media/engine"
	"github.com/roomcast/roomcast/internal/rooms"
)

// Envelope is the wire frame for every signaling message. Requests carry a
// client-chosen id echoed on the response; events carry no id.
type Envelope struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody is the wire form of a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Envelope types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Request methods.
const (
	MethodJoinRoom         = "join-room"
	MethodLeaveRoom        = "leave-room"
	MethodConnectTransport = "connect-transport"
	MethodProduce          = "produce"
	MethodPauseProducer    = "pause-producer"
	MethodResumeProducer   = "resume-producer"
	MethodConsume          = "consume"
	MethodResumeConsumer   = "resume-consumer"
	MethodGetProducers     = "get-producers"
)

// Server-originated events.
const (
	EventPeerJoined      = "peer-joined"
	EventPeerLeft        = "peer-left"
	EventNewProducer     = "new-producer"
	EventProducerPaused  = "producer-paused"
	EventProducerResumed = "producer-resumed"
)

type joinRoomRequest struct {
	RoomID      string `json:"roomId"`
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}

type joinRoomResponse struct {
	SendTransport         engine.TransportInfo   `json:"sendTransport"`
	RecvTransport         engine.TransportInfo   `json:"recvTransport"`
	RouterRTPCapabilities engine.RTPCapabilities `json:"routerRtpCapabilities"`
}

type connectTransportRequest struct {
	TransportID    string          `json:"transportId"`
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type produceRequest struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type produceResponse struct {
	ID string `json:"id"`
}

type producerRequest struct {
	ProducerID string `json:"producerId"`
}

type consumeRequest struct {
	TransportID     string          `json:"transportId"`
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type consumeResponse struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type resumeConsumerRequest struct {
	ConsumerID string `json:"consumerId"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type getProducersResponse struct {
	Producers []rooms.ProducerSummary `json:"producers"`
}

type peerJoinedEvent struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}

type peerLeftEvent struct {
	PeerID string `json:"peerId"`
}

type newProducerEvent struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
	Kind       string `json:"kind"`
}

type producerStateEvent struct {
	PeerID     string `json:"peerId"`
	ProducerID string `json:"producerId"`
}
