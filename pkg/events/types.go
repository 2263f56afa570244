package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	RoomCreated    EventType = "room.created"
	RoomClosed     EventType = "room.closed"
	PeerJoined     EventType = "peer.joined"
	PeerLeft       EventType = "peer.left"
	ProducerOpened EventType = "producer.opened"
	ProducerClosed EventType = "producer.closed"
	SystemError    EventType = "error"
)

// Envelope is the standard event wrapper published to the event bus.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	RoomID    string            `json:"room_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RoomCreatedData is the payload for room.created events.
type RoomCreatedData struct {
	RoomID   string `json:"room_id"`
	WorkerID string `json:"worker_id"`
}

// RoomClosedData is the payload for room.closed events.
type RoomClosedData struct {
	RoomID string `json:"room_id"`
}

// PeerJoinedData is the payload for peer.joined events.
type PeerJoinedData struct {
	RoomID      string `json:"room_id"`
	PeerID      string `json:"peer_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// PeerLeftData is the payload for peer.left events.
type PeerLeftData struct {
	RoomID string `json:"room_id"`
	PeerID string `json:"peer_id"`
	Reason string `json:"reason"`
}

// ProducerOpenedData is the payload for producer.opened events.
type ProducerOpenedData struct {
	RoomID     string `json:"room_id"`
	PeerID     string `json:"peer_id"`
	ProducerID string `json:"producer_id"`
	Kind       string `json:"kind"`
}

// ProducerClosedData is the payload for producer.closed events.
type ProducerClosedData struct {
	RoomID     string `json:"room_id"`
	PeerID     string `json:"peer_id"`
	ProducerID string `json:"producer_id"`
}
