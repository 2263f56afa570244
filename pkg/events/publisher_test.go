package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeSerialization(t *testing.T) {
	data := &PeerJoinedData{
		RoomID:      "room-1",
		PeerID:      "peer-1",
		DisplayName: "Alice",
	}

	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}

	env := Envelope{
		ID:        "test-id",
		Type:      PeerJoined,
		Source:    "roomcast",
		RoomID:    "room-1",
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	if decoded.Type != PeerJoined {
		t.Errorf("type = %q, want %q", decoded.Type, PeerJoined)
	}
	if decoded.Source != "roomcast" {
		t.Errorf("source = %q, want %q", decoded.Source, "roomcast")
	}
	if decoded.RoomID != "room-1" {
		t.Errorf("room_id = %q, want %q", decoded.RoomID, "room-1")
	}

	var payload PeerJoinedData
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PeerID != "peer-1" {
		t.Errorf("peer_id = %q, want %q", payload.PeerID, "peer-1")
	}
}

func TestEventTypeConstants(t *testing.T) {
	types := []EventType{
		RoomCreated, RoomClosed,
		PeerJoined, PeerLeft,
		ProducerOpened, ProducerClosed,
		SystemError,
	}

	seen := make(map[EventType]bool)
	for _, et := range types {
		if et == "" {
			t.Error("empty event type constant")
		}
		if seen[et] {
			t.Errorf("duplicate event type: %q", et)
		}
		seen[et] = true
	}
}

func TestLocalFanout(t *testing.T) {
	p := NewPublisher(nil, "roomcast", "")
	ch := p.Subscribe("sub-1", 4)
	defer p.Unsubscribe("sub-1")

	err := p.Emit(context.Background(), RoomCreated, "room-1", RoomCreatedData{RoomID: "room-1"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case env := <-ch:
		if env.Type != RoomCreated {
			t.Errorf("type = %q, want %q", env.Type, RoomCreated)
		}
		if env.RoomID != "room-1" {
			t.Errorf("room_id = %q, want %q", env.RoomID, "room-1")
		}
	case <-time.After(time.Second):
		t.Fatal("no envelope delivered")
	}
}
