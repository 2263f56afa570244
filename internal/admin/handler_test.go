package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/roomcast/roomcast/internal/media/engine"
	"github.com/roomcast/roomcast/internal/media/engine/enginetest"
	"github.com/roomcast/roomcast/internal/rooms"
)

type noopSender struct{}

func (noopSender) Emit(string, any) error { return nil }

func newTestHandler(t *testing.T) (*Handler, *rooms.Registry) {
	t.Helper()
	worker := enginetest.NewWorker()
	pool, err := engine.NewPool(context.Background(), 1, func(context.Context, int) (engine.Worker, error) {
		return worker, nil
	}, engine.PoolOptions{Exit: func(int) {}})
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(pool.Close)

	registry := rooms.NewRegistry(pool, rooms.RegistryOptions{})
	return NewHandler(registry, pool), registry
}

func addRoomWithPeer(t *testing.T, registry *rooms.Registry, roomID, peerID string) *rooms.Room {
	t.Helper()
	room, err := registry.GetOrCreate(context.Background(), roomID)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	peer, err := rooms.NewPeer(context.Background(), peerID, roomID, room.Router(), noopSender{}, rooms.PeerOptions{})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	room.AddPeer(peer)
	return room
}

func TestStatsEndpoint(t *testing.T) {
	h, registry := newTestHandler(t)
	addRoomWithPeer(t, registry, "r1", "a")
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Workers != 1 || stats.Rooms != 1 || stats.Peers != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRoomDetailAndClose(t *testing.T) {
	h, registry := newTestHandler(t)
	room := addRoomWithPeer(t, registry, "r1", "a")
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/rooms/r1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	var detail roomDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode room: %v", err)
	}
	resp.Body.Close()
	if detail.ID != "r1" || len(detail.Peers) != 1 || detail.Peers[0].ID != "a" {
		t.Errorf("detail = %+v", detail)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/rooms/r1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete room: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	if _, ok := registry.Get("r1"); ok {
		t.Error("room still registered after operator close")
	}
	if !room.Router().Closed() {
		t.Error("router not closed by operator close")
	}
}

func TestRoomDetailIncludesConsumerStats(t *testing.T) {
	h, registry := newTestHandler(t)
	room := addRoomWithPeer(t, registry, "r1", "a")
	ctx := context.Background()
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	producerPeer, _ := room.Peer("a")
	producer, err := producerPeer.SendTransport().Produce(ctx, engine.ProducerOptions{
		Kind:          engine.KindVideo,
		RTPParameters: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	producerPeer.AddProducer(producer)

	consumerPeer, err := rooms.NewPeer(ctx, "b", "r1", room.Router(), noopSender{}, rooms.PeerOptions{})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	room.AddPeer(consumerPeer)
	consumer, err := consumerPeer.RecvTransport().Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	consumer.(*enginetest.Consumer).StatsValue = engine.ConsumerStats{PLICount: 3, NACKCount: 7}
	consumerPeer.AddConsumer(consumer)

	resp, err := http.Get(srv.URL + "/v1/rooms/r1")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	defer resp.Body.Close()
	var detail roomDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode room: %v", err)
	}

	var got *consumerDetail
	for _, p := range detail.Peers {
		if p.ID != "b" {
			continue
		}
		if len(p.Consumers) != 1 {
			t.Fatalf("consumers for b = %d, want 1", len(p.Consumers))
		}
		got = &p.Consumers[0]
	}
	if got == nil {
		t.Fatal("peer b missing from room detail")
	}
	if got.ProducerID != producer.ID() || got.Kind != "video" {
		t.Errorf("unexpected consumer detail %+v", got)
	}
	if got.PLICount != 3 || got.NACKCount != 7 {
		t.Errorf("feedback counters = %d/%d, want 3/7", got.PLICount, got.NACKCount)
	}
}

func TestUnknownRoomIs404(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/rooms/nope")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
