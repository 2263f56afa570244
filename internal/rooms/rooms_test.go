package rooms

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roomcast/roomcast/internal/media/engine"
	"github.com/roomcast/roomcast/internal/media/engine/enginetest"
)

var errSendFailed = errors.New("send failed")

type sentEvent struct {
	Event string
	Data  any
}

type fakeSender struct {
	mu     sync.Mutex
	events []sentEvent
	err    error
	notify chan sentEvent
}

func newFakeSender() *fakeSender {
	return &fakeSender{notify: make(chan sentEvent, 16)}
}

func (s *fakeSender) Emit(event string, data any) error {
	s.mu.Lock()
	err := s.err
	if err == nil {
		s.events = append(s.events, sentEvent{Event: event, Data: data})
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case s.notify <- sentEvent{Event: event, Data: data}:
	default:
	}
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *fakeSender) recorded() []sentEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentEvent(nil), s.events...)
}

func newTestRouter(t *testing.T, log *enginetest.CloseLog) engine.Router {
	t.Helper()
	w := enginetest.NewWorker()
	w.Log = log
	router, err := w.CreateRouter(context.Background(), engine.RouterOptions{})
	if err != nil {
		t.Fatalf("create router: %v", err)
	}
	return router
}

func newTestPeer(t *testing.T, id string, router engine.Router, sender Sender) *Peer {
	t.Helper()
	if sender == nil {
		sender = newFakeSender()
	}
	peer, err := NewPeer(context.Background(), id, "r1", router, sender, PeerOptions{})
	if err != nil {
		t.Fatalf("new peer %s: %v", id, err)
	}
	return peer
}

func TestRegistryConcurrentJoinCreatesOneRoom(t *testing.T) {
	worker := enginetest.NewWorker()
	reg := NewRegistry(&enginetest.Picker{Worker: worker}, RegistryOptions{})

	const n = 16
	results := make(chan *Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			room, err := reg.GetOrCreate(context.Background(), "r1")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			results <- room
		}()
	}
	wg.Wait()
	close(results)

	var first *Room
	for room := range results {
		if first == nil {
			first = room
			continue
		}
		if room != first {
			t.Fatal("concurrent joins produced distinct rooms")
		}
	}
	if first == nil {
		t.Fatal("no room created")
	}
}

func TestRegistryRemoveIfEmpty(t *testing.T) {
	worker := enginetest.NewWorker()
	reg := NewRegistry(&enginetest.Picker{Worker: worker}, RegistryOptions{})
	ctx := context.Background()

	room, err := reg.GetOrCreate(ctx, "r1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}

	if !reg.RemoveIfEmpty(ctx, "r1") {
		t.Fatal("expected empty room to be removed")
	}
	if !room.Router().Closed() {
		t.Error("router not closed with the room")
	}
	if _, ok := reg.Get("r1"); ok {
		t.Error("room still registered after removal")
	}
}

func TestRegistryRemoveIfEmptyKeepsOccupiedRoom(t *testing.T) {
	worker := enginetest.NewWorker()
	reg := NewRegistry(&enginetest.Picker{Worker: worker}, RegistryOptions{})
	ctx := context.Background()

	room, err := reg.GetOrCreate(ctx, "r1")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	room.AddPeer(newTestPeer(t, "a", room.Router(), nil))

	if reg.RemoveIfEmpty(ctx, "r1") {
		t.Fatal("occupied room must not be removed")
	}
	if _, ok := reg.Get("r1"); !ok {
		t.Error("room missing after skipped removal")
	}
}

func TestRoomRejectsDuplicatePeerID(t *testing.T) {
	router := newTestRouter(t, nil)
	room := newRoom("r1", router)

	if !room.AddPeer(newTestPeer(t, "a", router, nil)) {
		t.Fatal("first add failed")
	}
	if room.AddPeer(newTestPeer(t, "a", router, nil)) {
		t.Fatal("duplicate peer id accepted")
	}
}

func TestPeerStateTransitions(t *testing.T) {
	router := newTestRouter(t, nil)
	peer := newTestPeer(t, "a", router, nil)
	ctx := context.Background()

	if got := peer.State(); got != PeerStateJoined {
		t.Fatalf("state after join = %q, want %q", got, PeerStateJoined)
	}

	producer, err := peer.SendTransport().Produce(ctx, engine.ProducerOptions{
		Kind:          engine.KindAudio,
		RTPParameters: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	peer.AddProducer(producer)
	if got := peer.State(); got != PeerStateProducing {
		t.Fatalf("state after produce = %q, want %q", got, PeerStateProducing)
	}

	other := newTestPeer(t, "b", router, nil)
	consumer, err := other.RecvTransport().Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	other.AddConsumer(consumer)
	if got := other.State(); got != PeerStateActive {
		t.Fatalf("state after consume = %q, want %q", got, PeerStateActive)
	}

	peer.Close(ctx)
	if got := peer.State(); got != PeerStateClosed {
		t.Fatalf("state after close = %q, want %q", got, PeerStateClosed)
	}
}

func TestPeerTeardownOrder(t *testing.T) {
	log := &enginetest.CloseLog{}
	router := newTestRouter(t, log)
	ctx := context.Background()

	producerPeer := newTestPeer(t, "a", router, nil)
	producer, err := producerPeer.SendTransport().Produce(ctx, engine.ProducerOptions{
		Kind:          engine.KindVideo,
		RTPParameters: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	producerPeer.AddProducer(producer)

	consumerPeer := newTestPeer(t, "b", router, nil)
	consumer, err := consumerPeer.RecvTransport().Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	consumerPeer.AddConsumer(consumer)

	consumerPeer.Close(ctx)

	var consumerAt, transportAt = -1, -1
	for i, entry := range log.Entries() {
		switch {
		case strings.HasPrefix(entry, "consumer:") && consumerAt < 0:
			consumerAt = i
		case strings.HasPrefix(entry, "transport:") && transportAt < 0:
			transportAt = i
		}
	}
	if consumerAt < 0 || transportAt < 0 {
		t.Fatalf("missing closures in log: %v", log.Entries())
	}
	if consumerAt > transportAt {
		t.Errorf("consumer closed after transport: %v", log.Entries())
	}

	producerPeer.Close(ctx)
	entries := log.Entries()
	producerAt := -1
	lastTransportAt := -1
	for i, entry := range entries {
		if strings.HasPrefix(entry, "producer:") {
			producerAt = i
		}
		if strings.HasPrefix(entry, "transport:") {
			lastTransportAt = i
		}
	}
	if producerAt < 0 {
		t.Fatalf("producer closure missing: %v", entries)
	}
	if producerAt > lastTransportAt {
		t.Errorf("producer closed after its transports: %v", entries)
	}
	if !producer.Closed() || !consumer.Closed() {
		t.Error("engine resources not closed after peer teardown")
	}
}

func TestProducerCloseCascadesToConsumer(t *testing.T) {
	router := newTestRouter(t, nil)
	ctx := context.Background()

	producerPeer := newTestPeer(t, "a", router, nil)
	producer, err := producerPeer.SendTransport().Produce(ctx, engine.ProducerOptions{
		Kind:          engine.KindAudio,
		RTPParameters: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	producerPeer.AddProducer(producer)

	consumerPeer := newTestPeer(t, "b", router, nil)
	consumer, err := consumerPeer.RecvTransport().Consume(ctx, engine.ConsumerOptions{
		ProducerID:      producer.ID(),
		RTPCapabilities: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	consumerPeer.AddConsumer(consumer)

	producerPeer.Close(ctx)

	if !consumer.Closed() {
		t.Error("consumer survived its producer")
	}
}

func TestListProducersExcludesPeer(t *testing.T) {
	router := newTestRouter(t, nil)
	room := newRoom("r1", router)
	ctx := context.Background()

	a := newTestPeer(t, "a", router, nil)
	b := newTestPeer(t, "b", router, nil)
	room.AddPeer(a)
	room.AddPeer(b)

	producer, err := a.SendTransport().Produce(ctx, engine.ProducerOptions{
		Kind:          engine.KindVideo,
		RTPParameters: []byte(`{"codecs":[]}`),
	})
	if err != nil {
		t.Fatalf("produce: %v", err)
	}
	a.AddProducer(producer)

	fromB := room.ListProducers("b")
	if len(fromB) != 1 {
		t.Fatalf("producers visible to b = %d, want 1", len(fromB))
	}
	if fromB[0].PeerID != "a" || fromB[0].ProducerID != producer.ID() || fromB[0].Kind != engine.KindVideo {
		t.Errorf("unexpected summary %+v", fromB[0])
	}

	fromA := room.ListProducers("a")
	if len(fromA) != 0 {
		t.Errorf("producers visible to a = %d, want 0", len(fromA))
	}
}

func TestBroadcastPreservesPerRecipientOrder(t *testing.T) {
	router := newTestRouter(t, nil)
	room := newRoom("r1", router)
	ctx := context.Background()

	recipient := newFakeSender()
	room.AddPeer(newTestPeer(t, "a", router, recipient))

	const rounds = 200
	for i := 0; i < rounds; i++ {
		room.Broadcast(ctx, "b", "new-producer", i)
		room.Broadcast(ctx, "b", "peer-left", i)
	}

	events := recipient.recorded()
	if len(events) != 2*rounds {
		t.Fatalf("delivered %d events, want %d", len(events), 2*rounds)
	}
	for i := 0; i < rounds; i++ {
		first, second := events[2*i], events[2*i+1]
		if first.Event != "new-producer" || second.Event != "peer-left" {
			t.Fatalf("round %d delivered out of order: %q then %q", i, first.Event, second.Event)
		}
		if first.Data != i || second.Data != i {
			t.Fatalf("round %d delivered foreign payloads: %v, %v", i, first.Data, second.Data)
		}
	}
}

func TestPeerAppliesBitrateOptions(t *testing.T) {
	router := newTestRouter(t, nil)
	peer, err := NewPeer(context.Background(), "a", "r1", router, newFakeSender(), PeerOptions{
		MaxIncomingBitrate:              1_500_000,
		InitialAvailableOutgoingBitrate: 600_000,
		MinimumAvailableOutgoingBitrate: 100_000,
	})
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}

	for _, transport := range []engine.Transport{peer.SendTransport(), peer.RecvTransport()} {
		fake := transport.(*enginetest.Transport)
		if got := fake.MaxIncomingBitrate(); got != 1_500_000 {
			t.Errorf("transport %s max incoming bitrate = %d, want 1500000", fake.ID(), got)
		}
		opts := fake.Options()
		if opts.InitialAvailableOutgoingBitrate != 600_000 || opts.MinimumAvailableOutgoingBitrate != 100_000 {
			t.Errorf("transport %s outgoing bitrate targets = %d/%d, want 600000/100000",
				fake.ID(), opts.InitialAvailableOutgoingBitrate, opts.MinimumAvailableOutgoingBitrate)
		}
		if !opts.EnableUDP || opts.EnableTCP {
			t.Errorf("transport %s protocol options = udp:%t tcp:%t, want udp only",
				fake.ID(), opts.EnableUDP, opts.EnableTCP)
		}
	}
}

func TestBroadcastSkipsFailedRecipients(t *testing.T) {
	router := newTestRouter(t, nil)
	room := newRoom("r1", router)

	good := newFakeSender()
	bad := newFakeSender()
	bad.err = errSendFailed

	room.AddPeer(newTestPeer(t, "good", router, good))
	room.AddPeer(newTestPeer(t, "bad", router, bad))
	room.AddPeer(newTestPeer(t, "self", router, newFakeSender()))

	room.Broadcast(context.Background(), "self", "new-producer", map[string]string{"peerId": "self"})

	select {
	case got := <-good.notify:
		if got.Event != "new-producer" {
			t.Errorf("event = %q, want new-producer", got.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("healthy recipient never received broadcast")
	}
	if bad.count() != 0 {
		t.Error("failed sender recorded a delivery")
	}
}
