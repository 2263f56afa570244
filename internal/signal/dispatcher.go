package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/roomcast/roomcast/internal/media/engine"
	"github.com/roomcast/roomcast/internal/rooms"
	"github.com/roomcast/roomcast/pkg/events"
)

// DefaultEngineCallTimeout bounds every call into the media engine.
const DefaultEngineCallTimeout = 10 * time.Second

// Conn is the connection surface the dispatcher writes to. Channel
// implements it over a websocket.
type Conn interface {
	rooms.Sender
	Reply(id int64, data any) error
	ReplyError(id int64, serr *Error) error
	Close()
}

// DispatcherOptions configures request handling.
type DispatcherOptions struct {
	// EngineCallTimeout overrides DefaultEngineCallTimeout. Expiry is
	// reported to the client as an engine failure.
	EngineCallTimeout time.Duration

	// MaxIncomingBitrate caps inbound media per peer. Zero leaves the
	// engine default.
	MaxIncomingBitrate int

	// InitialOutgoingBitrate and MinOutgoingBitrate seed the engine's
	// outgoing bitrate targets on each transport.
	InitialOutgoingBitrate int
	MinOutgoingBitrate     int

	Publisher *events.Publisher
}

// Dispatcher maps signaling requests onto rooms, peers and the media
// engine. One Session per connection; requests on a session are handled in
// arrival order.
type Dispatcher struct {
	registry   *rooms.Registry
	timeout    time.Duration
	maxBps     int
	initialBps int
	minBps     int
	publisher  *events.Publisher
}

// NewDispatcher creates a dispatcher over the given room registry.
func NewDispatcher(registry *rooms.Registry, opts DispatcherOptions) *Dispatcher {
	timeout := opts.EngineCallTimeout
	if timeout <= 0 {
		timeout = DefaultEngineCallTimeout
	}
	return &Dispatcher{
		registry:   registry,
		timeout:    timeout,
		maxBps:     opts.MaxIncomingBitrate,
		initialBps: opts.InitialOutgoingBitrate,
		minBps:     opts.MinOutgoingBitrate,
		publisher:  opts.Publisher,
	}
}

// Session is the dispatcher-side state of one signaling connection: at most
// one joined peer at a time. A peer that leaves may be replaced by a later
// join on the same connection.
type Session struct {
	d    *Dispatcher
	conn Conn

	mu   sync.Mutex
	room *rooms.Room
	peer *rooms.Peer
}

// NewSession binds a connection to the dispatcher.
func (d *Dispatcher) NewSession(conn Conn) *Session {
	return &Session{d: d, conn: conn}
}

// ServeChannel runs the request loop for one websocket channel until the
// connection drops, then tears the session's peer down.
func (d *Dispatcher) ServeChannel(ctx context.Context, ch *Channel) {
	sess := d.NewSession(ch)
	defer func() {
		ch.Close()
		sess.Teardown(ctx, "disconnect")
	}()

	for {
		env, err := ch.Read()
		if err != nil {
			return
		}
		if env.Type != TypeRequest {
			continue
		}
		sess.Handle(ctx, env)
	}
}

// Handle processes one request envelope and always acknowledges it.
func (s *Session) Handle(ctx context.Context, env *Envelope) {
	err := s.dispatch(ctx, env)
	if err == nil {
		return
	}

	serr := AsError(err)
	log := util.Log(ctx).WithField("method", env.Method).WithField("kind", string(serr.Kind))
	if serr.Kind == KindFatal {
		log.WithError(err).Error("request failed")
	} else {
		log.WithError(err).Debug("request rejected")
	}

	if replyErr := s.conn.ReplyError(env.ID, serr); replyErr != nil {
		log.WithError(replyErr).Warn("acknowledgment delivery failed")
	}
	if serr.Kind == KindFatal {
		s.conn.Close()
	}
}

func (s *Session) dispatch(ctx context.Context, env *Envelope) error {
	switch env.Method {
	case MethodJoinRoom:
		return s.handleJoinRoom(ctx, env)
	case MethodLeaveRoom:
		return s.handleLeaveRoom(ctx, env)
	case MethodConnectTransport:
		return s.handleConnectTransport(ctx, env)
	case MethodProduce:
		return s.handleProduce(ctx, env)
	case MethodPauseProducer:
		return s.handlePauseProducer(ctx, env)
	case MethodResumeProducer:
		return s.handleResumeProducer(ctx, env)
	case MethodConsume:
		return s.handleConsume(ctx, env)
	case MethodResumeConsumer:
		return s.handleResumeConsumer(ctx, env)
	case MethodGetProducers:
		return s.handleGetProducers(ctx, env)
	default:
		return Errorf(KindArgumentInvalid, "unknown method %q", env.Method)
	}
}

// joined returns the session's room and peer, or a not-found error when the
// session has not joined yet.
func (s *Session) joined() (*rooms.Room, *rooms.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return nil, nil, Errorf(KindNotFound, "peer has not joined a room")
	}
	return s.room, s.peer, nil
}

func (s *Session) engineCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.d.timeout)
}

func (s *Session) handleJoinRoom(ctx context.Context, env *Envelope) error {
	var req joinRoomRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return WrapError(KindArgumentInvalid, err, "malformed join-room payload")
	}
	if req.RoomID == "" || req.PeerID == "" {
		return Errorf(KindArgumentInvalid, "roomId and peerId are required")
	}

	s.mu.Lock()
	if s.peer != nil {
		s.mu.Unlock()
		return Errorf(KindConflict, "session already joined room %s", s.room.ID())
	}
	s.mu.Unlock()

	var (
		room *rooms.Room
		peer *rooms.Peer
	)
	for {
		var err error
		room, err = s.d.registry.GetOrCreate(ctx, req.RoomID)
		if err != nil {
			return WrapError(KindEngineFailed, err, "room setup failed")
		}

		ectx, cancel := s.engineCtx(ctx)
		peer, err = rooms.NewPeer(ectx, req.PeerID, req.RoomID, room.Router(), s.conn, rooms.PeerOptions{
			DisplayName:                     req.DisplayName,
			MaxIncomingBitrate:              s.d.maxBps,
			InitialAvailableOutgoingBitrate: s.d.initialBps,
			MinimumAvailableOutgoingBitrate: s.d.minBps,
		})
		cancel()
		if err != nil {
			s.d.registry.RemoveIfEmpty(ctx, req.RoomID)
			if errors.Is(err, context.DeadlineExceeded) {
				return WrapError(KindEngineFailed, err, "transport allocation timed out")
			}
			return WrapError(KindEngineFailed, err, "transport allocation failed")
		}

		if room.AddPeer(peer) {
			break
		}
		peer.Close(ctx)
		if room.Closed() {
			// Lost a race with the room's deletion; start over.
			continue
		}
		return Errorf(KindConflict, "peer %s already exists in room %s", req.PeerID, req.RoomID)
	}

	s.watchTransports(ctx, peer)

	s.mu.Lock()
	s.room = room
	s.peer = peer
	s.mu.Unlock()

	err := s.conn.Reply(env.ID, joinRoomResponse{
		SendTransport:         peer.SendTransport().Info(),
		RecvTransport:         peer.RecvTransport().Info(),
		RouterRTPCapabilities: room.Router().RTPCapabilities(),
	})
	if err != nil {
		util.Log(ctx).WithError(err).WithField("peer_id", peer.ID()).Warn("join acknowledgment delivery failed")
	}

	room.Broadcast(ctx, peer.ID(), EventPeerJoined, peerJoinedEvent{
		PeerID:      peer.ID(),
		DisplayName: peer.DisplayName(),
	})
	s.d.emit(ctx, events.PeerJoined, room.ID(), events.PeerJoinedData{
		RoomID:      room.ID(),
		PeerID:      peer.ID(),
		DisplayName: peer.DisplayName(),
	})

	util.Log(ctx).
		WithField("room_id", room.ID()).
		WithField("peer_id", peer.ID()).
		Info("peer joined")
	return nil
}

// watchTransports closes a transport whose DTLS session fails or closes.
// The engine cascades the transport's producers and consumers from there.
func (s *Session) watchTransports(ctx context.Context, peer *rooms.Peer) {
	for _, t := range []engine.Transport{peer.SendTransport(), peer.RecvTransport()} {
		transport := t
		transport.OnDTLSStateChange(func(state engine.DTLSState) {
			if state != engine.DTLSStateFailed && state != engine.DTLSStateClosed {
				return
			}
			util.Log(ctx).
				WithField("peer_id", peer.ID()).
				WithField("transport_id", transport.ID()).
				WithField("dtls_state", string(state)).
				Info("closing transport after dtls state change")
			transport.Close()
		})
	}
}

func (s *Session) handleLeaveRoom(ctx context.Context, env *Envelope) error {
	_, peer, err := s.joined()
	if err != nil {
		return err
	}
	if err := s.conn.Reply(env.ID, successResponse{Success: true}); err != nil {
		util.Log(ctx).WithError(err).WithField("peer_id", peer.ID()).Warn("leave acknowledgment delivery failed")
	}
	s.Teardown(ctx, "left")
	return nil
}

func (s *Session) handleConnectTransport(ctx context.Context, env *Envelope) error {
	var req connectTransportRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return WrapError(KindArgumentInvalid, err, "malformed connect-transport payload")
	}
	if req.TransportID == "" {
		return Errorf(KindArgumentInvalid, "transportId is required")
	}
	if len(req.DTLSParameters) == 0 {
		return Errorf(KindArgumentInvalid, "dtlsParameters is required")
	}

	_, peer, err := s.joined()
	if err != nil {
		return err
	}
	transport, ok := peer.Transport(req.TransportID)
	if !ok {
		return Errorf(KindNotFound, "transport %s not found", req.TransportID)
	}

	ectx, cancel := s.engineCtx(ctx)
	err = transport.Connect(ectx, req.DTLSParameters)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return WrapError(KindEngineFailed, err, "transport connect timed out")
		}
		return WrapError(KindEngineFailed, err, "transport connect failed")
	}

	return s.conn.Reply(env.ID, successResponse{Success: true})
}

func (s *Session) handleProduce(ctx context.Context, env *Envelope) error {
	var req produceRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return WrapError(KindArgumentInvalid, err, "malformed produce payload")
	}
	if req.TransportID == "" {
		return Errorf(KindArgumentInvalid, "transportId is required")
	}
	kind := engine.MediaKind(req.Kind)
	if kind != engine.KindAudio && kind != engine.KindVideo {
		return Errorf(KindArgumentInvalid, "kind must be audio or video, got %q", req.Kind)
	}
	if len(req.RTPParameters) == 0 {
		return Errorf(KindArgumentInvalid, "rtpParameters is required")
	}

	room, peer, err := s.joined()
	if err != nil {
		return err
	}
	transport, ok := peer.Transport(req.TransportID)
	if !ok {
		return Errorf(KindNotFound, "transport %s not found", req.TransportID)
	}
	if transport.Direction() != engine.DirectionSend {
		return Errorf(KindArgumentInvalid, "transport %s is not a send transport", req.TransportID)
	}

	ectx, cancel := s.engineCtx(ctx)
	producer, err := transport.Produce(ectx, engine.ProducerOptions{
		Kind:          kind,
		RTPParameters: req.RTPParameters,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return WrapError(KindEngineFailed, err, "produce timed out")
		}
		return WrapError(KindEngineRejected, err, "engine rejected producer")
	}

	producer.OnTransportClose(func() {
		peer.RemoveProducer(producer.ID())
	})
	peer.AddProducer(producer)

	if err := s.conn.Reply(env.ID, produceResponse{ID: producer.ID()}); err != nil {
		util.Log(ctx).WithError(err).WithField("peer_id", peer.ID()).Warn("produce acknowledgment delivery failed")
	}

	room.Broadcast(ctx, peer.ID(), EventNewProducer, newProducerEvent{
		PeerID:     peer.ID(),
		ProducerID: producer.ID(),
		Kind:       string(producer.Kind()),
	})
	s.d.emit(ctx, events.ProducerOpened, room.ID(), events.ProducerOpenedData{
		RoomID:     room.ID(),
		PeerID:     peer.ID(),
		ProducerID: producer.ID(),
		Kind:       string(producer.Kind()),
	})
	return nil
}

func (s *Session) handlePauseProducer(ctx context.Context, env *Envelope) error {
	var req producerRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return WrapError(KindArgumentInvalid, err, "malformed pause-producer payload")
	}
	if req.ProducerID == "" {
		return Errorf(KindArgumentInvalid, "producerId is required")
	}

	room, peer, err := s.joined()
	if err != nil {
		return err
	}
	producer, ok := peer.Producer(req.ProducerID)
	if !ok {
		return Errorf(KindNotFound, "producer %s not found", req.ProducerID)
	}
	if err := producer.Pause(); err != nil {
		return WrapError(KindEngineFailed, err, "pause failed")
	}

	if err := s.conn.Reply(env.ID, successResponse{Success: true}); err != nil {
		util.Log(ctx).WithError(err).WithField("peer_id", peer.ID()).Warn("pause acknowledgment delivery failed")
	}
	room.Broadcast(ctx, peer.ID(), EventProducerPaused, producerStateEvent{
		PeerID:     peer.ID(),
		ProducerID: producer.ID(),
	})
	return nil
}

func (s *Session) handleResumeProducer(ctx context.Context, env *Envelope) error {
	var req producerRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return WrapError(KindArgumentInvalid, err, "malformed resume-producer payload")
	}
	if req.ProducerID == "" {
		return Errorf(KindArgumentInvalid, "producerId is required")
	}

	room, peer, err := s.joined()
	if err != nil {
		return err
	}
	producer, ok := peer.Producer(req.ProducerID)
	if !ok {
		return Errorf(KindNotFound, "producer %s not found", req.ProducerID)
	}
	if err := producer.Resume(); err != nil {
		return WrapError(KindEngineFailed, err, "resume failed")
	}

	if err := s.conn.Reply(env.ID, successResponse{Success: true}); err != nil {
		util.Log(ctx).WithError(err).WithField("peer_id", peer.ID()).Warn("resume acknowledgment delivery failed")
	}
	room.Broadcast(ctx, peer.ID(), EventProducerResumed, producerStateEvent{
		PeerID:     peer.ID(),
		ProducerID: producer.ID(),
	})
	return nil
}

func (s *Session) handleConsume(ctx context.Context, env *Envelope) error {
	var req consumeRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return WrapError(KindArgumentInvalid, err, "malformed consume payload")
	}
	if req.TransportID == "" || req.ProducerID == "" {
		return Errorf(KindArgumentInvalid, "transportId and producerId are required")
	}
	if len(req.RTPCapabilities) == 0 {
		return Errorf(KindArgumentInvalid, "rtpCapabilities is required")
	}

	room, peer, err := s.joined()
	if err != nil {
		return err
	}
	transport, ok := peer.Transport(req.TransportID)
	if !ok {
		return Errorf(KindNotFound, "transport %s not found", req.TransportID)
	}
	if transport.Direction() != engine.DirectionRecv {
		return Errorf(KindArgumentInvalid, "transport %s is not a recv transport", req.TransportID)
	}

	owner, ok := findProducerOwner(room, req.ProducerID)
	if !ok {
		return Errorf(KindNotFound, "producer %s not found in room", req.ProducerID)
	}
	if owner.ID() == peer.ID() {
		return Errorf(KindArgumentInvalid, "cannot consume own producer %s", req.ProducerID)
	}
	if !room.Router().CanConsume(req.ProducerID, req.RTPCapabilities) {
		return Errorf(KindEngineRejected, "capabilities cannot consume producer %s", req.ProducerID)
	}

	ectx, cancel := s.engineCtx(ctx)
	consumer, err := transport.Consume(ectx, engine.ConsumerOptions{
		ProducerID:      req.ProducerID,
		RTPCapabilities: req.RTPCapabilities,
	})
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return WrapError(KindEngineFailed, err, "consume timed out")
		}
		return WrapError(KindEngineFailed, err, "consume failed")
	}

	consumer.OnTransportClose(func() {
		peer.RemoveConsumer(consumer.ID())
	})
	consumer.OnProducerClose(func() {
		peer.RemoveConsumer(consumer.ID())
	})
	peer.AddConsumer(consumer)

	return s.conn.Reply(env.ID, consumeResponse{
		ID:            consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          string(consumer.Kind()),
		RTPParameters: consumer.RTPParameters(),
	})
}

func (s *Session) handleResumeConsumer(ctx context.Context, env *Envelope) error {
	var req resumeConsumerRequest
	if err := json.Unmarshal(env.Data, &req); err != nil {
		return WrapError(KindArgumentInvalid, err, "malformed resume-consumer payload")
	}
	if req.ConsumerID == "" {
		return Errorf(KindArgumentInvalid, "consumerId is required")
	}

	_, peer, err := s.joined()
	if err != nil {
		return err
	}
	consumer, ok := peer.Consumer(req.ConsumerID)
	if !ok {
		return Errorf(KindNotFound, "consumer %s not found", req.ConsumerID)
	}

	ectx, cancel := s.engineCtx(ctx)
	err = consumer.Resume(ectx)
	cancel()
	if err != nil {
		return WrapError(KindEngineFailed, err, "consumer resume failed")
	}

	return s.conn.Reply(env.ID, successResponse{Success: true})
}

func (s *Session) handleGetProducers(_ context.Context, env *Envelope) error {
	room, peer, err := s.joined()
	if err != nil {
		return err
	}
	producers := room.ListProducers(peer.ID())
	if producers == nil {
		producers = []rooms.ProducerSummary{}
	}
	return s.conn.Reply(env.ID, getProducersResponse{Producers: producers})
}

// Teardown closes the session's current peer and its resources, removes it
// from the room and notifies the remaining peers. Runs at most once per
// joined peer: the guarded swap below hands the peer to exactly one caller,
// so the read loop and leave-room may race freely, and a peer joined after
// a leave gets its own teardown on disconnect.
func (s *Session) Teardown(ctx context.Context, reason string) {
	s.mu.Lock()
	room, peer := s.room, s.peer
	s.room, s.peer = nil, nil
	s.mu.Unlock()
	if peer == nil {
		return
	}

	peer.Close(ctx)
	remaining := room.RemovePeer(peer.ID())

	room.Broadcast(ctx, peer.ID(), EventPeerLeft, peerLeftEvent{PeerID: peer.ID()})
	if remaining == 0 {
		s.d.registry.RemoveIfEmpty(ctx, room.ID())
	}

	s.d.emit(ctx, events.PeerLeft, room.ID(), events.PeerLeftData{
		RoomID: room.ID(),
		PeerID: peer.ID(),
		Reason: reason,
	})
	util.Log(ctx).
		WithField("room_id", room.ID()).
		WithField("peer_id", peer.ID()).
		WithField("reason", reason).
		Info("peer left")
}

func findProducerOwner(room *rooms.Room, producerID string) (*rooms.Peer, bool) {
	for _, p := range room.Peers() {
		if _, ok := p.Producer(producerID); ok {
			return p, true
		}
	}
	return nil, false
}

func (d *Dispatcher) emit(ctx context.Context, typ events.EventType, roomID string, data any) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.Emit(ctx, typ, roomID, data); err != nil {
		util.Log(ctx).WithError(err).WithField("room_id", roomID).Warn("emit lifecycle event")
	}
}
