package rooms

import (
	"context"
	"fmt"
	"sync"

	"github.com/pitabwire/util"

	"github.com/roomcast/roomcast/internal/media/engine"
	"github.com/roomcast/roomcast/pkg/events"
)

// CodecSource supplies the codec list for new routers. Profile reloads take
// effect on rooms created after the reload.
type CodecSource func() []engine.RTPCodecCapability

// RegistryOptions configures the room registry.
type RegistryOptions struct {
	Codecs    CodecSource
	Publisher *events.Publisher
}

// Registry maps room ids to live rooms. Concurrent joins to the same new
// room id create exactly one room.
type Registry struct {
	picker    engine.WorkerPicker
	codecs    CodecSource
	publisher *events.Publisher

	mu       sync.Mutex
	rooms    map[string]*Room
	inflight map[string]*roomCall
	closed   bool
}

type roomCall struct {
	done chan struct{}
	room *Room
	err  error
}

// NewRegistry creates a registry placing new routers via the given picker.
func NewRegistry(picker engine.WorkerPicker, opts RegistryOptions) *Registry {
	return &Registry{
		picker:    picker,
		codecs:    opts.Codecs,
		publisher: opts.Publisher,
		rooms:     make(map[string]*Room),
		inflight:  make(map[string]*roomCall),
	}
}

// Get returns the live room with the given id.
func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Rooms returns a snapshot of all live rooms.
func (reg *Registry) Rooms() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// GetOrCreate returns the room with the given id, creating it and its
// router on first use. Concurrent callers for the same new id share one
// creation; the losers wait for the winner's result.
func (reg *Registry) GetOrCreate(ctx context.Context, id string) (*Room, error) {
	for {
		reg.mu.Lock()
		if reg.closed {
			reg.mu.Unlock()
			return nil, fmt.Errorf("registry is closed")
		}
		if r, ok := reg.rooms[id]; ok {
			reg.mu.Unlock()
			return r, nil
		}
		if call, ok := reg.inflight[id]; ok {
			reg.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if call.err != nil {
				return nil, call.err
			}
			// The winner may have deleted the room again already; retry.
			if call.room.Closed() {
				continue
			}
			return call.room, nil
		}
		call := &roomCall{done: make(chan struct{})}
		reg.inflight[id] = call
		reg.mu.Unlock()

		call.room, call.err = reg.create(ctx, id)

		reg.mu.Lock()
		delete(reg.inflight, id)
		if call.err == nil {
			reg.rooms[id] = call.room
		}
		reg.mu.Unlock()
		close(call.done)

		if call.err != nil {
			return nil, call.err
		}
		return call.room, nil
	}
}

func (reg *Registry) create(ctx context.Context, id string) (*Room, error) {
	worker := reg.picker.Next()

	var codecs []engine.RTPCodecCapability
	if reg.codecs != nil {
		codecs = reg.codecs()
	}

	router, err := worker.CreateRouter(ctx, engine.RouterOptions{MediaCodecs: codecs})
	if err != nil {
		return nil, fmt.Errorf("create router for room %s: %w", id, err)
	}

	util.Log(ctx).
		WithField("room_id", id).
		WithField("worker_id", worker.ID()).
		Info("room created")
	reg.emit(ctx, events.RoomCreated, id, events.RoomCreatedData{RoomID: id, WorkerID: worker.ID()})

	return newRoom(id, router), nil
}

// Remove closes the room and drops it from the registry. Used when the last
// peer leaves and by the operator API.
func (reg *Registry) Remove(ctx context.Context, id string) {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	delete(reg.rooms, id)
	reg.mu.Unlock()
	if !ok {
		return
	}

	r.Close(ctx)
	util.Log(ctx).WithField("room_id", id).Info("room closed")
	reg.emit(ctx, events.RoomClosed, id, events.RoomClosedData{RoomID: id})
}

// RemoveIfEmpty closes and drops the room when no peers remain. Returns
// whether the room was removed.
func (reg *Registry) RemoveIfEmpty(ctx context.Context, id string) bool {
	reg.mu.Lock()
	r, ok := reg.rooms[id]
	if !ok || r.PeerCount() > 0 {
		reg.mu.Unlock()
		return false
	}
	delete(reg.rooms, id)
	reg.mu.Unlock()

	r.Close(ctx)
	util.Log(ctx).WithField("room_id", id).Info("room closed, last peer left")
	reg.emit(ctx, events.RoomClosed, id, events.RoomClosedData{RoomID: id})
	return true
}

// Close closes every room. The registry accepts no further joins.
func (reg *Registry) Close(ctx context.Context) {
	reg.mu.Lock()
	if reg.closed {
		reg.mu.Unlock()
		return
	}
	reg.closed = true
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, r := range rooms {
		r.Close(ctx)
	}
}

func (reg *Registry) emit(ctx context.Context, typ events.EventType, roomID string, data any) {
	if reg.publisher == nil {
		return
	}
	if err := reg.publisher.Emit(ctx, typ, roomID, data); err != nil {
		util.Log(ctx).WithError(err).WithField("room_id", roomID).Warn("emit lifecycle event")
	}
}
