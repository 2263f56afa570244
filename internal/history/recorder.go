package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pitabwire/util"

	"github.com/roomcast/roomcast/pkg/events"
)

// subscriberID keys the recorder's local event subscription.
const subscriberID = "history-recorder"

// Recorder turns lifecycle events into persisted records. It consumes a
// local subscription off the event publisher so the signaling path never
// blocks on the database.
type Recorder struct {
	repo *Repository
	pub  *events.Publisher
}

// NewRecorder creates a recorder over the given repository and publisher.
func NewRecorder(repo *Repository, pub *events.Publisher) *Recorder {
	return &Recorder{repo: repo, pub: pub}
}

// Run consumes lifecycle events until ctx is done.
func (rec *Recorder) Run(ctx context.Context) {
	ch := rec.pub.Subscribe(subscriberID, 256)
	defer rec.pub.Unsubscribe(subscriberID)

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			rec.apply(ctx, env)
		}
	}
}

func (rec *Recorder) apply(ctx context.Context, env events.Envelope) {
	var err error
	switch env.Type {
	case events.RoomCreated:
		var data events.RoomCreatedData
		if err = json.Unmarshal(env.Data, &data); err == nil {
			err = rec.repo.CreateRoom(ctx, &RoomRecord{
				RoomID:   data.RoomID,
				WorkerID: data.WorkerID,
			})
		}
	case events.RoomClosed:
		err = rec.repo.CloseRoom(ctx, env.RoomID, env.Timestamp)
	case events.PeerJoined:
		var data events.PeerJoinedData
		if err = json.Unmarshal(env.Data, &data); err == nil {
			err = rec.repo.CreatePeerSession(ctx, &PeerSessionRecord{
				RoomID:      data.RoomID,
				PeerID:      data.PeerID,
				DisplayName: data.DisplayName,
			})
		}
	case events.PeerLeft:
		var data events.PeerLeftData
		if err = json.Unmarshal(env.Data, &data); err == nil {
			at := env.Timestamp
			if at.IsZero() {
				at = time.Now().UTC()
			}
			err = rec.repo.ClosePeerSession(ctx, data.RoomID, data.PeerID, data.Reason, at)
		}
	default:
		return
	}

	if err != nil {
		util.Log(ctx).WithError(err).
			WithField("event_type", string(env.Type)).
			WithField("room_id", env.RoomID).
			Warn("history record failed")
	}
}
