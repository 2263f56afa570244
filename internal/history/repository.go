package history

import (
	"context"
	"database/sql"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"gorm.io/gorm"
)

// Repository provides persistence for room and peer session records.
type Repository struct {
	pool pool.Pool
}

// NewRepository creates a history repository over a frame datastore pool.
func NewRepository(pool pool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) db(ctx context.Context, readOnly bool) *gorm.DB {
	return r.pool.DB(ctx, readOnly)
}

// CreateRoom persists a new room record.
func (r *Repository) CreateRoom(ctx context.Context, rec *RoomRecord) error {
	return r.db(ctx, false).Create(rec).Error
}

// CloseRoom stamps the latest open record for the room as closed.
func (r *Repository) CloseRoom(ctx context.Context, roomID string, at time.Time) error {
	return r.db(ctx, false).
		Model(&RoomRecord{}).
		Where("room_id = ? AND closed_at IS NULL", roomID).
		Update("closed_at", sql.NullTime{Time: at, Valid: true}).Error
}

// CreatePeerSession persists a new peer session record.
func (r *Repository) CreatePeerSession(ctx context.Context, rec *PeerSessionRecord) error {
	return r.db(ctx, false).Create(rec).Error
}

// ClosePeerSession stamps the peer's open session as left.
func (r *Repository) ClosePeerSession(ctx context.Context, roomID, peerID, reason string, at time.Time) error {
	return r.db(ctx, false).
		Model(&PeerSessionRecord{}).
		Where("room_id = ? AND peer_id = ? AND left_at IS NULL", roomID, peerID).
		Updates(map[string]any{
			"left_at":      sql.NullTime{Time: at, Valid: true},
			"leave_reason": reason,
		}).Error
}

// ListRoomSessions returns peer sessions for a room, newest first.
func (r *Repository) ListRoomSessions(ctx context.Context, roomID string, limit int) ([]PeerSessionRecord, error) {
	var out []PeerSessionRecord
	q := r.db(ctx, true).
		Where("room_id = ?", roomID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
