// Package history persists room and peer session records for offline
// inspection. Recording is optional; the signaling path never waits on it.
package history

import (
	"database/sql"

	"github.com/pitabwire/frame/data"
)

// RoomRecord is one room's lifetime.
type RoomRecord struct {
	data.BaseModel

	RoomID   string       `gorm:"type:varchar(255);not null;index:idx_rr_room" json:"room_id"`
	WorkerID string       `gorm:"type:varchar(50)"                              json:"worker_id"`
	ClosedAt sql.NullTime `json:"closed_at,omitempty"`
}

func (RoomRecord) TableName() string { return "room_records" }

// PeerSessionRecord is one peer's membership in a room.
type PeerSessionRecord struct {
	data.BaseModel

	RoomID      string       `gorm:"type:varchar(255);not null;index:idx_psr_room" json:"room_id"`
	PeerID      string       `gorm:"type:varchar(255);not null;index:idx_psr_peer" json:"peer_id"`
	DisplayName string       `gorm:"type:varchar(255)"                              json:"display_name,omitempty"`
	LeftAt      sql.NullTime `json:"left_at,omitempty"`
	LeaveReason string       `gorm:"type:varchar(50)"                               json:"leave_reason,omitempty"`
}

func (PeerSessionRecord) TableName() string { return "peer_session_records" }
