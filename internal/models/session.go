package models

import (
	"time"

	"gorm.io/datatypes"
)

// SyncSession is the audit row for one handshake attempt. A session id that
// already has a terminal row here (live/closed/failed) is single-use: any
// later envelope carrying it is ignored.
type SyncSession struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	SessionID string `gorm:"type:varchar(64);not null;uniqueIndex" json:"session_id"`
	Role      string `gorm:"type:varchar(16);not null" json:"role"` // initiator, responder

	PeerInstance string `gorm:"type:varchar(64)" json:"peer_instance"`
	FinalState   string `gorm:"type:varchar(32);index" json:"final_state"`

	// Merge outcome of the session, stored as the JSON MergeReport.
	Report datatypes.JSON `json:"report"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (SyncSession) TableName() string { return "sync_sessions" }
