package models

import (
	"time"
)

// Reference kinds stored in the replay guard.
const (
	RefKindSale   = "sale"
	RefKindExport = "export"
)

// UsedReference is the persisted replay guard: one row per idempotency key
// already applied on this terminal. Sale ids and relay export ids both land
// here, so re-pasting or re-sending a payload is always a no-op.
type UsedReference struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Reference string    `gorm:"type:varchar(128);not null;uniqueIndex" json:"reference"`
	Kind      string    `gorm:"type:varchar(32);not null;index" json:"kind"`
	SeenFrom  string    `gorm:"type:varchar(64)" json:"seen_from"`
	CreatedAt time.Time `json:"created_at"`
}

func (UsedReference) TableName() string { return "used_references" }
