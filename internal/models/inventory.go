package models

import (
	"time"
)

// Movement types recorded in the inventory log.
const (
	MovementSale       = "sale"
	MovementRestock    = "restock"
	MovementAdjustment = "adjustment"
	MovementSyncMerge  = "sync_merge"
)

// InventoryLog is one append-only movement entry. The log is immutable history:
// entries are never updated or replaced, and the derived Product.StockQty is
// recomputed from movements rather than overwritten by snapshots.
type InventoryLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	// Reference is the globally unique idempotency key of the movement
	// (uuid, or "<sale_id>:<line>" for movements implied by a sale).
	Reference string `gorm:"type:varchar(128);uniqueIndex" json:"reference"`

	ProductID       string    `gorm:"type:varchar(64);not null;index" json:"product_id"`
	QuantityChanged int       `gorm:"not null" json:"quantity_changed"`
	OldStock        int       `json:"old_stock"`
	NewStock        int       `json:"new_stock"`
	MovementType    string    `gorm:"type:varchar(32);not null" json:"movement_type"`
	PerformedBy     string    `gorm:"type:varchar(100)" json:"performed_by"`
	Timestamp       time.Time `gorm:"not null;index" json:"timestamp"`

	SourceInstance string    `gorm:"type:varchar(64)" json:"source_instance"`
	CreatedAt      time.Time `json:"created_at"`
}

func (InventoryLog) TableName() string { return "inventory_logs" }

// GetEntityID implements SyncableEntity
func (l InventoryLog) GetEntityID() string { return l.Reference }

// GetEntityType implements SyncableEntity
func (l InventoryLog) GetEntityType() string { return "inventory_log" }
