package models

import (
	"time"

	"gorm.io/datatypes"
)

// Sale is one completed checkout. SaleID is generated at the selling terminal
// with 128 bits of entropy and is the idempotency key for sale merge across
// terminals.
type Sale struct {
	ID     uint   `gorm:"primaryKey" json:"db_id"`
	SaleID string `gorm:"type:varchar(64);not null;uniqueIndex" json:"sale_id"`

	// Items holds the sale lines as JSON: [{product_id, name, qty, price}].
	Items datatypes.JSON `json:"items"`

	TotalAmount   float64   `json:"total_amount"`
	PaymentMethod string    `gorm:"type:varchar(32)" json:"payment_method"`
	StaffName     string    `gorm:"type:varchar(100)" json:"staff_name"`
	Timestamp     time.Time `gorm:"not null;index" json:"timestamp"`

	SourceInstance string `gorm:"type:varchar(64)" json:"source_instance"`

	// Synced marks sales already acknowledged by the Host, so a Staff
	// terminal's outbound batch only carries pending ones.
	Synced    bool      `gorm:"default:false;index" json:"synced"`
	CreatedAt time.Time `json:"created_at"`
}

func (Sale) TableName() string { return "sales" }

// GetEntityID implements SyncableEntity
func (s Sale) GetEntityID() string { return s.SaleID }

// GetEntityType implements SyncableEntity
func (s Sale) GetEntityType() string { return "sale" }

// SaleItem is one line inside Sale.Items.
type SaleItem struct {
	ProductID string  `json:"product_id"`
	Name      string  `json:"name,omitempty"`
	Qty       int     `json:"qty"`
	Price     float64 `json:"price"`
}
