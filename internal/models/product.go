package models

import (
	"time"
)

// Product is one catalog entry. The Host terminal is authoritative for the
// catalog; Staff terminals only ever receive products through sync.
type Product struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Category  string    `gorm:"type:varchar(100);index" json:"category"`
	Price     float64   `json:"price"`
	CostPrice float64   `json:"cost_price"`
	StockQty  int       `gorm:"not null;default:0" json:"stock_qty"`
	Active    bool      `gorm:"default:true" json:"active"`

	// UpdatedAt carries the last-writer-wins timestamp used by the merge
	// engine. It is set by the writing terminal, never by the receiver.
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
	CreatedAt time.Time `json:"created_at"`

	SourceInstance string `gorm:"type:varchar(64)" json:"source_instance"`
}

func (Product) TableName() string { return "products" }

// GetEntityID implements SyncableEntity
func (p Product) GetEntityID() string { return p.ID }

// GetEntityType implements SyncableEntity
func (p Product) GetEntityType() string { return "product" }
