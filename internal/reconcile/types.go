// Package reconcile merges entity batches from a peer terminal into the
// local store. It does not know or care how a batch arrived - live peer link
// or pasted relay blob - both paths call the same ApplyBatch.
package reconcile

import (
	"time"

	"github.com/kasipos/kasipos/internal/models"
)

// DeltaKind discriminates the Delta union.
type DeltaKind string

const (
	DeltaProduct  DeltaKind = "product_upsert"
	DeltaMovement DeltaKind = "inventory_movement"
	DeltaSale     DeltaKind = "sale_record"
)

// Delta is one unit of changed business data. Exactly one of the payload
// pointers is set, matching Kind.
type Delta struct {
	Kind     DeltaKind          `json:"kind"`
	Product  *ProductUpsert     `json:"product,omitempty"`
	Movement *InventoryMovement `json:"movement,omitempty"`
	Sale     *SaleRecord        `json:"sale,omitempty"`
}

// ProductUpsert carries one catalog entry. Merge is last-writer-wins on
// UpdatedAt: an incoming record that is not strictly newer is discarded.
type ProductUpsert struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Price     float64   `json:"price"`
	CostPrice float64   `json:"cost_price"`
	StockQty  int       `json:"stock_qty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// InventoryMovement carries one append-only stock movement. Reference is the
// movement's globally unique idempotency key.
type InventoryMovement struct {
	Reference       string    `json:"reference"`
	ProductID       string    `json:"product_id"`
	QuantityChanged int       `json:"quantity_changed"`
	OldStock        int       `json:"old_stock"`
	NewStock        int       `json:"new_stock"`
	MovementType    string    `json:"movement_type"`
	PerformedBy     string    `json:"performed_by"`
	Timestamp       time.Time `json:"timestamp"`
}

// SaleRecord carries one completed sale. SaleID is the idempotency key:
// applying the same sale twice is a no-op.
type SaleRecord struct {
	SaleID        string            `json:"sale_id"`
	Items         []models.SaleItem `json:"items"`
	TotalAmount   float64           `json:"total_amount"`
	PaymentMethod string            `json:"payment_method"`
	StaffName     string            `json:"staff_name"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Batch is the wire unit exchanged once a session is live, and the payload
// of a relay export blob.
type Batch struct {
	Origin string    `json:"origin"` // instance id of the sending terminal
	Role   string    `json:"role"`   // host or staff
	SentAt time.Time `json:"sent_at"`
	Deltas []Delta   `json:"deltas"`
}

// MergeError records one skipped malformed delta. Malformed deltas never
// abort the batch; this system runs unattended on flaky hardware.
type MergeError struct {
	Kind   DeltaKind `json:"kind"`
	Ref    string    `json:"ref"`
	Reason string    `json:"reason"`
}

// Report summarizes one reconciliation pass for the operator:
// "X applied, Y duplicates skipped".
type Report struct {
	Applied          int          `json:"applied"`
	SkippedStale     int          `json:"skipped_stale"`
	SkippedDuplicate int          `json:"skipped_duplicate"`
	Errors           []MergeError `json:"errors,omitempty"`
}

// Merge folds another report into this one. Used when a session exchanges
// more than one batch.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Applied += other.Applied
	r.SkippedStale += other.SkippedStale
	r.SkippedDuplicate += other.SkippedDuplicate
	r.Errors = append(r.Errors, other.Errors...)
}
