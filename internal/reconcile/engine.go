package reconcile

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/kasipos/kasipos/internal/database"
	"github.com/kasipos/kasipos/internal/models"
	"github.com/kasipos/kasipos/internal/utils"
	"gorm.io/gorm"
)

// Engine applies entity batches to the local store and builds the outbound
// batch for the peer. The local store is the only shared mutable resource in
// a sync session and is written exclusively here, one transaction per batch.
type Engine struct {
	db         *database.DB
	instanceID string
}

// NewEngine creates a reconciliation engine bound to the terminal's store.
func NewEngine(db *database.DB, instanceID string) *Engine {
	return &Engine{db: db, instanceID: instanceID}
}

// BuildOutboundBatch assembles what this terminal owes the peer. The Host
// sends its full catalog (it is authoritative for products); a Staff
// terminal sends only pending sales and its local non-sale movements since
// the last completed session. Sale-implied movements are not sent: the
// receiver reconstructs them from the sale lines under the same references,
// which keeps the exchange idempotent either way.
func (e *Engine) BuildOutboundBatch(role string) (*Batch, error) {
	batch := &Batch{
		Origin: e.instanceID,
		Role:   role,
		SentAt: time.Now().UTC(),
	}

	if role == "host" {
		var products []models.Product
		if err := e.db.Where("active = ?", true).Order("id").Find(&products).Error; err != nil {
			return nil, fmt.Errorf("reconcile: load catalog: %w", err)
		}
		for _, p := range products {
			batch.Deltas = append(batch.Deltas, Delta{
				Kind: DeltaProduct,
				Product: &ProductUpsert{
					ID:        p.ID,
					Name:      p.Name,
					Category:  p.Category,
					Price:     p.Price,
					CostPrice: p.CostPrice,
					StockQty:  p.StockQty,
					UpdatedAt: p.UpdatedAt,
				},
			})
		}
		return batch, nil
	}

	since := e.lastCompletedSync()

	var movements []models.InventoryLog
	err := e.db.
		Where("source_instance = ? AND movement_type <> ? AND timestamp > ?",
			e.instanceID, models.MovementSale, since).
		Order("id").Find(&movements).Error
	if err != nil {
		return nil, fmt.Errorf("reconcile: load movements: %w", err)
	}
	for _, m := range movements {
		batch.Deltas = append(batch.Deltas, Delta{
			Kind: DeltaMovement,
			Movement: &InventoryMovement{
				Reference:       m.Reference,
				ProductID:       m.ProductID,
				QuantityChanged: m.QuantityChanged,
				OldStock:        m.OldStock,
				NewStock:        m.NewStock,
				MovementType:    m.MovementType,
				PerformedBy:     m.PerformedBy,
				Timestamp:       m.Timestamp,
			},
		})
	}

	var sales []models.Sale
	if err := e.db.Where("synced = ?", false).Order("id").Find(&sales).Error; err != nil {
		return nil, fmt.Errorf("reconcile: load pending sales: %w", err)
	}
	for _, s := range sales {
		items, err := decodeSaleItems(s)
		if err != nil {
			log.Printf("⚠️ Skipping unreadable sale %s in outbound batch: %v", s.SaleID, err)
			continue
		}
		batch.Deltas = append(batch.Deltas, Delta{
			Kind: DeltaSale,
			Sale: &SaleRecord{
				SaleID:        s.SaleID,
				Items:         items,
				TotalAmount:   s.TotalAmount,
				PaymentMethod: s.PaymentMethod,
				StaffName:     s.StaffName,
				Timestamp:     s.Timestamp,
			},
		})
	}

	return batch, nil
}

// ApplyBatch merges a batch into the local store as a single transaction.
// Deltas are processed products first, then movements, then sales, so a
// sale's product exists before its stock is recomputed. A malformed delta
// is skipped into Report.Errors; it never aborts the batch.
func (e *Engine) ApplyBatch(batch *Batch) (*Report, error) {
	if batch == nil {
		return nil, errors.New("reconcile: nil batch")
	}

	report := &Report{}

	err := e.db.Transaction(func(tx *gorm.DB) error {
		for _, d := range ordered(batch.Deltas) {
			switch d.Kind {
			case DeltaProduct:
				e.applyProduct(tx, batch.Origin, d.Product, report)
			case DeltaMovement:
				e.applyMovement(tx, batch.Origin, d.Movement, report)
			case DeltaSale:
				e.applySale(tx, batch.Origin, d.Sale, report)
			default:
				report.Errors = append(report.Errors, MergeError{
					Kind: d.Kind, Reason: "unknown delta kind",
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: apply batch: %w", err)
	}

	log.Printf("✅ Merge complete: %d applied, %d stale, %d duplicates, %d errors",
		report.Applied, report.SkippedStale, report.SkippedDuplicate, len(report.Errors))
	return report, nil
}

// ordered returns deltas partitioned products -> movements -> sales,
// preserving relative order within each kind.
func ordered(deltas []Delta) []Delta {
	out := make([]Delta, 0, len(deltas))
	for _, kind := range []DeltaKind{DeltaProduct, DeltaMovement, DeltaSale} {
		for _, d := range deltas {
			if d.Kind == kind {
				out = append(out, d)
			}
		}
	}
	// Unknown kinds go last so they still land in the error report.
	for _, d := range deltas {
		switch d.Kind {
		case DeltaProduct, DeltaMovement, DeltaSale:
		default:
			out = append(out, d)
		}
	}
	return out
}

// applyProduct does last-writer-wins on UpdatedAt. Equal timestamps keep the
// local record: only strictly newer wins, so replays cannot flap.
func (e *Engine) applyProduct(tx *gorm.DB, origin string, p *ProductUpsert, report *Report) {
	if p == nil || p.ID == "" {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaProduct, Reason: "missing product payload or id",
		})
		return
	}

	var existing models.Product
	err := tx.Where("id = ?", p.ID).First(&existing).Error

	if err == nil {
		if !p.UpdatedAt.After(existing.UpdatedAt) {
			report.SkippedStale++
			return
		}
		oldStock := existing.StockQty
		uerr := tx.Transaction(func(tx *gorm.DB) error {
			updates := models.Product{
				Name:           p.Name,
				Category:       p.Category,
				Price:          p.Price,
				CostPrice:      p.CostPrice,
				StockQty:       p.StockQty,
				UpdatedAt:      p.UpdatedAt,
				SourceInstance: origin,
			}
			if err := tx.Model(&existing).Select(
				"Name", "Category", "Price", "CostPrice", "StockQty", "UpdatedAt", "SourceInstance",
			).Updates(updates).Error; err != nil {
				return err
			}
			if oldStock == p.StockQty {
				return nil
			}
			// A snapshot that moves the stock gets its own log entry, so
			// derived stock stays explainable from movement history alone.
			entry := models.InventoryLog{
				Reference:       utils.NewReference(),
				ProductID:       p.ID,
				QuantityChanged: p.StockQty - oldStock,
				OldStock:        oldStock,
				NewStock:        p.StockQty,
				MovementType:    models.MovementSyncMerge,
				PerformedBy:     origin,
				Timestamp:       p.UpdatedAt,
				SourceInstance:  origin,
			}
			return tx.Create(&entry).Error
		})
		if uerr != nil {
			report.Errors = append(report.Errors, MergeError{
				Kind: DeltaProduct, Ref: p.ID, Reason: uerr.Error(),
			})
			return
		}
		report.Applied++
		return
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaProduct, Ref: p.ID, Reason: err.Error(),
		})
		return
	}

	record := models.Product{
		ID:             p.ID,
		Name:           p.Name,
		Category:       p.Category,
		Price:          p.Price,
		CostPrice:      p.CostPrice,
		StockQty:       p.StockQty,
		Active:         true,
		UpdatedAt:      p.UpdatedAt,
		SourceInstance: origin,
	}
	if err := tx.Create(&record).Error; err != nil {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaProduct, Ref: p.ID, Reason: err.Error(),
		})
		return
	}
	report.Applied++
}

// applyMovement appends to the immutable movement log and adjusts the
// derived stock quantity. The log entry's old/new stock are recomputed
// locally - the sender's snapshot is never trusted over local history.
func (e *Engine) applyMovement(tx *gorm.DB, origin string, m *InventoryMovement, report *Report) {
	if m == nil || m.Reference == "" || m.ProductID == "" {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaMovement, Reason: "missing movement payload, reference or product id",
		})
		return
	}

	var count int64
	if err := tx.Model(&models.InventoryLog{}).
		Where("reference = ?", m.Reference).Count(&count).Error; err != nil {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaMovement, Ref: m.Reference, Reason: err.Error(),
		})
		return
	}
	if count > 0 {
		report.SkippedDuplicate++
		return
	}

	if err := e.appendMovement(tx, origin, m); err != nil {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaMovement, Ref: m.Reference, Reason: err.Error(),
		})
		return
	}
	report.Applied++
}

// appendMovement does the shared log-append + stock-adjust step for direct
// movements and sale-implied ones.
func (e *Engine) appendMovement(tx *gorm.DB, origin string, m *InventoryMovement) error {
	var product models.Product
	if err := tx.Where("id = ?", m.ProductID).First(&product).Error; err != nil {
		return fmt.Errorf("product %s not found", m.ProductID)
	}

	oldStock := product.StockQty
	newStock := oldStock + m.QuantityChanged
	if newStock < 0 {
		// Stock never goes negative: clamp and let the log carry the
		// actually applied change.
		newStock = 0
	}

	entry := models.InventoryLog{
		Reference:       m.Reference,
		ProductID:       m.ProductID,
		QuantityChanged: newStock - oldStock,
		OldStock:        oldStock,
		NewStock:        newStock,
		MovementType:    m.MovementType,
		PerformedBy:     m.PerformedBy,
		Timestamp:       m.Timestamp,
		SourceInstance:  origin,
	}
	if err := tx.Create(&entry).Error; err != nil {
		return err
	}

	return tx.Model(&models.Product{}).Where("id = ?", m.ProductID).
		Update("stock_qty", newStock).Error
}

// applySale inserts a replay-guarded sale and applies its implied inventory
// movements. A sale id already in used_references is a duplicate: counted,
// not failed.
func (e *Engine) applySale(tx *gorm.DB, origin string, s *SaleRecord, report *Report) {
	if s == nil || s.SaleID == "" {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaSale, Reason: "missing sale payload or sale_id",
		})
		return
	}
	if len(s.Items) == 0 {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaSale, Ref: s.SaleID, Reason: "sale has no items",
		})
		return
	}

	var count int64
	if err := tx.Model(&models.UsedReference{}).
		Where("reference = ?", s.SaleID).Count(&count).Error; err != nil {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaSale, Ref: s.SaleID, Reason: err.Error(),
		})
		return
	}
	if count > 0 {
		report.SkippedDuplicate++
		return
	}

	// The whole sale commits or none of it does. The replay guard lands in
	// the same savepoint: a half-applied sale with its guard already in
	// place could never be retried.
	err := tx.Transaction(func(tx *gorm.DB) error {
		sale := models.Sale{
			SaleID:         s.SaleID,
			TotalAmount:    s.TotalAmount,
			PaymentMethod:  s.PaymentMethod,
			StaffName:      s.StaffName,
			Timestamp:      s.Timestamp,
			SourceInstance: origin,
			Synced:         true, // arrived through sync, nothing left to push
		}
		if err := encodeSaleItems(&sale, s.Items); err != nil {
			return err
		}
		if err := tx.Create(&sale).Error; err != nil {
			return err
		}

		// Implied movements, one per line, under deterministic references
		// so a peer that already applied them (or a replayed blob) dedupes
		// cleanly.
		for i, item := range s.Items {
			if item.ProductID == "" || item.Qty <= 0 {
				return fmt.Errorf("line %d malformed", i)
			}
			ref := fmt.Sprintf("%s:%d", s.SaleID, i)

			var dup int64
			if err := tx.Model(&models.InventoryLog{}).
				Where("reference = ?", ref).Count(&dup).Error; err != nil {
				return err
			}
			if dup > 0 {
				continue
			}

			if err := e.appendMovement(tx, origin, &InventoryMovement{
				Reference:       ref,
				ProductID:       item.ProductID,
				QuantityChanged: -item.Qty,
				MovementType:    models.MovementSale,
				PerformedBy:     s.StaffName,
				Timestamp:       s.Timestamp,
			}); err != nil {
				return fmt.Errorf("line %d: %w", i, err)
			}
		}

		guard := models.UsedReference{
			Reference: s.SaleID,
			Kind:      models.RefKindSale,
			SeenFrom:  origin,
		}
		return tx.Create(&guard).Error
	})
	if err != nil {
		report.Errors = append(report.Errors, MergeError{
			Kind: DeltaSale, Ref: s.SaleID, Reason: err.Error(),
		})
		return
	}
	report.Applied++
}

// MarkSalesSynced flags local sales as acknowledged by the peer so they drop
// out of future outbound batches.
func (e *Engine) MarkSalesSynced(saleIDs []string) error {
	if len(saleIDs) == 0 {
		return nil
	}
	return e.db.Model(&models.Sale{}).
		Where("sale_id IN ?", saleIDs).
		Update("synced", true).Error
}

// IsReferenceUsed reports whether an idempotency key is already in the
// replay guard.
func (e *Engine) IsReferenceUsed(ref string) (bool, error) {
	var count int64
	err := e.db.Model(&models.UsedReference{}).
		Where("reference = ?", ref).Count(&count).Error
	return count > 0, err
}

// MarkReferenceUsed records an idempotency key in the replay guard.
func (e *Engine) MarkReferenceUsed(ref, kind, seenFrom string) error {
	return e.db.Create(&models.UsedReference{
		Reference: ref,
		Kind:      kind,
		SeenFrom:  seenFrom,
	}).Error
}

// lastCompletedSync returns the end time of the most recent live session, or
// the zero time when this terminal has never synced.
func (e *Engine) lastCompletedSync() time.Time {
	var session models.SyncSession
	err := e.db.Where("final_state = ?", "live").
		Order("ended_at DESC").First(&session).Error
	if err != nil || session.EndedAt == nil {
		return time.Time{}
	}
	return *session.EndedAt
}
