package reconcile

import (
	"fmt"
	"testing"
	"time"

	"github.com/kasipos/kasipos/internal/config"
	"github.com/kasipos/kasipos/internal/database"
	"github.com/kasipos/kasipos/internal/models"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	// A named in-memory store per test: gorm pools connections, and a bare
	// :memory: path would give every pooled connection its own database.
	path := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := database.Connect(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	err = db.AutoMigrate(
		&models.Product{},
		&models.InventoryLog{},
		&models.Sale{},
		&models.UsedReference{},
		&models.SyncSession{},
	)
	if err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	return db
}

func seedProduct(t *testing.T, db *database.DB, id string, qty int, updatedAt time.Time) {
	t.Helper()
	p := models.Product{
		ID: id, Name: "Rice 2kg", Category: "staples",
		Price: 45, CostPrice: 38, StockQty: qty, Active: true,
		UpdatedAt: updatedAt,
	}
	if err := db.Create(&p).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
}

func saleDelta(saleID, productID string, qty int) Delta {
	return Delta{
		Kind: DeltaSale,
		Sale: &SaleRecord{
			SaleID:        saleID,
			Items:         []models.SaleItem{{ProductID: productID, Qty: qty, Price: 45}},
			TotalAmount:   45 * float64(qty),
			PaymentMethod: "cash",
			StaffName:     "Thabo",
			Timestamp:     time.Now().UTC(),
		},
	}
}

func TestApplyBatch_SaleIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "host-1")
	seedProduct(t, db, "p1", 10, time.Unix(100, 0).UTC())

	batch := &Batch{Origin: "staff-1", Role: "staff", Deltas: []Delta{saleDelta("abc", "p1", 2)}}

	report, err := engine.ApplyBatch(batch)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	if report.Applied != 1 || report.SkippedDuplicate != 0 {
		t.Fatalf("first apply report: %+v", report)
	}

	var product models.Product
	db.First(&product, "id = ?", "p1")
	if product.StockQty != 8 {
		t.Errorf("stock after sale = %d, want 8", product.StockQty)
	}

	var movement models.InventoryLog
	if err := db.Where("reference = ?", "abc:0").First(&movement).Error; err != nil {
		t.Fatalf("implied movement not appended: %v", err)
	}
	if movement.QuantityChanged != -2 || movement.MovementType != models.MovementSale {
		t.Errorf("movement = %+v", movement)
	}

	// Resend the identical batch. One duplicate, nothing else moves.
	report, err = engine.ApplyBatch(batch)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if report.Applied != 0 || report.SkippedDuplicate != 1 {
		t.Fatalf("second apply report: %+v", report)
	}

	db.First(&product, "id = ?", "p1")
	if product.StockQty != 8 {
		t.Errorf("stock changed on replay: %d", product.StockQty)
	}

	var saleCount, logCount int64
	db.Model(&models.Sale{}).Count(&saleCount)
	db.Model(&models.InventoryLog{}).Count(&logCount)
	if saleCount != 1 || logCount != 1 {
		t.Errorf("replay duplicated rows: sales=%d logs=%d", saleCount, logCount)
	}
}

func TestApplyBatch_SaleAllOrNothing(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "host-1")

	// Sale referencing a product the receiving terminal has never seen.
	batch := &Batch{Origin: "staff-1", Role: "staff", Deltas: []Delta{saleDelta("s-ghost", "ghost", 2)}}

	report, err := engine.ApplyBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 0 || len(report.Errors) != 1 {
		t.Fatalf("report: %+v", report)
	}

	// Nothing of the sale may persist: a committed replay guard would make
	// the missing stock decrement unrecoverable.
	var sales, guards, logs int64
	db.Model(&models.Sale{}).Count(&sales)
	db.Model(&models.UsedReference{}).Count(&guards)
	db.Model(&models.InventoryLog{}).Count(&logs)
	if sales != 0 || guards != 0 || logs != 0 {
		t.Fatalf("partial sale persisted: sales=%d guards=%d logs=%d", sales, guards, logs)
	}

	// Once the product arrives, the identical batch applies cleanly.
	seedProduct(t, db, "ghost", 10, time.Unix(100, 0).UTC())
	report, err = engine.ApplyBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 1 || report.SkippedDuplicate != 0 {
		t.Fatalf("retry report: %+v", report)
	}

	var product models.Product
	db.First(&product, "id = ?", "ghost")
	if product.StockQty != 8 {
		t.Errorf("stock = %d, want 8", product.StockQty)
	}
	var movement models.InventoryLog
	if err := db.Where("reference = ?", "s-ghost:0").First(&movement).Error; err != nil {
		t.Fatalf("implied movement missing after retry: %v", err)
	}
}

func TestApplyBatch_SnapshotStockChangeLogged(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "staff-1")
	seedProduct(t, db, "p1", 8, time.Unix(90, 0).UTC())

	_, err := engine.ApplyBatch(&Batch{Origin: "host-1", Deltas: []Delta{{
		Kind:    DeltaProduct,
		Product: &ProductUpsert{ID: "p1", Name: "Rice 2kg", StockQty: 12, UpdatedAt: time.Unix(100, 0).UTC()},
	}}})
	if err != nil {
		t.Fatal(err)
	}

	var entry models.InventoryLog
	if err := db.Where("product_id = ? AND movement_type = ?", "p1", models.MovementSyncMerge).First(&entry).Error; err != nil {
		t.Fatalf("snapshot stock change not logged: %v", err)
	}
	if entry.QuantityChanged != 4 || entry.OldStock != 8 || entry.NewStock != 12 {
		t.Errorf("entry = %+v", entry)
	}

	// A newer snapshot with the same stock adds nothing to the log.
	engine.ApplyBatch(&Batch{Origin: "host-1", Deltas: []Delta{{
		Kind:    DeltaProduct,
		Product: &ProductUpsert{ID: "p1", Name: "Rice 2kg", StockQty: 12, UpdatedAt: time.Unix(110, 0).UTC()},
	}}})
	var n int64
	db.Model(&models.InventoryLog{}).Where("movement_type = ?", models.MovementSyncMerge).Count(&n)
	if n != 1 {
		t.Errorf("merge log entries = %d, want 1", n)
	}
}

func TestApplyBatch_ProductLastWriterWins(t *testing.T) {
	newer := &ProductUpsert{ID: "p1", Name: "Rice 2kg", StockQty: 10, Price: 50, UpdatedAt: time.Unix(100, 0).UTC()}
	older := &ProductUpsert{ID: "p1", Name: "Rice old", StockQty: 3, Price: 40, UpdatedAt: time.Unix(5, 0).UTC()}

	// Either arrival order converges on the newer record.
	for name, order := range map[string][]*ProductUpsert{
		"newer_first": {newer, older},
		"older_first": {older, newer},
	} {
		t.Run(name, func(t *testing.T) {
			db := newTestDB(t)
			engine := NewEngine(db, "staff-1")

			for _, p := range order {
				if _, err := engine.ApplyBatch(&Batch{Origin: "host-1", Deltas: []Delta{{Kind: DeltaProduct, Product: p}}}); err != nil {
					t.Fatalf("apply failed: %v", err)
				}
			}

			var product models.Product
			if err := db.First(&product, "id = ?", "p1").Error; err != nil {
				t.Fatalf("product missing: %v", err)
			}
			if product.StockQty != 10 || product.Price != 50 || product.Name != "Rice 2kg" {
				t.Errorf("store did not converge on newer record: %+v", product)
			}
		})
	}
}

func TestApplyBatch_StaleSnapshotDiscarded(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "staff-1")
	seedProduct(t, db, "p1", 8, time.Unix(90, 0).UTC())

	// Host exports updated_at=100, staff holds updated_at=90.
	report, err := engine.ApplyBatch(&Batch{Origin: "host-1", Deltas: []Delta{{
		Kind:    DeltaProduct,
		Product: &ProductUpsert{ID: "p1", Name: "Rice 2kg", StockQty: 10, UpdatedAt: time.Unix(100, 0).UTC()},
	}}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 1 {
		t.Fatalf("report: %+v", report)
	}

	var product models.Product
	db.First(&product, "id = ?", "p1")
	if product.StockQty != 10 {
		t.Errorf("stock = %d, want 10", product.StockQty)
	}

	// An equal-or-older snapshot must not regress the record.
	report, _ = engine.ApplyBatch(&Batch{Origin: "host-1", Deltas: []Delta{{
		Kind:    DeltaProduct,
		Product: &ProductUpsert{ID: "p1", Name: "Rice stale", StockQty: 2, UpdatedAt: time.Unix(100, 0).UTC()},
	}}})
	if report.SkippedStale != 1 {
		t.Fatalf("equal timestamp not treated as stale: %+v", report)
	}

	db.First(&product, "id = ?", "p1")
	if product.StockQty != 10 || product.Name != "Rice 2kg" {
		t.Errorf("stale snapshot regressed record: %+v", product)
	}
}

func TestApplyBatch_StockNeverNegative(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "host-1")
	seedProduct(t, db, "p1", 3, time.Unix(10, 0).UTC())

	// Oversell by more than is on hand, across several movements.
	deltas := []Delta{
		{Kind: DeltaMovement, Movement: &InventoryMovement{
			Reference: "m1", ProductID: "p1", QuantityChanged: -2,
			MovementType: models.MovementAdjustment, Timestamp: time.Now().UTC(),
		}},
		{Kind: DeltaMovement, Movement: &InventoryMovement{
			Reference: "m2", ProductID: "p1", QuantityChanged: -5,
			MovementType: models.MovementAdjustment, Timestamp: time.Now().UTC(),
		}},
	}
	if _, err := engine.ApplyBatch(&Batch{Origin: "staff-1", Deltas: deltas}); err != nil {
		t.Fatal(err)
	}

	var product models.Product
	db.First(&product, "id = ?", "p1")
	if product.StockQty != 0 {
		t.Errorf("stock = %d, want clamp at 0", product.StockQty)
	}

	// The log records what was actually applied, not the requested change.
	var m2 models.InventoryLog
	db.Where("reference = ?", "m2").First(&m2)
	if m2.OldStock != 1 || m2.NewStock != 0 || m2.QuantityChanged != -1 {
		t.Errorf("clamped movement log wrong: %+v", m2)
	}
}

func TestApplyBatch_MovementDuplicateByReference(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "host-1")
	seedProduct(t, db, "p1", 5, time.Unix(10, 0).UTC())

	m := Delta{Kind: DeltaMovement, Movement: &InventoryMovement{
		Reference: "restock-1", ProductID: "p1", QuantityChanged: 7,
		MovementType: models.MovementRestock, Timestamp: time.Now().UTC(),
	}}

	engine.ApplyBatch(&Batch{Origin: "staff-1", Deltas: []Delta{m}})
	report, _ := engine.ApplyBatch(&Batch{Origin: "staff-1", Deltas: []Delta{m}})
	if report.SkippedDuplicate != 1 {
		t.Fatalf("duplicate movement not skipped: %+v", report)
	}

	var product models.Product
	db.First(&product, "id = ?", "p1")
	if product.StockQty != 12 {
		t.Errorf("stock = %d, want 12", product.StockQty)
	}
}

func TestApplyBatch_MalformedDeltasDoNotAbort(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "host-1")
	seedProduct(t, db, "p1", 10, time.Unix(10, 0).UTC())

	batch := &Batch{Origin: "staff-1", Deltas: []Delta{
		{Kind: DeltaProduct},                                   // missing payload
		{Kind: DeltaSale, Sale: &SaleRecord{SaleID: ""}},       // missing id
		{Kind: DeltaSale, Sale: &SaleRecord{SaleID: "no-items"}}, // no lines
		{Kind: DeltaMovement, Movement: &InventoryMovement{
			Reference: "mx", ProductID: "ghost", QuantityChanged: 1,
			MovementType: models.MovementRestock, Timestamp: time.Now().UTC(),
		}}, // unknown product
		saleDelta("good-sale", "p1", 1), // the one valid delta
	}}

	report, err := engine.ApplyBatch(batch)
	if err != nil {
		t.Fatalf("batch aborted on malformed delta: %v", err)
	}
	if report.Applied != 1 {
		t.Errorf("applied = %d, want 1", report.Applied)
	}
	if len(report.Errors) != 4 {
		t.Errorf("errors = %d (%+v), want 4", len(report.Errors), report.Errors)
	}

	var product models.Product
	db.First(&product, "id = ?", "p1")
	if product.StockQty != 9 {
		t.Errorf("valid sale not applied, stock = %d", product.StockQty)
	}
}

func TestApplyBatch_OrdersProductsBeforeSales(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "staff-1")

	// Sale listed before the product it references; ordering fixes it.
	batch := &Batch{Origin: "host-1", Deltas: []Delta{
		saleDelta("s-order", "pnew", 1),
		{Kind: DeltaProduct, Product: &ProductUpsert{
			ID: "pnew", Name: "Maas 1L", StockQty: 6, UpdatedAt: time.Unix(50, 0).UTC(),
		}},
	}}

	report, err := engine.ApplyBatch(batch)
	if err != nil {
		t.Fatal(err)
	}
	if report.Applied != 2 || len(report.Errors) != 0 {
		t.Fatalf("report: %+v", report)
	}

	var product models.Product
	db.First(&product, "id = ?", "pnew")
	if product.StockQty != 5 {
		t.Errorf("stock = %d, want 5", product.StockQty)
	}
}

func TestBuildOutboundBatch_HostSendsCatalog(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "host-1")
	seedProduct(t, db, "p1", 10, time.Unix(100, 0).UTC())

	inactive := models.Product{ID: "p2", Name: "Discontinued", Active: false, UpdatedAt: time.Unix(90, 0).UTC()}
	db.Create(&inactive)

	batch, err := engine.BuildOutboundBatch("host")
	if err != nil {
		t.Fatal(err)
	}
	if batch.Origin != "host-1" || batch.Role != "host" {
		t.Errorf("batch header: %+v", batch)
	}
	if len(batch.Deltas) != 1 || batch.Deltas[0].Kind != DeltaProduct {
		t.Fatalf("deltas: %+v", batch.Deltas)
	}
	if batch.Deltas[0].Product.ID != "p1" {
		t.Errorf("wrong product exported: %+v", batch.Deltas[0].Product)
	}
}

func TestBuildOutboundBatch_StaffSendsPendingOnly(t *testing.T) {
	db := newTestDB(t)
	engine := NewEngine(db, "staff-1")
	seedProduct(t, db, "p1", 10, time.Unix(100, 0).UTC())

	// One pending and one already-synced sale.
	pending := models.Sale{SaleID: "pending-1", TotalAmount: 45, Timestamp: time.Now().UTC(),
		Items: []byte(`[{"product_id":"p1","qty":1,"price":45}]`)}
	synced := models.Sale{SaleID: "done-1", TotalAmount: 90, Synced: true, Timestamp: time.Now().UTC(),
		Items: []byte(`[{"product_id":"p1","qty":2,"price":45}]`)}
	db.Create(&pending)
	db.Create(&synced)

	// A local adjustment travels; a sale-implied movement does not.
	db.Create(&models.InventoryLog{
		Reference: "adj-1", ProductID: "p1", QuantityChanged: 5,
		MovementType: models.MovementAdjustment, Timestamp: time.Now().UTC(),
		SourceInstance: "staff-1",
	})
	db.Create(&models.InventoryLog{
		Reference: "pending-1:0", ProductID: "p1", QuantityChanged: -1,
		MovementType: models.MovementSale, Timestamp: time.Now().UTC(),
		SourceInstance: "staff-1",
	})

	batch, err := engine.BuildOutboundBatch("staff")
	if err != nil {
		t.Fatal(err)
	}

	kinds := map[DeltaKind]int{}
	for _, d := range batch.Deltas {
		kinds[d.Kind]++
	}
	if kinds[DeltaProduct] != 0 {
		t.Errorf("staff must not export catalog, got %d products", kinds[DeltaProduct])
	}
	if kinds[DeltaSale] != 1 {
		t.Errorf("pending sales exported = %d, want 1", kinds[DeltaSale])
	}
	if kinds[DeltaMovement] != 1 {
		t.Errorf("movements exported = %d, want 1 (adjustment only)", kinds[DeltaMovement])
	}

	// After the host acknowledges, the sale drops out.
	if err := engine.MarkSalesSynced([]string{"pending-1"}); err != nil {
		t.Fatal(err)
	}
	batch, _ = engine.BuildOutboundBatch("staff")
	for _, d := range batch.Deltas {
		if d.Kind == DeltaSale {
			t.Errorf("acknowledged sale still exported: %+v", d.Sale)
		}
	}
}
