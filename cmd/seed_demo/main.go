package main

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/kasipos/kasipos/internal/config"
	"github.com/kasipos/kasipos/internal/database"
	"github.com/kasipos/kasipos/internal/models"
	"github.com/kasipos/kasipos/internal/utils"
	"gorm.io/datatypes"
)

func main() {
	fmt.Println("🌱 kasiPOS Demo Data Seeder")

	// Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Connect to database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	fmt.Println("✅ Connected to database")

	fmt.Println("🔨 Running database migrations...")
	err = db.AutoMigrate(
		&models.Product{},
		&models.InventoryLog{},
		&models.Sale{},
		&models.UsedReference{},
		&models.SyncSession{},
	)
	if err != nil {
		log.Fatalf("❌ Migration failed: %v", err)
	}
	fmt.Println("✅ Migrations complete")

	// Check if data already exists
	var productCount int64
	db.Model(&models.Product{}).Count(&productCount)
	if productCount > 0 {
		fmt.Printf("⚠️  Database already has %d products. Clear it first? (y/N): ", productCount)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			fmt.Println("❌ Aborted. Database not modified.")
			return
		}

		fmt.Println("🗑️  Clearing existing data...")
		db.Exec("DELETE FROM inventory_logs")
		db.Exec("DELETE FROM sales")
		db.Exec("DELETE FROM used_references")
		db.Exec("DELETE FROM sync_sessions")
		db.Exec("DELETE FROM products")
	}

	now := time.Now().UTC()
	catalog := []models.Product{
		{ID: "mealie-meal-5kg", Name: "Mealie Meal 5kg", Category: "staples", Price: 62.00, CostPrice: 51.00, StockQty: 18},
		{ID: "rice-2kg", Name: "Rice 2kg", Category: "staples", Price: 45.00, CostPrice: 38.00, StockQty: 24},
		{ID: "sugar-2.5kg", Name: "White Sugar 2.5kg", Category: "staples", Price: 55.00, CostPrice: 46.50, StockQty: 15},
		{ID: "cooking-oil-750", Name: "Sunflower Oil 750ml", Category: "staples", Price: 38.00, CostPrice: 31.00, StockQty: 20},
		{ID: "bread-white", Name: "White Bread", Category: "bakery", Price: 18.50, CostPrice: 14.20, StockQty: 12},
		{ID: "bread-brown", Name: "Brown Bread", Category: "bakery", Price: 17.00, CostPrice: 13.00, StockQty: 10},
		{ID: "cola-330", Name: "Cola 330ml Can", Category: "drinks", Price: 12.00, CostPrice: 8.40, StockQty: 48},
		{ID: "orange-squash-2l", Name: "Orange Squash 2L", Category: "drinks", Price: 32.00, CostPrice: 25.00, StockQty: 14},
		{ID: "amasi-1l", Name: "Amasi 1L", Category: "dairy", Price: 26.00, CostPrice: 20.50, StockQty: 9},
		{ID: "uht-milk-1l", Name: "UHT Milk 1L", Category: "dairy", Price: 22.00, CostPrice: 17.80, StockQty: 30},
		{ID: "eggs-18", Name: "Eggs 18-pack", Category: "dairy", Price: 58.00, CostPrice: 48.00, StockQty: 11},
		{ID: "tinned-fish-400", Name: "Tinned Pilchards 400g", Category: "tinned", Price: 29.00, CostPrice: 23.00, StockQty: 22},
		{ID: "baked-beans-410", Name: "Baked Beans 410g", Category: "tinned", Price: 16.50, CostPrice: 12.80, StockQty: 26},
		{ID: "soap-bar-200", Name: "Green Soap Bar 200g", Category: "household", Price: 14.00, CostPrice: 10.50, StockQty: 35},
		{ID: "washing-powder-1kg", Name: "Washing Powder 1kg", Category: "household", Price: 42.00, CostPrice: 34.00, StockQty: 17},
		{ID: "candles-6", Name: "Candles 6-pack", Category: "household", Price: 25.00, CostPrice: 19.00, StockQty: 28},
		{ID: "paraffin-1l", Name: "Paraffin 1L", Category: "household", Price: 24.00, CostPrice: 18.90, StockQty: 13},
		{ID: "airtime-voucher-12", Name: "Airtime Voucher R12", Category: "vouchers", Price: 12.00, CostPrice: 11.40, StockQty: 60},
		{ID: "snack-chips-small", Name: "Chips Small Bag", Category: "snacks", Price: 9.50, CostPrice: 6.80, StockQty: 55},
		{ID: "sweets-mix-100", Name: "Sweets Mix 100g", Category: "snacks", Price: 8.00, CostPrice: 5.50, StockQty: 40},
	}

	fmt.Printf("📦 Seeding %d catalog products...\n", len(catalog))
	for i := range catalog {
		catalog[i].Active = true
		catalog[i].UpdatedAt = now
		if err := db.Create(&catalog[i]).Error; err != nil {
			log.Fatalf("❌ Failed to seed %s: %v", catalog[i].ID, err)
		}
	}

	// A restock movement so the inventory log is not empty on first sync
	restock := models.InventoryLog{
		Reference:       utils.NewReference(),
		ProductID:       "cola-330",
		QuantityChanged: 24,
		OldStock:        24,
		NewStock:        48,
		MovementType:    models.MovementRestock,
		PerformedBy:     "demo-seeder",
		Timestamp:       now,
	}
	if err := db.Create(&restock).Error; err != nil {
		log.Fatalf("❌ Failed to seed restock movement: %v", err)
	}

	// One pending sale so a first sync has something to push: two loaves of
	// bread, rung up but not yet acknowledged by the Host.
	saleID := utils.NewSaleID()
	items, _ := json.Marshal([]models.SaleItem{{ProductID: "bread-white", Name: "White Bread", Qty: 2, Price: 18.50}})
	sale := models.Sale{
		SaleID:        saleID,
		Items:         datatypes.JSON(items),
		TotalAmount:   37.00,
		PaymentMethod: "cash",
		StaffName:     cfg.StaffName,
		Timestamp:     now,
	}
	if err := db.Create(&sale).Error; err != nil {
		log.Fatalf("❌ Failed to seed demo sale: %v", err)
	}
	movement := models.InventoryLog{
		Reference:       saleID + ":0",
		ProductID:       "bread-white",
		QuantityChanged: -2,
		OldStock:        12,
		NewStock:        10,
		MovementType:    models.MovementSale,
		PerformedBy:     cfg.StaffName,
		Timestamp:       now,
	}
	if err := db.Create(&movement).Error; err != nil {
		log.Fatalf("❌ Failed to seed sale movement: %v", err)
	}
	if err := db.Model(&models.Product{}).Where("id = ?", "bread-white").Update("stock_qty", 10).Error; err != nil {
		log.Fatalf("❌ Failed to adjust bread stock: %v", err)
	}

	fmt.Println()
	fmt.Printf("✅ Seeded %d products, 1 restock movement and 1 pending sale\n", len(catalog))
	fmt.Println("🚀 Start the daemon with cmd/posd and sync away")
}
