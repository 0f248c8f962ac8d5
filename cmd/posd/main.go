package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kasipos/kasipos/internal/config"
	"github.com/kasipos/kasipos/internal/database"
	"github.com/kasipos/kasipos/internal/handlers"
	"github.com/kasipos/kasipos/internal/models"
	"github.com/kasipos/kasipos/internal/reconcile"
	"github.com/kasipos/kasipos/internal/relay"
	"github.com/kasipos/kasipos/internal/session"
	"github.com/kasipos/kasipos/internal/utils"
	"github.com/kasipos/kasipos/internal/websocket"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Terminal identity (persistent instance id)
	if err := utils.LoadOrGenerateTerminalIdentity(); err != nil {
		log.Fatalf("Failed to load terminal identity: %v", err)
	}
	identity := utils.GetTerminalIdentity()
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = identity.InstanceID
	}
	// Relay exports carry the identity; keep its id in step with an
	// env-supplied override.
	identity.InstanceID = instanceID

	// 3. Initialize the local store (embedded PostgreSQL by default)
	cfg.Database.Verbose = cfg.NodeEnv == "development"
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 4. Auto-Migrate Schema (Critical for Zero-Config)
	log.Println("🚀 Synchronizing database schema...")
	err = db.AutoMigrate(
		&models.Product{},
		&models.InventoryLog{},
		&models.Sale{},
		&models.UsedReference{},
		&models.SyncSession{},
	)
	if err != nil {
		log.Printf("⚠️ Migration warning: %v\n", err)
	} else {
		log.Println("✅ Schema synchronized successfully")
	}

	// 5. Reconciliation engine and sync coordinator
	engine := reconcile.NewEngine(db, instanceID)
	coordinator := session.NewCoordinator(db, engine, session.Config{
		TerminalRole: cfg.Role,
		InstanceID:   instanceID,
		StoreKey:     cfg.StoreKey,
		PeerPort:     cfg.PeerPort,
		ScanInterval: time.Duration(cfg.ScanInterval) * time.Millisecond,
	})
	rl := relay.NewRelay(engine, cfg.StoreKey, identity)

	// 6. UI status feed
	hub := websocket.NewHub()
	go hub.Run()
	coordinator.Subscribe(func(st session.Status) {
		hub.Broadcast(map[string]interface{}{"type": "sync_status", "status": st})
	})

	// 7. Localhost control API for the UI shell
	router := handlers.NewRouter(db, coordinator, rl, hub, cfg.ShopName)

	server := &http.Server{
		Addr:    "127.0.0.1:" + cfg.Port,
		Handler: router,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		log.Printf("🚀 kasiPOS daemon (%s terminal %s) listening on %s\n", cfg.Role, instanceID, server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	sig := <-shutdown
	log.Printf("\n⚠️  Received signal: %v. Shutting down gracefully...\n", sig)

	coordinator.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("⚠️ HTTP shutdown error: %v", err)
	}
	if err := db.Close(); err != nil {
		log.Printf("⚠️ Database shutdown error: %v", err)
	}
	log.Println("👋 Shutdown complete")
}
