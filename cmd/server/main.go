package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/leavesync/backend/internal/api"
	"github.com/leavesync/backend/internal/callback"
	"github.com/leavesync/backend/internal/config"
	"github.com/leavesync/backend/internal/events"
	"github.com/leavesync/backend/internal/holiday"
	"github.com/leavesync/backend/internal/store"
	"github.com/leavesync/backend/internal/syncer"
	"github.com/leavesync/backend/internal/webhooks"
	"github.com/leavesync/backend/internal/wecom"
	"github.com/leavesync/backend/internal/wecomcrypto"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Stores
	leaves := store.NewLeaveStore(filepath.Join(cfg.Storage.DataDir, cfg.Storage.LeaveDataFile))
	index := store.NewActiveIndexStore(filepath.Join(cfg.Storage.DataDir, cfg.Storage.ActiveIndexFile), cfg.Sync.CutoffTimestamp)
	cursor := store.NewCursorStore(filepath.Join(cfg.Storage.DataDir, cfg.Storage.SyncCursorFile), cfg.Sync.BaselineTimestamp)

	// Engine and schedulers
	bus := events.NewBus()
	client := wecom.NewClient(cfg.WeCom.CorpID, cfg.WeCom.Secret, cfg.WeCom.APIBase)
	engine := syncer.NewEngine(client, leaves, index, cursor, &syncer.Lock{}, bus)
	scheduler := syncer.NewScheduler(engine, cfg.Sync.Interval, cfg.Sync.StatusCheckInterval)

	// Callback handler, only with credentials present
	var cb *callback.Handler
	if cfg.CallbackConfigured() {
		codec, err := wecomcrypto.New(cfg.WeCom.CallbackToken, cfg.WeCom.EncodingAESKey, cfg.WeCom.CorpID)
		if err != nil {
			log.Fatalf("Failed to build callback codec: %v", err)
		}
		cb = callback.NewHandler(codec, engine, index, bus)
		cb.StartDrain()
		log.Println("📨 Callback endpoint enabled")
	} else {
		log.Println("📪 Callback credentials absent, push endpoint disabled")
	}

	// Outbound webhooks
	dispatcher := webhooks.NewDispatcher(bus, cfg.Webhooks.URLs, 2)
	dispatcher.Start()

	holidays := holiday.NewService(cfg.Holiday.APIBase)

	if err := scheduler.Start(cfg.Sync.AutoSyncEnabled, cfg.Sync.StatusCheckEnabled); err != nil {
		log.Fatalf("Failed to start schedulers: %v", err)
	}

	srv := api.NewServer(scheduler, leaves, index, holidays, cb, bus)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Received shutdown signal, shutting down gracefully...")

		scheduler.Stop()
		if cb != nil {
			cb.StopDrain()
		}
		dispatcher.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 Leave sync service starting on port %s", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}
