package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"greadersync/internal/api"
	"greadersync/internal/cache"
	"greadersync/internal/config"
	"greadersync/internal/poller"
	"greadersync/internal/session"
	"greadersync/internal/storage"
	"greadersync/internal/syncer"
	"greadersync/internal/tags"
)

func main() {
	// Load configuration
	cfg := config.Load()

	if cfg.Login == "" || cfg.Password == "" {
		log.Fatal("READER_LOGIN and READER_PASSWORD must be set")
	}

	// Initialize cache for hot data
	cacheManager := cache.NewManager(cfg.CacheTTL)

	// Initialize persistent storage
	store, err := storage.NewStorage(cfg.DataDir)
	if err != nil {
		log.Fatal("Failed to initialize storage:", err)
	}
	defer store.Close()

	// Session against the reader service
	sess := session.New(cfg.ServiceURL, cfg.Login, cfg.Password, cfg.RequestsPerSecond, nil)

	// Sync orchestrator and tag reconciler share the session and store
	orchestrator := syncer.NewOrchestrator(sess, store, cfg.StreamPrefetch, cfg.StreamPageSize)
	reconciler := tags.NewReconciler(sess, store)

	// Background sync poller
	backgroundPoller := poller.New(orchestrator, cacheManager, cfg.SyncInterval)
	backgroundPoller.Start()

	// Initialize API server
	server := api.NewServer(store, orchestrator, reconciler, backgroundPoller, cacheManager, cfg)

	log.Printf("Starting reader sync server on port %d", cfg.Port)
	log.Printf("Service URL: %s", cfg.ServiceURL)
	log.Printf("Data directory: %s", cfg.DataDir)
	log.Printf("Cache TTL: %v", cfg.CacheTTL)
	log.Printf("Background sync interval: %v", cfg.SyncInterval)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Create a context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start signal handler in goroutine
	go func() {
		<-sigChan
		log.Println("Received shutdown signal, stopping services...")
		backgroundPoller.Stop()
		cancel() // Cancel the context to stop the server
	}()

	// Start the server with context for graceful shutdown
	if err := server.StartWithContext(ctx); err != nil && err != context.Canceled {
		log.Fatal("Failed to start server:", err)
	}
}
