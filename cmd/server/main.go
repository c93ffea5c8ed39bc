package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"order-sync-service/internal/api"
	"order-sync-service/internal/config"
	"order-sync-service/internal/database"
	"order-sync-service/internal/logger"
	"order-sync-service/internal/network"
	"order-sync-service/internal/orders"
	"order-sync-service/internal/remote"
	"order-sync-service/internal/store"
	"order-sync-service/internal/sync"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Init Logger
	if err := logger.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg); err != nil {
		logger.Log.Error("Order sync service stopped with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) (err error) {
	logger.Log.Info("Starting order sync service", zap.String("storage", cfg.StateStorage.Type))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Init State Store
	db, err := database.NewDatabase(cfg.StateStorage)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return err
	}
	stateStore := store.NewSQLStore(db)
	defer func() {
		err = multierr.Append(err, stateStore.Close())
	}()

	// Init Sync Manager
	client := remote.NewClient(cfg.Remote)
	monitor := network.NewProbeMonitor(cfg.Network)
	syncManager := sync.NewManager(cfg.Sync, stateStore, client, monitor)
	if err := syncManager.Start(ctx); err != nil {
		return err
	}
	defer syncManager.Stop()

	scheduler := sync.NewScheduler(cfg.Scheduler, syncManager, sync.NewCatalog(client, stateStore))
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Stop()

	// Init API
	hub := api.NewHub()
	go hub.Run()
	hub.Attach(syncManager)
	defer hub.Stop()

	orderService := orders.NewService(stateStore, syncManager, cfg.Sync.DefaultPriority)
	handler := api.NewHandler(cfg.Server, syncManager, orderService, stateStore, hub)

	// Start Server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Graceful Shutdown
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Log.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
