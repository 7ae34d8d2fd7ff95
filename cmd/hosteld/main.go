package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"

	"hostel-allocation-backend/config"
	"hostel-allocation-backend/internal/allocation"
	"hostel-allocation-backend/internal/api"
	"hostel-allocation-backend/internal/db"
	"hostel-allocation-backend/internal/ledger"
	"hostel-allocation-backend/internal/notification"
	"hostel-allocation-backend/internal/reconcile"
	"hostel-allocation-backend/internal/store"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := cfg.Log.NewLogger()
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "path", configPath)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)
	capacity := ledger.New(gormDB,
		ledger.WithMaxAttempts(cfg.Allocation.ReserveMaxAttempts),
		ledger.WithLogger(logger.With("component", "ledger")),
	)

	workflowOpts := []allocation.Option{
		allocation.WithCleanupTimeout(cfg.Allocation.CleanupTimeout),
		allocation.WithReleaseRetries(cfg.Allocation.ReleaseRetries),
		allocation.WithLogger(logger.With("component", "allocation")),
	}

	var webpushOptions *webpush.Options
	if cfg.Push.Enabled() {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		workerPool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		workerPool.Start(ctx)
		workflowOpts = append(workflowOpts, allocation.WithNotifier(workerPool))
	} else {
		logger.Warn("VAPID keys are not configured, bed available notifications are disabled")
	}

	workflow := allocation.NewService(appStore, capacity, workflowOpts...)

	handler := api.NewHandler(appStore, capacity, workflow, webpushOptions)
	router := api.NewRouter(&cfg.Server, handler)

	reconciler := reconcile.NewService(&cfg.Reconciler, capacity, appStore,
		reconcile.WithRepairHook(handler.InvalidateTenant))
	go reconciler.Run(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received, stopping services")

	// In-flight requests finish (and run their compensations) before the
	// background loops are cancelled.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Allocation.CleanupTimeout+5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown", "error", err)
	}
	cancel()

	logger.Info("server gracefully stopped")
}
