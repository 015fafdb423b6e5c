package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filedrop/internal/server/api"
	"filedrop/internal/server/config"
	"filedrop/internal/server/database"
	"filedrop/internal/server/service"
	"filedrop/internal/server/storage"
)

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"storage_path", cfg.Storage.Path,
		"max_file_size", cfg.Upload.MaxFileSize,
		"seeded_tokens", len(cfg.Tokens),
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.Storage.Path)
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage initialized", "path", cfg.Storage.Path)

	// Initialize repositories and services
	fileRepo := database.NewFileRepository(db)
	tokenRepo := database.NewTokenRepository(db)
	files := service.NewFileService(fileRepo, tokenRepo, store, cfg)
	tokens := service.NewTokenService(tokenRepo)

	// Seed config-declared tokens
	if err := tokens.Seed(ctx, cfg.Tokens); err != nil {
		slog.Error("failed to seed tokens", "error", err)
		os.Exit(1)
	}

	// Start orphan-blob sweeper
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	sweeper := storage.NewSweeper(store, files.BlobStatus, cfg.Storage.SweepInterval, cfg.Storage.SweepGrace)
	sweeper.Start(sweepCtx)

	// Setup HTTP router
	handler := api.NewHandler(files, tokens, db, cfg)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.Server.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop the sweeper
	sweepCancel()
	sweeper.Wait()

	slog.Info("server exited cleanly")
}
