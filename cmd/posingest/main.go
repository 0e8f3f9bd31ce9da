// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/davitacols/supawave-sub002/internal/config"
	"github.com/davitacols/supawave-sub002/internal/ingest"
	"github.com/davitacols/supawave-sub002/internal/logging"
	"github.com/davitacols/supawave-sub002/pos"
)

func main() {
	var (
		addrFlag    = flag.String("addr", ":8080", "Listen address")
		catalogFlag = flag.String("catalog", "", "YAML catalog seed file")
		verboseFlag = flag.Bool("verbose", false, "Log every request")
	)
	flag.Parse()
	_ = godotenv.Load()

	level := "info"
	if *verboseFlag {
		level = "debug"
	}
	logger, err := logging.New(config.LoggerConfig{Level: level, Mode: os.Getenv("LOG_MODE")})
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logger.Close()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}

	var catalog *pos.Catalog
	if *catalogFlag != "" {
		if catalog, err = ingest.LoadCatalog(*catalogFlag); err != nil {
			log.Fatalf("Failed to load catalog: %v", err)
		}
		logger.Info("catalog loaded", "products", len(catalog.Products), "customers", len(catalog.Customers))
	}

	var ledger ingest.Ledger = ingest.NewMemoryLedger()
	if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		pg, err := ingest.NewPostgresLedger(ctx, databaseURL, logger.Logger)
		cancel()
		if err != nil {
			log.Fatalf("Failed to connect ledger: %v", err)
		}
		ledger = pg
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory ledger")
	}
	defer ledger.Close()

	srv, err := ingest.NewServer(ingest.Config{
		JWTSecret:   jwtSecret,
		Ledger:      ledger,
		Catalog:     catalog,
		LogRequests: *verboseFlag,
		Logger:      logger.Logger,
	})
	if err != nil {
		log.Fatalf("Failed to set up server: %v", err)
	}

	httpServer := &http.Server{
		Addr:         *addrFlag,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting ingest server", "addr", httpServer.Addr)
		logger.Info("  POST /sales                  - Record a sale (Idempotency-Key)")
		logger.Info("  POST /inventory/updates      - Record an absolute stock level")
		logger.Info("  POST /inventory/adjustments  - Record a stock delta")
		logger.Info("  GET  /catalog                - Bulk products and customers")
		logger.Info("  GET  /health                 - Liveness, no auth")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("Server exited")
}
