package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-broker/internal/accounts"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/database"
	"github.com/ksred/klear-broker/internal/observability"
	"github.com/ksred/klear-broker/internal/server"
)

// main loads configuration, wires the services and serves the API until
// SIGINT or SIGTERM, then drains in-flight requests.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(cfg.Production(), cfg.LogLevel)
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	publisher, err := server.NewPublisher(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Str("backend", cfg.EventsBackend).Msg("Failed to initialize event publisher")
	}
	defer publisher.Close()

	metrics := observability.NewMetrics()
	srv := server.New(server.Dependencies{
		Config:    cfg,
		DB:        db,
		Publisher: publisher,
		Quotes:    server.NewQuoteProvider(cfg),
		News:      server.NewNewsProvider(cfg),
		Documents: accounts.NewDiskStore(cfg.UploadDir),
		Metrics:   metrics,
	})

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go srv.Limiter.Cleanup(cleanupCtx)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().
			Int("port", cfg.Port).
			Str("db_driver", cfg.DBDriver).
			Str("market_provider", cfg.MarketProvider).
			Str("events_backend", cfg.EventsBackend).
			Msg("Broker API listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}
