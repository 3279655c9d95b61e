// Command matchbook runs the order matching service: a price-time priority
// matching engine over a transactional order store, exposed over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/matchbook-io/matchbook/internal/config"
	"github.com/matchbook-io/matchbook/internal/database"
	"github.com/matchbook-io/matchbook/internal/engine"
	"github.com/matchbook-io/matchbook/internal/repository"
	"github.com/matchbook-io/matchbook/internal/server"
	"github.com/matchbook-io/matchbook/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level)
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("service exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	db, err := database.Open(cfg.Database, log)
	if err != nil {
		return err
	}

	store := repository.NewGormStore(db, log)
	eng := engine.New(store, log, engine.Options{
		QueueSize: cfg.Engine.QueueSize,
		Metrics:   prometheus.DefaultRegisterer,
	})

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		return err
	}

	srv := server.New(eng, store, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv.Router(cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting HTTP server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Warn("engine drain timed out", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}
