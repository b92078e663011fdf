/*
main.go - Application entry point

PURPOSE:
  Starts the remittance engine HTTP server. Handles configuration,
  dependency injection, the background scheduler and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Install the process logger
  3. Build the engine (telemetry, store, orchestrators, wallet)
  4. Configure the HTTP router
  5. Start the scheduler (if enabled) and the server

COMMAND-LINE FLAGS:
  -config  YAML config file (optional; DUES_* env vars override it)
  -port    HTTP server port (overrides server.port)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight tick)
  2. Stop accepting new connections
  3. Wait for active requests to complete (server.shutdown_timeout)
  4. Flush telemetry and close the database
  5. Exit

EXAMPLES:
  # Run with a config file
  ./server -config=./dues.yaml

  # Run against Postgres via environment
  DUES_DATABASE_DRIVER=postgres DUES_DATABASE_DSN=postgres://... ./server

SEE ALSO:
  - app/app.go: Engine wiring
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/remittance-engine/api"
	"github.com/warp/remittance-engine/app"
	"github.com/warp/remittance-engine/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	logger, err := app.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()
	engine, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := engine.Close(closeCtx); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()

	handler := api.NewHandler(engine.Dispatcher, engine.Store, engine.Wallet)

	limiter := api.NewRateLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst)
	defer limiter.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TriggerLimiter: limiter,
	})

	scheduler := api.NewScheduler(engine.Dispatcher)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.CalculateDay = cfg.Scheduler.CalculateDay
	if lock := engine.RunLock(); lock != nil {
		scheduler.Lock = lock
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr, "driver", cfg.Database.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		scheduler.Stop()
		return err
	}

	logger.Info("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
