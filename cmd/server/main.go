package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"match-lab/api"
	"match-lab/internal"
	"match-lab/repositories"
	"match-lab/runtime"
	"match-lab/runtime/workers"
	"match-lab/transport/websocket"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and centralizes error reporting.
// Returning instead of calling os.Exit directly ensures all defers (like the
// database cleanup) are executed before the program exits.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Database (BadgerDB)
	options := badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(options)
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		// Defer ensures the database lock is released and buffers are flushed before the function returns.
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Core wiring: store -> registry -> transports
	repository := repositories.NewMatchRepository(db, logger)
	registry := runtime.NewMatchRegistry(repository, logger)

	playHandler := websocket.NewHandler(registry, config.AllowedOrigin, config.ConnectionBufferSize, logger)
	server := api.NewServer(registry, config.AllowedOrigin, logger)

	// 4. Background workers under supervision
	supervisor := workers.NewSupervisor(logger, config.RestartInterval)
	supervisor.Add(workers.NewTelemetryWorker(logger, config.MetricInterval, func() workers.MatchStats {
		stats := registry.Stats()
		return workers.MatchStats{
			CachedMatches:   stats.CachedMatches,
			LiveConnections: stats.LiveConnections,
		}
	}))
	go supervisor.Run(ctx)
	defer supervisor.Stop()

	// 5. HTTP server with graceful shutdown
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler: server.Router(playHandler.HandlePlay),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Match server listening on %s", httpServer.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitRuntime, fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return exitRuntime, fmt.Errorf("http shutdown failed: %w", err)
	}

	return exitOK, nil
}
