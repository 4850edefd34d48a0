// Package main implements the entry point for the runwatch broker.
// Runwatch fans workflow run events out from a broadcast ingress to
// WebSocket and SSE observers, with bounded backlog replay for late joiners.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/runwatch/backlog"
	"github.com/c360/runwatch/broker"
	"github.com/c360/runwatch/config"
	"github.com/c360/runwatch/ingress"
	"github.com/c360/runwatch/metric"
	"github.com/c360/runwatch/natsclient"
	"github.com/c360/runwatch/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "runwatch"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	metricsRegistry := metric.NewRegistry()

	// NATS backbone is only dialed when a backend needs it
	natsClient, err := setupNATS(ctx, cfg, logger, metricsRegistry.Core)
	if err != nil {
		return err
	}
	if natsClient != nil {
		defer func() { _ = natsClient.Close(ctx) }()
	}

	registry, err := setupRegistry(ctx, cfg, natsClient, logger, metricsRegistry.Core)
	if err != nil {
		return err
	}

	store, err := setupBacklog(ctx, cfg, natsClient, metricsRegistry.Core)
	if err != nil {
		return err
	}

	server, httpServer, err := assembleHTTPServer(cfg, registry, store, logger, metricsRegistry)
	if err != nil {
		return err
	}

	return serveWithSignalHandling(httpServer, server, logger, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg)
	slog.SetDefault(logger)

	slog.Info("Starting runwatch (workflow run broadcast broker)",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// setupNATS dials the backbone when the registry or backlog backend needs it.
func setupNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger,
	core *metric.CoreMetrics) (*natsclient.Client, error) {
	if cfg.Registry.Mode != config.RegistryModeNATS {
		return nil, nil
	}

	opts := []natsclient.ClientOption{
		natsclient.WithClientName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithCoreMetrics(core),
	}
	if cfg.Registry.NATS.Name != "" {
		opts = append(opts, natsclient.WithClientName(cfg.Registry.NATS.Name))
	}
	if cfg.Registry.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.Registry.NATS.MaxReconnects))
	}
	if cfg.Registry.NATS.ReconnectWait.Std() > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.Registry.NATS.ReconnectWait.Std()))
	}
	if cfg.Registry.NATS.ConnectTimeout.Std() > 0 {
		opts = append(opts, natsclient.WithConnectTimeout(cfg.Registry.NATS.ConnectTimeout.Std()))
	}

	client, err := natsclient.NewClient(cfg.Registry.NATS.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create nats client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return client, nil
}

// setupRegistry selects the connection registry backend.
func setupRegistry(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client,
	logger *slog.Logger, core *metric.CoreMetrics) (broker.Registry, error) {
	local := broker.NewMemory(logger, core)
	if cfg.Registry.Mode == config.RegistryModeMemory {
		return local, nil
	}

	relay := broker.NewNATS(local, natsClient, logger)
	if err := relay.Start(ctx); err != nil {
		return nil, fmt.Errorf("start nats registry: %w", err)
	}
	return relay, nil
}

// setupBacklog selects the backlog store backend.
func setupBacklog(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client,
	core *metric.CoreMetrics) (backlog.Store, error) {
	if cfg.Backlog.Mode == config.BacklogModeMemory {
		return backlog.NewMemory(cfg.Backlog.PerScope, core), nil
	}

	js, err := natsClient.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	store, err := backlog.NewJetStreamStore(ctx, js, backlog.JetStreamConfig{
		StreamName: cfg.Backlog.StreamName,
		PerScope:   cfg.Backlog.PerScope,
		MaxAge:     cfg.Backlog.MaxAge.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("create jetstream backlog: %w", err)
	}
	return store, nil
}

// assembleHTTPServer mounts every endpoint on one mux: observer streams,
// broadcast ingress, backlog replay, metrics and health.
func assembleHTTPServer(cfg *config.Config, registry broker.Registry, store backlog.Store,
	logger *slog.Logger, metricsRegistry *metric.Registry) (*transport.Server, *http.Server, error) {
	server := transport.NewServer(transport.Config{
		PingInterval:      cfg.Server.PingInterval.Std(),
		PongWait:          cfg.Server.PongWait.Std(),
		WriteTimeout:      cfg.Server.WriteTimeout.Std(),
		HeartbeatInterval: cfg.Server.HeartbeatInterval.Std(),
	}, registry, store, logger, metricsRegistry.Core)

	ingressHandler, err := ingress.NewHandler(ingress.Config{
		APIKey:         cfg.Ingress.APIKey,
		MaxRequestSize: cfg.Ingress.MaxRequestSize,
	}, registry, store, logger, metricsRegistry.Core)
	if err != nil {
		return nil, nil, fmt.Errorf("create ingress handler: %w", err)
	}

	mux := http.NewServeMux()
	server.RegisterHandlers(mux)
	mux.Handle("/broadcast", ingressHandler)
	mux.Handle("/metrics", metricsRegistry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"version":     Version,
			"connections": registry.ConnectionCount(),
		})
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server, httpServer, nil
}

// serveWithSignalHandling runs the HTTP server until SIGINT/SIGTERM, then
// drains connections within the shutdown timeout.
func serveWithSignalHandling(httpServer *http.Server, server *transport.Server,
	logger *slog.Logger, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Drain streaming connections first: SSE handlers only return once the
	// transport stops, and Shutdown waits for active handlers.
	if err := server.Stop(shutdownTimeout); err != nil {
		logger.Warn("Transport drain incomplete", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}
