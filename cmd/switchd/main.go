// Package main implements the entry point for the switch daemon: a
// non-custodial Interledger uplink host that connects the configured
// upstream connectors, routes packets, and streams settlements.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Kava-Labs/switch-api/config"
	"github.com/Kava-Labs/switch-api/health"
	"github.com/Kava-Labs/switch-api/metric"
	"github.com/Kava-Labs/switch-api/natsclient"
	"github.com/Kava-Labs/switch-api/pkg/observable"
	"github.com/Kava-Labs/switch-api/rate"
	"github.com/Kava-Labs/switch-api/settler"
	"github.com/Kava-Labs/switch-api/storage/natskv"
	"github.com/Kava-Labs/switch-api/transport/wsrpc"
	"github.com/Kava-Labs/switch-api/uplink"
)

const (
	Version = "0.1.0"
	appName = "switchd"

	defaultBucket = "switch-balances"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("switch daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting switch daemon",
		"version", Version,
		"config", cliCfg.ConfigPath,
		"credentials", len(cfg.Credentials))

	ctx := context.Background()

	nats, err := connectNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		nats.Close(closeCtx)
	}()

	bucket := cfg.NATS.Bucket
	if bucket == "" {
		bucket = defaultBucket
	}
	store, err := natskv.Open(ctx, nats.Conn(), bucket)
	if err != nil {
		return err
	}

	maxInFlight, err := cfg.MaxInFlight()
	if err != nil {
		return err
	}

	metrics := metric.NewRegistry()
	client := uplink.Client{
		MaxInFlightUSD: maxInFlight,
		Rates:          rate.NewStatic(cfg.RateSource()),
		Settlers:       settler.NewRegistry(),
		Store:          store,
		Logger:         logger,
		Metrics:        metrics,
	}

	manager := uplink.NewManager(logger)
	for _, cred := range cfg.Credentials {
		if err := connectUplink(ctx, client, manager, cred, logger); err != nil {
			logger.Error("uplink connect failed", "credentialId", cred.ID, "error", err)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
			defer cancel()
			if dErr := manager.DisconnectAll(shutdownCtx); dErr != nil {
				logger.Warn("teardown after failed connect incomplete", "error", dErr)
			}
			return err
		}
	}

	httpServer := serveHealth(cliCfg.HealthAddress, nats, manager, metrics, logger)

	return waitForShutdown(manager, httpServer, cliCfg.ShutdownTimeout, logger)
}

func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	nats, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithLogger(logger),
		natsclient.WithName(appName))
	if err != nil {
		return nil, err
	}
	if err := nats.Connect(ctx); err != nil {
		return nil, err
	}
	return nats, nil
}

// connectUplink builds the websocket transport for one credential and
// promotes it. Capacity figures start at zero; the settlement engine
// owning the credential updates them over the life of the connection.
func connectUplink(
	ctx context.Context,
	client uplink.Client,
	manager *uplink.Manager,
	cred config.CredentialConfig,
	logger *slog.Logger,
) error {
	base := uplink.BaseUplink{
		Transport: wsrpc.New(wsrpc.Config{
			URL:       cred.URL,
			AuthToken: cred.AuthToken,
			Logger:    logger,
		}),
		SettlementType:   cred.SettlementType,
		CredentialID:     cred.ID,
		OutgoingCapacity: observable.New(uint64(0)),
		IncomingCapacity: observable.New(uint64(0)),
		TotalReceived:    observable.New(uint64(0)),
		TotalSent:        observable.New(uint64(0)),
	}

	ready, err := uplink.Connect(ctx, client, base, uplink.Config{
		ServerSecret: cred.ServerSecret(),
	})
	if err != nil {
		return err
	}

	manager.Add(ready)
	return nil
}

func serveHealth(
	address string,
	nats *natsclient.Client,
	manager *uplink.Manager,
	metrics *metric.Registry,
	logger *slog.Logger,
) *http.Server {
	if address == "" {
		return nil
	}

	monitor := health.NewMonitor()
	monitor.Register(health.ReporterFunc(func() health.Status {
		if nats.IsHealthy() {
			return health.Healthy("nats")
		}
		return health.Unhealthy("nats", "connection "+nats.Status().String())
	}))
	monitor.Register(health.ReporterFunc(func() health.Status {
		if len(manager.List()) == 0 {
			return health.Degraded("uplinks", "no uplinks connected")
		}
		return health.Healthy("uplinks")
	}))

	mux := http.NewServeMux()
	mux.Handle("/healthz", monitor.Handler())
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health endpoint listening", "address", address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health endpoint failed", "error", err)
		}
	}()
	return server
}

func waitForShutdown(
	manager *uplink.Manager,
	httpServer *http.Server,
	timeout time.Duration,
	logger *slog.Logger,
) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	logger.Info("shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("health endpoint shutdown failed", "error", err)
		}
	}

	if err := manager.DisconnectAll(ctx); err != nil {
		return fmt.Errorf("uplink teardown incomplete: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}
