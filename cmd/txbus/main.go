// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/txbus/bus"
	"github.com/absmach/txbus/config"
	"github.com/absmach/txbus/server/health"
	"github.com/absmach/txbus/server/otel"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	reset := flag.Bool("reset", false, "Delete all bus state before serving")
	dump := flag.Bool("dump", false, "Print the bus state as YAML and exit")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if *dump {
		// Keep stdout clean for the YAML document.
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
		slog.SetDefault(logger)
	}

	slog.Info("Starting txbus", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"storage", cfg.Storage.Type,
		"breaker_enabled", cfg.Storage.Breaker.Enabled,
		"sweep_interval", cfg.Bus.SweepInterval,
		"health_enabled", cfg.Server.HealthEnabled,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	instanceID := uuid.NewString()

	var telemetry *otel.Provider
	opts := []bus.Option{
		bus.WithLogger(logger),
		bus.WithPollInterval(cfg.Bus.PollInterval),
		bus.WithMaxConnectAttempts(cfg.Bus.MaxConnectAttempts),
	}
	if cfg.Bus.Seed != 0 {
		opts = append(opts, bus.WithSeed(cfg.Bus.Seed))
	}

	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		telemetry, err = otel.InitProvider(ctx, cfg.Otel, otel.Identity{
			InstanceID: instanceID,
			Storage:    cfg.Storage.Type,
		})
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Otel.Endpoint, "insecure", cfg.Otel.Insecure)

		if cfg.Otel.MetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			opts = append(opts, bus.WithMetrics(m))
			slog.Info("OTel metrics enabled")
		}

		if cfg.Otel.TracesEnabled {
			slog.Info("Distributed tracing enabled", "sample_rate", cfg.Otel.TraceSampleRate)
		} else {
			slog.Info("Distributed tracing disabled (zero overhead)")
		}
	}

	if *dump {
		b := bus.New(store, opts...)
		snap, err := b.LoadState(ctx)
		if err != nil {
			slog.Error("Failed to load bus state", "error", err)
			os.Exit(1)
		}
		if err := writeDump(os.Stdout, snap); err != nil {
			slog.Error("Failed to write bus state", "error", err)
			os.Exit(1)
		}
		return
	}

	opts = append(opts, bus.WithSweepInterval(cfg.Bus.SweepInterval))
	b := bus.New(store, opts...)

	if *reset {
		if err := b.ResetBus(ctx); err != nil {
			slog.Error("Failed to reset bus", "error", err)
			os.Exit(1)
		}
		slog.Info("Bus state reset")
	}

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("txbus started successfully", "bus_id", b.ID(), "instance_id", instanceID)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	if err := b.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if telemetry != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("txbus stopped")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
