// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/absmach/txbus/config"
	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/badger"
	"github.com/absmach/txbus/storage/breaker"
	"github.com/absmach/txbus/storage/codec"
	"github.com/absmach/txbus/storage/memory"
	"github.com/absmach/txbus/storage/postgres"
	"github.com/absmach/txbus/storage/sqlite"
)

// openStore builds the configured backend, wrapped in a circuit breaker when
// enabled.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	var store storage.Store
	switch cfg.Type {
	case "memory":
		store = memory.New()
		logger.Info("Using in-memory storage")
	case "badger":
		compression, err := codec.Parse(cfg.Badger.Compression)
		if err != nil {
			return nil, err
		}
		s, err := badger.New(badger.Config{
			Dir:         cfg.Badger.Dir,
			SyncWrites:  cfg.Badger.SyncWrites,
			Compression: compression,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger storage: %w", err)
		}
		store = s
		logger.Info("Using BadgerDB persistent storage", "dir", cfg.Badger.Dir, "compression", compression.String())
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		s, err := sqlite.New(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		store = s
		logger.Info("Using SQLite storage", "path", cfg.SQLite.Path)
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		store = s
		logger.Info("Using PostgreSQL storage")
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}

	if cfg.Breaker.Enabled {
		store = breaker.New(store, breaker.Config{
			Name:             cfg.Type,
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		}, logger)
		logger.Info("Store circuit breaker enabled",
			"failure_threshold", cfg.Breaker.FailureThreshold,
			"reset_timeout", cfg.Breaker.ResetTimeout)
	}

	return store, nil
}
