// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Type != "sqlite" {
		t.Errorf("expected default storage sqlite, got %s", cfg.Storage.Type)
	}
	if cfg.Bus.PollInterval != 100*time.Millisecond {
		t.Errorf("expected poll interval 100ms, got %v", cfg.Bus.PollInterval)
	}
	if cfg.Bus.MaxConnectAttempts != 16 {
		t.Errorf("expected 16 connect attempts, got %d", cfg.Bus.MaxConnectAttempts)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "memory storage",
			modify: func(c *Config) {
				c.Storage.Type = "memory"
			},
			wantErr: false,
		},
		{
			name: "unknown storage",
			modify: func(c *Config) {
				c.Storage.Type = "voltdb"
			},
			wantErr: true,
		},
		{
			name: "badger without dir",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.Badger.Dir = ""
			},
			wantErr: true,
		},
		{
			name: "badger with unknown compression",
			modify: func(c *Config) {
				c.Storage.Type = "badger"
				c.Storage.Badger.Compression = "lz4"
			},
			wantErr: true,
		},
		{
			name: "postgres without dsn",
			modify: func(c *Config) {
				c.Storage.Type = "postgres"
			},
			wantErr: true,
		},
		{
			name: "postgres with dsn",
			modify: func(c *Config) {
				c.Storage.Type = "postgres"
				c.Storage.Postgres.DSN = "postgres://localhost/txbus"
			},
			wantErr: false,
		},
		{
			name: "breaker reset too short",
			modify: func(c *Config) {
				c.Storage.Breaker.Enabled = true
				c.Storage.Breaker.ResetTimeout = 10 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "poll interval too short",
			modify: func(c *Config) {
				c.Bus.PollInterval = 0
			},
			wantErr: true,
		},
		{
			name: "no connect attempts",
			modify: func(c *Config) {
				c.Bus.MaxConnectAttempts = 0
			},
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Otel.TracesEnabled = true
				c.Otel.TraceSampleRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "ca file with insecure collector",
			modify: func(c *Config) {
				c.Otel.MetricsEnabled = true
				c.Otel.CAFile = "/etc/txbus/ca.pem"
			},
			wantErr: true,
		},
		{
			name: "tls collector with ca file",
			modify: func(c *Config) {
				c.Otel.MetricsEnabled = true
				c.Otel.Insecure = false
				c.Otel.CAFile = "/etc/txbus/ca.pem"
			},
			wantErr: false,
		},
		{
			name: "export interval too short",
			modify: func(c *Config) {
				c.Otel.MetricsEnabled = true
				c.Otel.ExportInterval = 100 * time.Millisecond
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadNonExistent(t *testing.T) {
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatalf("Load() should return default config and no error when file doesn't exist, got error: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load() should return a default config, got nil")
	}

	if cfg.Storage.SQLite.Path != "/tmp/txbus/bus.db" {
		t.Errorf("expected default config, got sqlite path %s", cfg.Storage.SQLite.Path)
	}
}

func TestSaveLoad(t *testing.T) {
	tmpfile := t.TempDir() + "/config.yaml"

	cfg := Default()
	cfg.Storage.Type = "badger"
	cfg.Storage.Badger.Compression = "zstd"
	cfg.Bus.SweepInterval = 5 * time.Second
	cfg.Log.Level = "debug"

	if err := cfg.Save(tmpfile); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Storage.Type != "badger" {
		t.Errorf("expected storage badger, got %s", loaded.Storage.Type)
	}
	if loaded.Storage.Badger.Compression != "zstd" {
		t.Errorf("expected compression zstd, got %s", loaded.Storage.Badger.Compression)
	}
	if loaded.Bus.SweepInterval != 5*time.Second {
		t.Errorf("expected sweep interval 5s, got %v", loaded.Bus.SweepInterval)
	}
	if loaded.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", loaded.Log.Level)
	}
}

func TestLoadInvalid(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(tmpfile, []byte("storage:\n  type: voltdb\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Error("expected invalid storage type to fail")
	}

	if err := os.WriteFile(tmpfile, []byte("log: [\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(tmpfile); err == nil {
		t.Error("expected malformed yaml to fail")
	}
}

func TestEnvOverrides(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "config.yaml")
	data := "storage:\n  type: badger\n  badger:\n    dir: /var/lib/txbus\nbus:\n  seed: 3\n"
	if err := os.WriteFile(tmpfile, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TXBUS_STORAGE_TYPE", "memory")
	t.Setenv("TXBUS_BUS_SWEEP_INTERVAL", "15s")
	t.Setenv("TXBUS_STORAGE_BREAKER_ENABLED", "true")
	t.Setenv("TXBUS_LOG_FORMAT", "json")
	t.Setenv("TXBUS_OTEL_HEADERS", "authorization:Bearer abc,tenant:blue")

	cfg, err := Load(tmpfile)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Type != "memory" {
		t.Errorf("expected env to override storage type, got %s", cfg.Storage.Type)
	}
	if cfg.Storage.Badger.Dir != "/var/lib/txbus" {
		t.Errorf("expected file value to survive, got %s", cfg.Storage.Badger.Dir)
	}
	if cfg.Bus.Seed != 3 {
		t.Errorf("expected seed 3, got %d", cfg.Bus.Seed)
	}
	if cfg.Bus.SweepInterval != 15*time.Second {
		t.Errorf("expected sweep interval 15s, got %v", cfg.Bus.SweepInterval)
	}
	if !cfg.Storage.Breaker.Enabled {
		t.Error("expected breaker enabled from env")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("expected json log format, got %s", cfg.Log.Format)
	}
	if got := cfg.Otel.Headers["tenant"]; got != "blue" {
		t.Errorf("expected otel header tenant=blue, got %q", got)
	}
	if got := cfg.Otel.Headers["authorization"]; got != "Bearer abc" {
		t.Errorf("expected otel authorization header, got %q", got)
	}

	t.Setenv("TXBUS_BUS_POLL_INTERVAL", "often")
	if _, err := Load(tmpfile); err == nil {
		t.Error("expected malformed duration to fail")
	}
}
