// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. TXBUS_STORAGE_TYPE.
const EnvPrefix = "TXBUS_"

// Config holds all configuration for the bus daemon.
type Config struct {
	Log     LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Bus     BusConfig     `yaml:"bus" envPrefix:"BUS_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Server  ServerConfig  `yaml:"server" envPrefix:"SERVER_"`
	Otel    OtelConfig    `yaml:"otel" envPrefix:"OTEL_"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // text, json
}

// BusConfig holds procedure settings.
type BusConfig struct {
	// Seed of random receiver selection; 0 picks a random seed at start.
	Seed uint64 `yaml:"seed" env:"SEED"`

	PollInterval       time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"` // 0 disables the janitor
	MaxConnectAttempts int           `yaml:"max_connect_attempts" env:"MAX_CONNECT_ATTEMPTS"`
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Type string `yaml:"type" env:"TYPE"` // memory, badger, sqlite, postgres

	Badger   BadgerConfig   `yaml:"badger" envPrefix:"BADGER_"`
	SQLite   SQLiteConfig   `yaml:"sqlite" envPrefix:"SQLITE_"`
	Postgres PostgresConfig `yaml:"postgres" envPrefix:"POSTGRES_"`
	Breaker  BreakerConfig  `yaml:"breaker" envPrefix:"BREAKER_"`
}

// BadgerConfig holds BadgerDB settings.
type BadgerConfig struct {
	Dir         string `yaml:"dir" env:"DIR"`
	SyncWrites  bool   `yaml:"sync_writes" env:"SYNC_WRITES"`
	Compression string `yaml:"compression" env:"COMPRESSION"` // none, s2, zstd
}

// SQLiteConfig holds SQLite settings.
type SQLiteConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// PostgresConfig holds PostgreSQL settings.
type PostgresConfig struct {
	DSN          string `yaml:"dsn" env:"DSN"`
	MaxOpenConns int    `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
}

// BreakerConfig holds the store circuit breaker settings.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	HealthEnabled   bool          `yaml:"health_enabled" env:"HEALTH_ENABLED"`
	HealthAddr      string        `yaml:"health_addr" env:"HEALTH_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// OtelConfig holds OpenTelemetry configuration.
type OtelConfig struct {
	ServiceName     string  `yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"SERVICE_VERSION"`
	Endpoint        string  `yaml:"endpoint" env:"ENDPOINT"` // OTLP gRPC collector
	MetricsEnabled  bool    `yaml:"metrics_enabled" env:"METRICS_ENABLED"`
	TracesEnabled   bool    `yaml:"traces_enabled" env:"TRACES_ENABLED"`
	TraceSampleRate float64 `yaml:"trace_sample_rate" env:"TRACE_SAMPLE_RATE"` // 0.0 to 1.0

	// Insecure selects a plaintext collector connection. Otherwise TLS is
	// used, verified against CAFile or the system roots.
	Insecure bool              `yaml:"insecure" env:"INSECURE"`
	CAFile   string            `yaml:"ca_file" env:"CA_FILE"`
	Headers  map[string]string `yaml:"headers" env:"HEADERS"` // key:value,key:value in the environment

	ExportInterval time.Duration `yaml:"export_interval" env:"EXPORT_INTERVAL"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Bus: BusConfig{
			PollInterval:       100 * time.Millisecond,
			SweepInterval:      time.Minute,
			MaxConnectAttempts: 16,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			Badger: BadgerConfig{
				Dir:         "/tmp/txbus/badger",
				Compression: "none",
			},
			SQLite: SQLiteConfig{
				Path: "/tmp/txbus/bus.db",
			},
			Postgres: PostgresConfig{
				MaxOpenConns: 16,
			},
			Breaker: BreakerConfig{
				Enabled:          false,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Server: ServerConfig{
			HealthEnabled:   true,
			HealthAddr:      ":8081",
			ShutdownTimeout: 30 * time.Second,
		},
		Otel: OtelConfig{
			ServiceName:     "txbus",
			ServiceVersion:  "1.0.0",
			Endpoint:        "localhost:4317",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1, // 10% sampling when enabled
			Insecure:        true,
			ExportInterval:  10 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides on top. If the file doesn't exist, the defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overwrites the fields of cfg whose TXBUS_ variable is set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Bus.PollInterval < time.Millisecond {
		return fmt.Errorf("bus.poll_interval must be at least 1ms")
	}
	if c.Bus.SweepInterval < 0 {
		return fmt.Errorf("bus.sweep_interval cannot be negative")
	}
	if c.Bus.MaxConnectAttempts < 1 {
		return fmt.Errorf("bus.max_connect_attempts must be at least 1")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.Badger.Dir == "" {
			return fmt.Errorf("storage.badger.dir required when type is badger")
		}
		validCompression := map[string]bool{"none": true, "s2": true, "zstd": true}
		if !validCompression[c.Storage.Badger.Compression] {
			return fmt.Errorf("storage.badger.compression must be one of: none, s2, zstd")
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path required when type is sqlite")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn required when type is postgres")
		}
		if c.Storage.Postgres.MaxOpenConns < 1 {
			return fmt.Errorf("storage.postgres.max_open_conns must be at least 1")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger, sqlite, postgres")
	}

	if c.Storage.Breaker.Enabled {
		if c.Storage.Breaker.FailureThreshold < 1 {
			return fmt.Errorf("storage.breaker.failure_threshold must be at least 1")
		}
		if c.Storage.Breaker.ResetTimeout < time.Second {
			return fmt.Errorf("storage.breaker.reset_timeout must be at least 1 second")
		}
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout cannot be negative")
	}

	// OpenTelemetry validation (only if enabled)
	if c.Otel.MetricsEnabled || c.Otel.TracesEnabled {
		if c.Otel.ServiceName == "" {
			return fmt.Errorf("otel.service_name cannot be empty when telemetry is enabled")
		}
		if c.Otel.Endpoint == "" {
			return fmt.Errorf("otel.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Otel.TraceSampleRate < 0.0 || c.Otel.TraceSampleRate > 1.0 {
			return fmt.Errorf("otel.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Otel.Insecure && c.Otel.CAFile != "" {
			return fmt.Errorf("otel.ca_file requires otel.insecure to be false")
		}
		if c.Otel.MetricsEnabled && c.Otel.ExportInterval < time.Second {
			return fmt.Errorf("otel.export_interval must be at least 1 second")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
