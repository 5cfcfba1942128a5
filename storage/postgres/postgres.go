// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres provides a storage.Store on PostgreSQL. Units run at
// SERIALIZABLE isolation; serialization failures are returned to the caller.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/absmach/txbus/storage/sqldb"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaV1 = `
CREATE TABLE IF NOT EXISTS clients (
  client_id INTEGER NOT NULL,
  serial BIGINT NOT NULL,
  connect_time BIGINT NOT NULL,
  disconnect_time BIGINT,
  PRIMARY KEY (client_id, serial)
);
CREATE UNIQUE INDEX IF NOT EXISTS clients_connected_idx ON clients (client_id) WHERE disconnect_time IS NULL;

CREATE TABLE IF NOT EXISTS sendable (
  client_id INTEGER NOT NULL,
  type_id INTEGER NOT NULL,
  PRIMARY KEY (client_id, type_id)
);

CREATE TABLE IF NOT EXISTS receivable (
  client_id INTEGER NOT NULL,
  type_id INTEGER NOT NULL,
  PRIMARY KEY (client_id, type_id)
);
CREATE INDEX IF NOT EXISTS receivable_type_idx ON receivable (type_id, client_id);

CREATE TABLE IF NOT EXISTS queued_messages (
  message_id BIGINT NOT NULL,
  receiver_id INTEGER NOT NULL,
  sender_id INTEGER NOT NULL,
  send_time BIGINT NOT NULL,
  expiration_time BIGINT NOT NULL,
  priority SMALLINT NOT NULL,
  type_id INTEGER NOT NULL,
  payload BYTEA,
  PRIMARY KEY (receiver_id, message_id)
);
CREATE INDEX IF NOT EXISTS queued_messages_delivery_idx
  ON queued_messages (receiver_id, priority DESC, expiration_time, send_time, message_id);
CREATE INDEX IF NOT EXISTS queued_messages_id_idx ON queued_messages (message_id);
CREATE INDEX IF NOT EXISTS queued_messages_expiry_idx ON queued_messages (expiration_time);

CREATE TABLE IF NOT EXISTS cancellable_messages (
  message_id BIGINT NOT NULL PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS bus_meta (
  name TEXT NOT NULL PRIMARY KEY,
  value BIGINT NOT NULL
);
`

// Config holds PostgreSQL connection settings.
type Config struct {
	DSN          string
	MaxOpenConns int
}

// New connects to the database and creates the schema when missing.
func New(ctx context.Context, cfg Config, opts ...sqldb.Option) (*sqldb.Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres: empty dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	db.SetMaxOpenConns(maxOpen)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	s, err := sqldb.New(ctx, db, Dialect(), opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the PostgreSQL dialect.
func Dialect() sqldb.Dialect {
	return sqldb.Dialect{
		Name:     "postgres",
		Numbered: true,
		BeginWrite: func(ctx context.Context, db *sql.DB) (sqldb.Unit, error) {
			return db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		},
		BeginRead: func(ctx context.Context, db *sql.DB) (sqldb.Unit, error) {
			return db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable, ReadOnly: true})
		},
		IsUniqueViolation: isUniqueViolation,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsSerializationFailure reports whether err is a SERIALIZABLE conflict the
// caller may retry.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}
