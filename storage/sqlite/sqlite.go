// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqlite provides a storage.Store on an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/absmach/txbus/storage/sqldb"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS clients (
  client_id INTEGER NOT NULL,
  serial INTEGER NOT NULL,
  connect_time INTEGER NOT NULL,
  disconnect_time INTEGER,
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
  message_id INTEGER NOT NULL,
  receiver_id INTEGER NOT NULL,
  sender_id INTEGER NOT NULL,
  send_time INTEGER NOT NULL,
  expiration_time INTEGER NOT NULL,
  priority INTEGER NOT NULL,
  type_id INTEGER NOT NULL,
  payload BLOB,
  PRIMARY KEY (receiver_id, message_id)
);
CREATE INDEX IF NOT EXISTS queued_messages_delivery_idx
  ON queued_messages (receiver_id, priority DESC, expiration_time, send_time, message_id);
CREATE INDEX IF NOT EXISTS queued_messages_id_idx ON queued_messages (message_id);
CREATE INDEX IF NOT EXISTS queued_messages_expiry_idx ON queued_messages (expiration_time);

CREATE TABLE IF NOT EXISTS cancellable_messages (
  message_id INTEGER NOT NULL PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS bus_meta (
  name TEXT NOT NULL PRIMARY KEY,
  value INTEGER NOT NULL
);
`

// New opens the database at path, creating and migrating it when needed.
func New(ctx context.Context, path string, opts ...sqldb.Option) (*sqldb.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite: empty db path")
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)

	if err := initDB(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s, err := sqldb.New(ctx, db, Dialect(), opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// dsn applies the pragmas to every pooled connection.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	return "file:" + path + "?" + q.Encode()
}

// Dialect returns the SQLite dialect: writers take the database lock up front
// with BEGIN IMMEDIATE, readers use deferred BEGIN over the WAL snapshot.
func Dialect() sqldb.Dialect {
	return sqldb.Dialect{
		Name: "sqlite",
		BeginWrite: func(ctx context.Context, db *sql.DB) (sqldb.Unit, error) {
			return sqldb.BeginConn(ctx, db, "BEGIN IMMEDIATE;")
		},
		BeginRead: func(ctx context.Context, db *sql.DB) (sqldb.Unit, error) {
			return sqldb.BeginConn(ctx, db, "BEGIN;")
		},
		IsUniqueViolation: isUniqueViolation,
	}
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

func initDB(ctx context.Context, db *sql.DB) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: read journal_mode: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	return migrate(ctx, db)
}

func migrate(ctx context.Context, db *sql.DB) error {
	unit, err := sqldb.BeginConn(ctx, db, "BEGIN IMMEDIATE;")
	if err != nil {
		return err
	}
	defer func() { _ = unit.Rollback() }()

	if _, err := unit.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	var current int
	err = unit.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
	hasVersion := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: read schema_version: %w", err)
	}

	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			if _, err := unit.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion || current != schemaVersion {
		if _, err := unit.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, schemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema_version: %w", err)
		}
	}

	return unit.Commit()
}
