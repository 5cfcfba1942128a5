// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sqldb implements storage.Store over database/sql. Backends supply a
// Dialect that knows how to open units and classify driver errors.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/txbus/storage"
)

var _ storage.Store = (*Store)(nil)

// Unit is an open database transaction. *sql.Tx satisfies it.
type Unit interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Dialect adapts the store to one database engine.
type Dialect struct {
	Name string

	// Numbered placeholders ($1, $2) instead of "?".
	Numbered bool

	BeginWrite func(ctx context.Context, db *sql.DB) (Unit, error)
	BeginRead  func(ctx context.Context, db *sql.DB) (Unit, error)

	IsUniqueViolation func(err error) bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the source of transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a storage.Store over a migrated database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	ids     *storage.IDGenerator

	queries sync.Map // query text -> rebound text

	// writeMu serializes writers of this process. Units of other processes
	// are still isolated by the database.
	writeMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// New wraps db, whose schema must already be migrated. The store owns db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	s := &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ids = storage.NewIDGenerator(s.now)

	var last sql.NullInt64
	err := db.QueryRowContext(ctx, s.rebind(`SELECT value FROM bus_meta WHERE name = ?`), metaLastID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: load id high-water mark: %w", dialect.Name, err)
	}
	s.ids.Observe(last.Int64)
	return s, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Update runs fn inside one write unit.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	unit, err := s.dialect.BeginWrite(ctx, s.db)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", s.dialect.Name, err)
	}

	tx := &txn{
		reader: reader{ctx: ctx, unit: unit, store: s, now: storage.Micros(s.now())},
	}
	if err := fn(tx); err != nil {
		_ = unit.Rollback()
		return err
	}
	if tx.lastID != 0 {
		if err := tx.saveLastID(); err != nil {
			_ = unit.Rollback()
			return err
		}
	}
	if err := unit.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", s.dialect.Name, err)
	}
	return nil
}

// View runs fn inside one read unit.
func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	unit, err := s.dialect.BeginRead(ctx, s.db)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", s.dialect.Name, err)
	}
	defer func() { _ = unit.Rollback() }()

	return fn(&reader{ctx: ctx, unit: unit, store: s, now: storage.Micros(s.now())})
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// rebind rewrites "?" placeholders for dialects with numbered parameters.
func (s *Store) rebind(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	if q, ok := s.queries.Load(query); ok {
		return q.(string)
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	q := b.String()
	s.queries.Store(query, q)
	return q
}

// ConnUnit runs a transaction on a dedicated connection with explicit
// BEGIN/COMMIT statements, for engines whose locking mode is chosen by the
// BEGIN form.
type ConnUnit struct {
	*sql.Conn
	done bool
}

// BeginConn opens a dedicated connection and executes begin on it.
func BeginConn(ctx context.Context, db *sql.DB, begin string) (*ConnUnit, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, begin); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &ConnUnit{Conn: conn}, nil
}

// Commit commits and releases the connection.
func (u *ConnUnit) Commit() error {
	return u.finish("COMMIT")
}

// Rollback rolls back and releases the connection. It is a no-op after the
// unit finished.
func (u *ConnUnit) Rollback() error {
	return u.finish("ROLLBACK")
}

func (u *ConnUnit) finish(stmt string) error {
	if u.done {
		return nil
	}
	u.done = true

	_, err := u.Conn.ExecContext(context.Background(), stmt)
	if err != nil && stmt == "COMMIT" {
		_, _ = u.Conn.ExecContext(context.Background(), "ROLLBACK")
	}
	return errors.Join(err, u.Conn.Close())
}
