// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a storage.Store persisted in BadgerDB.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/codec"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data

	// InMemory keeps the database off disk; Dir is ignored.
	InMemory bool

	SyncWrites  bool
	Compression codec.Compression
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the source of transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is a BadgerDB-backed transactional store. Badger transactions are
// optimistic; writers are serialized by a store mutex so a unit never fails
// with a conflict.
type Store struct {
	db          *badger.DB
	compression codec.Compression
	now         func() time.Time
	ids         *storage.IDGenerator

	writeMu  sync.Mutex
	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.RWMutex
}

// New opens or creates a BadgerDB-backed store.
func New(cfg Config, opts ...Option) (*Store, error) {
	bopts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.Logger = nil // Disable BadgerDB's internal logging
	// Disable encryption to avoid "Invalid datakey id" errors on restart
	bopts.EncryptionKey = nil
	bopts.EncryptionKeyRotationDuration = 0
	bopts.SyncWrites = cfg.SyncWrites
	bopts.NumVersionsToKeep = 1
	bopts.NumCompactors = 2
	bopts.NumLevelZeroTables = 5
	bopts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s := &Store{
		db:          db,
		compression: cfg.Compression,
		now:         time.Now,
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ids = storage.NewIDGenerator(s.now)

	last, err := s.loadLastID()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ids.Observe(last)

	// Start background value log GC
	go s.runGC()

	return s, nil
}

func (s *Store) loadLastID() (int64, error) {
	var last int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyLastID)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return errCorrupt
			}
			last = getInt64(val)
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("load id high-water mark: %w", err)
	}
	return last, nil
}

// Update runs fn inside a badger read-write transaction. A unit whose writes
// outgrow one transaction (badger.ErrTxnTooBig) commits what it staged and
// continues in a fresh one under the same writer lock. Readers may observe
// that intermediate state, and an error returned after it keeps the
// committed part.
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

	tx := &txn{
		reader:      reader{txn: s.db.NewTransaction(true), now: storage.Micros(s.now())},
		db:          s.db,
		ids:         s.ids,
		compression: s.compression,
	}
	defer func() { tx.txn.Discard() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.saveLastID(); err != nil {
		return err
	}
	return tx.txn.Commit()
}

// View runs fn inside one badger read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	return s.db.View(func(btx *badger.Txn) error {
		return fn(&reader{txn: btx, now: storage.Micros(s.now())})
	})
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Signal GC goroutine to stop
	close(s.gcStopCh)

	// Wait for GC to finish
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// No GC needed is reported as an error as well.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			// GC during close can cause "Invalid datakey id" errors on restart.
			return
		}
	}
}
