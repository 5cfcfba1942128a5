// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory storage.Store. Every unit of work runs
// against copy-on-write clones of ordered indexes; a failed unit discards its
// clones, a successful one swaps them in.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/google/btree"
)

const degree = 32

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the source of transaction timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store is an in-memory transactional store.
type Store struct {
	mu     sync.RWMutex
	state  *state
	ids    *storage.IDGenerator
	now    func() time.Time
	closed bool
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		state: newState(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ids = storage.NewIDGenerator(s.now)
	return s
}

// Update runs fn against a private clone of the state and publishes the
// clone when fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	tx := &txn{
		reader: reader{st: s.state.clone(), now: storage.Micros(s.now())},
		ids:    s.ids,
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	return nil
}

// View runs fn against the current state under the read lock.
func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return storage.ErrClosed
	}

	return fn(&reader{st: s.state, now: storage.Micros(s.now())})
}

// Close drops the state. Later units fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.state = newState()
	return nil
}

// state holds one version of every index.
type state struct {
	// clients ordered by (ID, Serial).
	clients *btree.BTreeG[storage.Client]

	// sendable and receivable ordered by (Client, Type); receivers by
	// (Type, Client) for fan-out lookups.
	sendable   *btree.BTreeG[storage.Registration]
	receivable *btree.BTreeG[storage.Registration]
	receivers  *btree.BTreeG[storage.Registration]

	// messages ordered by receiver and delivery order; byID by (ID,
	// Receiver); byExpiry by (Expiration, Receiver, ID).
	messages *btree.BTreeG[storage.QueuedMessage]
	byID     *btree.BTreeG[storage.QueuedMessage]
	byExpiry *btree.BTreeG[storage.QueuedMessage]

	cancellable *btree.BTreeG[storage.MessageID]
}

func newState() *state {
	return &state{
		clients:     btree.NewG(degree, lessClient),
		sendable:    btree.NewG(degree, lessByClient),
		receivable:  btree.NewG(degree, lessByClient),
		receivers:   btree.NewG(degree, lessByType),
		messages:    btree.NewG(degree, lessDelivery),
		byID:        btree.NewG(degree, lessByID),
		byExpiry:    btree.NewG(degree, lessByExpiry),
		cancellable: btree.NewG(degree, func(a, b storage.MessageID) bool { return a < b }),
	}
}

func (st *state) clone() *state {
	return &state{
		clients:     st.clients.Clone(),
		sendable:    st.sendable.Clone(),
		receivable:  st.receivable.Clone(),
		receivers:   st.receivers.Clone(),
		messages:    st.messages.Clone(),
		byID:        st.byID.Clone(),
		byExpiry:    st.byExpiry.Clone(),
		cancellable: st.cancellable.Clone(),
	}
}

func lessClient(a, b storage.Client) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Serial < b.Serial
}

func lessByClient(a, b storage.Registration) bool {
	if a.Client != b.Client {
		return a.Client < b.Client
	}
	return a.Type < b.Type
}

func lessByType(a, b storage.Registration) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.Client < b.Client
}

func lessDelivery(a, b storage.QueuedMessage) bool {
	if a.Receiver != b.Receiver {
		return a.Receiver < b.Receiver
	}
	return storage.CompareDelivery(a, b) < 0
}

func lessByID(a, b storage.QueuedMessage) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Receiver < b.Receiver
}

func lessByExpiry(a, b storage.QueuedMessage) bool {
	if !a.Expiration.Equal(b.Expiration) {
		return a.Expiration.Before(b.Expiration)
	}
	if a.Receiver != b.Receiver {
		return a.Receiver < b.Receiver
	}
	return a.ID < b.ID
}
