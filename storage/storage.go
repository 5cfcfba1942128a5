// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the records of the bus and the transactional store
// contract every backend implements.
package storage

import (
	"context"
	"errors"
	"math"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store closed")

	// ErrUserAbort marks errors returned on purpose by a unit of work to
	// abort it. Wrapping errors are precondition failures, not store faults.
	ErrUserAbort = errors.New("unit aborted")
)

// ClientID identifies a connected client.
type ClientID int32

// MessageID identifies one logical send. Fan-out copies share it.
type MessageID int64

// TypeID is an application-defined message type tag.
type TypeID int32

// Priority orders delivery; larger values are delivered first.
type Priority int16

// Forever is the expiration of messages sent without one.
var Forever = time.UnixMicro(math.MaxInt64).UTC()

// Micros truncates t to the precision every backend stores.
func Micros(t time.Time) time.Time {
	return time.UnixMicro(t.UnixMicro()).UTC()
}

// Client is one connection of a client to the bus.
type Client struct {
	ID             ClientID
	Serial         int64
	ConnectTime    time.Time
	DisconnectTime *time.Time
}

// Connected reports whether the row describes a live connection.
func (c Client) Connected() bool {
	return c.DisconnectTime == nil
}

// Registration grants a client permission to send or receive a message type.
type Registration struct {
	Client ClientID
	Type   TypeID
}

// QueuedMessage is one pending copy of a message for one receiver.
type QueuedMessage struct {
	ID         MessageID
	Receiver   ClientID
	Sender     ClientID
	SendTime   time.Time
	Expiration time.Time
	Priority   Priority
	Type       TypeID
	Payload    []byte
}

// PayloadSize returns the payload length in bytes.
func (m QueuedMessage) PayloadSize() int {
	return len(m.Payload)
}

// VisibleAt reports whether the message may be delivered at now.
func (m QueuedMessage) VisibleAt(now time.Time) bool {
	return now.Before(m.Expiration)
}

// Clone returns a copy that does not share the payload buffer.
func (m QueuedMessage) Clone() QueuedMessage {
	cp := m
	if m.Payload != nil {
		cp.Payload = make([]byte, len(m.Payload))
		copy(cp.Payload, m.Payload)
	}
	return cp
}

// Snapshot is the full state of a store.
type Snapshot struct {
	Clients     []Client
	Sendable    []Registration
	Receivable  []Registration
	Cancellable []MessageID
	Messages    []QueuedMessage
}

// MessageQuery selects messages of one receiver in delivery order.
type MessageQuery struct {
	Receiver    ClientID
	MinPriority Priority

	// Limit caps the result; 0 returns every match.
	Limit int

	// VisibleAt hides messages expired at that instant. The zero value
	// disables expiration filtering.
	VisibleAt time.Time
}

// ReadTx is the read side of a unit of work.
type ReadTx interface {
	// Now returns the transaction timestamp. It is fixed for the unit.
	Now() time.Time

	// ConnectedClients returns the connected members of ids, sorted
	// ascending and without duplicates.
	ConnectedClients(ids []ClientID) ([]ClientID, error)

	// IsSendable reports whether client may send messages of typ.
	IsSendable(client ClientID, typ TypeID) (bool, error)

	// ReceivableClients returns the members of ids registered to receive
	// typ, sorted ascending and without duplicates.
	ReceivableClients(ids []ClientID, typ TypeID) ([]ClientID, error)

	// Receivers returns every client registered to receive typ, sorted
	// ascending.
	Receivers(typ TypeID) ([]ClientID, error)

	// Messages returns the messages matching q in delivery order.
	Messages(q MessageQuery) ([]QueuedMessage, error)

	// CountMessages returns the number of rows queued for receiver.
	CountMessages(receiver ClientID) (int, error)

	// Snapshot returns every row of every entity.
	Snapshot() (Snapshot, error)
}

// Tx is a read-write unit of work.
type Tx interface {
	ReadTx

	// NextID returns a fresh positive identifier.
	NextID() int64

	// InsertClient adds a client row. It fails with ErrAlreadyExists when a
	// connected row with the same ID exists.
	InsertClient(c Client) error

	// DisconnectClient stamps the connected row of id with at. It reports
	// false when id has no connected row.
	DisconnectClient(id ClientID, at time.Time) (bool, error)

	// InsertSendable adds a send registration. Duplicates fail with
	// ErrAlreadyExists and change nothing.
	InsertSendable(r Registration) error

	// InsertReceivable adds a receive registration. Duplicates fail with
	// ErrAlreadyExists and change nothing.
	InsertReceivable(r Registration) error

	// DeleteRegistrations removes every registration of client.
	DeleteRegistrations(client ClientID) error

	// InsertMessage queues one message copy.
	InsertMessage(m QueuedMessage) error

	// DeleteMessage removes one copy. It reports whether the copy existed.
	DeleteMessage(receiver ClientID, id MessageID) (bool, error)

	// DeleteReceiverMessages removes every copy queued for receiver with at
	// least minPriority.
	DeleteReceiverMessages(receiver ClientID, minPriority Priority) (int, error)

	// DeleteMessagesByID removes every copy of id, regardless of receiver.
	DeleteMessagesByID(id MessageID) (int, error)

	// DeleteExpiredMessages removes every copy whose expiration is before
	// now.
	DeleteExpiredMessages(now time.Time) (int, error)

	// InsertCancellable marks id as cancellable. Repeated calls are no-ops.
	InsertCancellable(id MessageID) error

	// DeleteCancellable unmarks id. It reports whether id was marked.
	DeleteCancellable(id MessageID) (bool, error)

	// DeleteOrphanedCancellables unmarks every id without queued copies.
	DeleteOrphanedCancellables() (int, error)

	// Clear removes every row of every entity.
	Clear() error
}

// Store executes units of work atomically and serializably.
type Store interface {
	// Update runs fn as one read-write unit. The unit commits when fn
	// returns nil and leaves no trace otherwise; fn's error is returned.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn as one read-only unit over a consistent snapshot.
	View(ctx context.Context, fn func(tx ReadTx) error) error

	// Close releases the backend.
	Close() error
}
