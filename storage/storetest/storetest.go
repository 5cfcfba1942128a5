// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storetest holds the contract every storage.Store backend must
// satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory creates an empty store whose transaction timestamps come from now.
// The factory registers its own cleanup.
type Factory func(t *testing.T, now func() time.Time) storage.Store

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current clock reading.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Epoch is the start time used by the suite.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

// Run executes the full contract suite against factory.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, factory Factory)
	}{
		{"Now", testNow},
		{"NextID", testNextID},
		{"Clients", testClients},
		{"Reconnect", testReconnect},
		{"Registrations", testRegistrations},
		{"DeleteRegistrations", testDeleteRegistrations},
		{"DeliveryOrder", testDeliveryOrder},
		{"MessageQuery", testMessageQuery},
		{"MessageFields", testMessageFields},
		{"DuplicateMessage", testDuplicateMessage},
		{"DeleteMessage", testDeleteMessage},
		{"DeleteReceiverMessages", testDeleteReceiverMessages},
		{"DeleteMessagesByID", testDeleteMessagesByID},
		{"DeleteExpiredMessages", testDeleteExpiredMessages},
		{"Cancellable", testCancellable},
		{"OrphanedCancellables", testOrphanedCancellables},
		{"AbortedUnit", testAbortedUnit},
		{"Clear", testClear},
		{"BulkUnits", testBulkUnits},
		{"LargeClientLists", testLargeClientLists},
		{"Snapshot", testSnapshot},
		{"CanceledContext", testCanceledContext},
		{"ConcurrentUpdates", testConcurrentUpdates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, factory)
		})
	}
}

func newStore(t *testing.T, factory Factory) (storage.Store, *Clock) {
	t.Helper()
	clock := NewClock(Epoch)
	return factory(t, clock.Now), clock
}

func update(t *testing.T, s storage.Store, fn func(tx storage.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func view(t *testing.T, s storage.Store, fn func(tx storage.ReadTx) error) {
	t.Helper()
	require.NoError(t, s.View(context.Background(), fn))
}

func message(id storage.MessageID, receiver storage.ClientID, prio storage.Priority, exp, sent time.Time) storage.QueuedMessage {
	return storage.QueuedMessage{
		ID:         id,
		Receiver:   receiver,
		Sender:     1,
		SendTime:   sent,
		Expiration: exp,
		Priority:   prio,
		Type:       7,
		Payload:    []byte(fmt.Sprintf("payload-%d", id)),
	}
}

func ids(msgs []storage.QueuedMessage) []storage.MessageID {
	out := make([]storage.MessageID, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func testNow(t *testing.T, factory Factory) {
	s, clock := newStore(t, factory)

	update(t, s, func(tx storage.Tx) error {
		first := tx.Now()
		clock.Advance(time.Second)
		assert.True(t, first.Equal(tx.Now()), "timestamp must be fixed for the unit")
		assert.Equal(t, storage.Micros(Epoch).UnixMicro(), first.UnixMicro())
		assert.Zero(t, first.Nanosecond()%1000, "timestamp must be truncated to microseconds")
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		assert.Equal(t, storage.Micros(Epoch.Add(time.Second)).UnixMicro(), tx.Now().UnixMicro())
		return nil
	})
}

func testNextID(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	seen := make(map[int64]struct{})
	var last int64
	for i := 0; i < 5; i++ {
		update(t, s, func(tx storage.Tx) error {
			for j := 0; j < 100; j++ {
				id := tx.NextID()
				assert.Positive(t, id)
				assert.Greater(t, id, last)
				last = id
				seen[id] = struct{}{}
			}
			return nil
		})
	}
	assert.Len(t, seen, 500)
}

func testClients(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertClient(storage.Client{ID: 10, Serial: 100, ConnectTime: tx.Now()}))
		require.NoError(t, tx.InsertClient(storage.Client{ID: 20, Serial: 200, ConnectTime: tx.Now()}))

		err := tx.InsertClient(storage.Client{ID: 10, Serial: 101, ConnectTime: tx.Now()})
		assert.ErrorIs(t, err, storage.ErrAlreadyExists)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		got, err := tx.ConnectedClients([]storage.ClientID{30, 20, 10, 20})
		require.NoError(t, err)
		assert.Equal(t, []storage.ClientID{10, 20}, got)

		got, err = tx.ConnectedClients(nil)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})

	update(t, s, func(tx storage.Tx) error {
		ok, err := tx.DisconnectClient(10, tx.Now())
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.DisconnectClient(10, tx.Now())
		require.NoError(t, err)
		assert.False(t, ok, "second disconnect finds no connected row")

		ok, err = tx.DisconnectClient(99, tx.Now())
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		got, err := tx.ConnectedClients([]storage.ClientID{10, 20})
		require.NoError(t, err)
		assert.Equal(t, []storage.ClientID{20}, got)
		return nil
	})
}

func testReconnect(t *testing.T, factory Factory) {
	s, clock := newStore(t, factory)

	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertClient(storage.Client{ID: 5, Serial: 1, ConnectTime: tx.Now()}))
		_, err := tx.DisconnectClient(5, tx.Now())
		return err
	})
	clock.Advance(time.Millisecond)
	update(t, s, func(tx storage.Tx) error {
		return tx.InsertClient(storage.Client{ID: 5, Serial: 2, ConnectTime: tx.Now()})
	})

	view(t, s, func(tx storage.ReadTx) error {
		got, err := tx.ConnectedClients([]storage.ClientID{5})
		require.NoError(t, err)
		assert.Equal(t, []storage.ClientID{5}, got)

		snap, err := tx.Snapshot()
		require.NoError(t, err)
		require.Len(t, snap.Clients, 2)

		connected := 0
		for _, c := range snap.Clients {
			assert.Equal(t, storage.ClientID(5), c.ID)
			if c.Connected() {
				connected++
				assert.Equal(t, int64(2), c.Serial)
			} else {
				assert.Equal(t, storage.Micros(Epoch).UnixMicro(), c.DisconnectTime.UnixMicro())
			}
		}
		assert.Equal(t, 1, connected)
		return nil
	})
}

func testRegistrations(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertSendable(storage.Registration{Client: 1, Type: 7}))
		require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 3, Type: 7}))
		require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 2, Type: 7}))
		require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 2, Type: 8}))

		assert.ErrorIs(t, tx.InsertSendable(storage.Registration{Client: 1, Type: 7}), storage.ErrAlreadyExists)
		assert.ErrorIs(t, tx.InsertReceivable(storage.Registration{Client: 2, Type: 7}), storage.ErrAlreadyExists)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		ok, err := tx.IsSendable(1, 7)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.IsSendable(1, 8)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.IsSendable(2, 7)
		require.NoError(t, err)
		assert.False(t, ok, "receive registration does not grant send")

		got, err := tx.Receivers(7)
		require.NoError(t, err)
		assert.Equal(t, []storage.ClientID{2, 3}, got)

		got, err = tx.Receivers(9)
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = tx.ReceivableClients([]storage.ClientID{3, 1, 2, 3}, 7)
		require.NoError(t, err)
		assert.Equal(t, []storage.ClientID{2, 3}, got)

		got, err = tx.ReceivableClients([]storage.ClientID{3}, 8)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})
}

func testDeleteRegistrations(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	update(t, s, func(tx storage.Tx) error {
		for _, typ := range []storage.TypeID{1, 2, 3} {
			require.NoError(t, tx.InsertSendable(storage.Registration{Client: 4, Type: typ}))
			require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 4, Type: typ}))
			require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 5, Type: typ}))
		}
		return tx.DeleteRegistrations(4)
	})

	view(t, s, func(tx storage.ReadTx) error {
		for _, typ := range []storage.TypeID{1, 2, 3} {
			ok, err := tx.IsSendable(4, typ)
			require.NoError(t, err)
			assert.False(t, ok)

			got, err := tx.Receivers(typ)
			require.NoError(t, err)
			assert.Equal(t, []storage.ClientID{5}, got)
		}
		return nil
	})

	update(t, s, func(tx storage.Tx) error {
		// Deleting for a client without registrations is fine.
		return tx.DeleteRegistrations(42)
	})
}

func testDeliveryOrder(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	base := storage.Micros(Epoch)
	later := base.Add(time.Hour)
	sent := base.Add(-time.Minute)

	update(t, s, func(tx storage.Tx) error {
		msgs := []storage.QueuedMessage{
			message(1, 9, 3, storage.Forever, sent),
			message(2, 9, 5, storage.Forever, sent),
			message(3, 9, 5, later, sent),
			message(4, 9, -2, later, sent),
			message(5, 9, 5, later, sent.Add(-time.Second)),
			message(6, 9, 5, later, sent),
			message(7, 8, 9, later, sent),
		}
		for _, m := range msgs {
			require.NoError(t, tx.InsertMessage(m))
		}
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		got, err := tx.Messages(storage.MessageQuery{Receiver: 9, MinPriority: -100})
		require.NoError(t, err)
		assert.Equal(t, []storage.MessageID{5, 3, 6, 2, 1, 4}, ids(got))

		got, err = tx.Messages(storage.MessageQuery{Receiver: 8, MinPriority: -100})
		require.NoError(t, err)
		assert.Equal(t, []storage.MessageID{7}, ids(got))
		return nil
	})
}

func testMessageQuery(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertMessage(message(1, 1, 5, storage.Forever, now)))
		require.NoError(t, tx.InsertMessage(message(2, 1, 5, storage.Forever, now)))
		require.NoError(t, tx.InsertMessage(message(3, 1, 3, storage.Forever, now)))
		require.NoError(t, tx.InsertMessage(message(4, 1, 9, now.Add(-time.Second), now.Add(-time.Hour))))
		require.NoError(t, tx.InsertMessage(message(5, 1, 9, now, now.Add(-time.Hour))))
		return nil
	})

	cases := []struct {
		desc  string
		query storage.MessageQuery
		want  []storage.MessageID
	}{
		{
			desc:  "all rows expiration blind",
			query: storage.MessageQuery{Receiver: 1},
			want:  []storage.MessageID{4, 5, 1, 2, 3},
		},
		{
			desc:  "visible rows only",
			query: storage.MessageQuery{Receiver: 1, VisibleAt: now},
			want:  []storage.MessageID{1, 2, 3},
		},
		{
			desc:  "min priority",
			query: storage.MessageQuery{Receiver: 1, MinPriority: 4, VisibleAt: now},
			want:  []storage.MessageID{1, 2},
		},
		{
			desc:  "limit",
			query: storage.MessageQuery{Receiver: 1, Limit: 2, VisibleAt: now},
			want:  []storage.MessageID{1, 2},
		},
		{
			desc:  "limit larger than result",
			query: storage.MessageQuery{Receiver: 1, Limit: 10, MinPriority: 5},
			want:  []storage.MessageID{4, 5, 1, 2},
		},
		{
			desc:  "min priority above every row",
			query: storage.MessageQuery{Receiver: 1, MinPriority: 10},
			want:  []storage.MessageID{},
		},
		{
			desc:  "unknown receiver",
			query: storage.MessageQuery{Receiver: 2},
			want:  []storage.MessageID{},
		},
	}

	view(t, s, func(tx storage.ReadTx) error {
		for _, tc := range cases {
			got, err := tx.Messages(tc.query)
			require.NoError(t, err, tc.desc)
			assert.Equal(t, tc.want, ids(got), tc.desc)
		}

		n, err := tx.CountMessages(1)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		n, err = tx.CountMessages(2)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
}

func testMessageFields(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	large := make([]byte, 64*1024)
	for i := range large {
		large[i] = byte(i % 251)
	}
	want := []storage.QueuedMessage{
		{ID: 11, Receiver: -3, Sender: 2, SendTime: now, Expiration: storage.Forever, Priority: -32768, Type: -1, Payload: []byte("hello")},
		{ID: 12, Receiver: -3, Sender: 2, SendTime: now, Expiration: now.Add(time.Minute), Priority: 32767, Type: 1 << 30, Payload: large},
		{ID: 13, Receiver: -3, Sender: 2, SendTime: now, Expiration: storage.Forever, Priority: 0, Type: 0, Payload: nil},
	}

	update(t, s, func(tx storage.Tx) error {
		for _, m := range want {
			require.NoError(t, tx.InsertMessage(m))
		}
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		got, err := tx.Messages(storage.MessageQuery{Receiver: -3, MinPriority: -32768})
		require.NoError(t, err)
		require.Len(t, got, 3)

		byID := make(map[storage.MessageID]storage.QueuedMessage)
		for _, m := range got {
			byID[m.ID] = m
		}
		for _, w := range want {
			g, ok := byID[w.ID]
			require.True(t, ok)
			assert.Equal(t, w.Receiver, g.Receiver)
			assert.Equal(t, w.Sender, g.Sender)
			assert.Equal(t, w.Priority, g.Priority)
			assert.Equal(t, w.Type, g.Type)
			assert.Equal(t, w.SendTime.UnixMicro(), g.SendTime.UnixMicro())
			assert.Equal(t, w.Expiration.UnixMicro(), g.Expiration.UnixMicro())
			assert.Equal(t, string(w.Payload), string(g.Payload))
			assert.Equal(t, w.PayloadSize(), g.PayloadSize())
		}
		return nil
	})
}

func testDuplicateMessage(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertMessage(message(1, 1, 0, storage.Forever, now)))
		// The same id may be queued for another receiver.
		require.NoError(t, tx.InsertMessage(message(1, 2, 0, storage.Forever, now)))
		assert.ErrorIs(t, tx.InsertMessage(message(1, 1, 4, storage.Forever, now)), storage.ErrAlreadyExists)
		return nil
	})
}

func testDeleteMessage(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertMessage(message(1, 1, 0, storage.Forever, now)))
		require.NoError(t, tx.InsertMessage(message(1, 2, 0, storage.Forever, now)))
		require.NoError(t, tx.InsertMessage(message(2, 1, 0, storage.Forever, now)))
		return nil
	})

	update(t, s, func(tx storage.Tx) error {
		ok, err := tx.DeleteMessage(1, 1)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.DeleteMessage(1, 1)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = tx.DeleteMessage(3, 2)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		got, err := tx.Messages(storage.MessageQuery{Receiver: 1})
		require.NoError(t, err)
		assert.Equal(t, []storage.MessageID{2}, ids(got))

		got, err = tx.Messages(storage.MessageQuery{Receiver: 2})
		require.NoError(t, err)
		assert.Equal(t, []storage.MessageID{1}, ids(got))
		return nil
	})
}

func testDeleteReceiverMessages(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertMessage(message(1, 1, 1, storage.Forever, now)))
		require.NoError(t, tx.InsertMessage(message(2, 1, 5, storage.Forever, now)))
		require.NoError(t, tx.InsertMessage(message(3, 1, 8, now.Add(-time.Hour), now)))
		require.NoError(t, tx.InsertMessage(message(4, 2, 8, storage.Forever, now)))
		return nil
	})

	update(t, s, func(tx storage.Tx) error {
		n, err := tx.DeleteReceiverMessages(1, 5)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		got, err := tx.Messages(storage.MessageQuery{Receiver: 1, MinPriority: -100})
		require.NoError(t, err)
		assert.Equal(t, []storage.MessageID{1}, ids(got))

		n, err := tx.CountMessages(2)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})
}

func testDeleteMessagesByID(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		for _, r := range []storage.ClientID{1, 2, 3} {
			require.NoError(t, tx.InsertMessage(message(50, r, 0, storage.Forever, now)))
		}
		require.NoError(t, tx.InsertMessage(message(51, 1, 0, storage.Forever, now)))
		return nil
	})

	update(t, s, func(tx storage.Tx) error {
		n, err := tx.DeleteMessagesByID(50)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = tx.DeleteMessagesByID(50)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, []storage.MessageID{51}, ids(snap.Messages))
		return nil
	})
}

func testDeleteExpiredMessages(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertMessage(message(1, 1, 0, now.Add(-time.Microsecond), now.Add(-time.Hour))))
		require.NoError(t, tx.InsertMessage(message(2, 2, 0, now.Add(-time.Hour), now.Add(-time.Hour))))
		require.NoError(t, tx.InsertMessage(message(3, 1, 0, now, now.Add(-time.Hour))))
		require.NoError(t, tx.InsertMessage(message(4, 1, 0, now.Add(time.Microsecond), now)))
		require.NoError(t, tx.InsertMessage(message(5, 3, 0, storage.Forever, now)))
		return nil
	})

	update(t, s, func(tx storage.Tx) error {
		n, err := tx.DeleteExpiredMessages(tx.Now())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)
		assert.ElementsMatch(t, []storage.MessageID{3, 4, 5}, ids(snap.Messages))
		return nil
	})
}

func testCancellable(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertCancellable(7))
		require.NoError(t, tx.InsertCancellable(7))
		require.NoError(t, tx.InsertCancellable(3))
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, []storage.MessageID{3, 7}, snap.Cancellable)
		return nil
	})

	update(t, s, func(tx storage.Tx) error {
		ok, err := tx.DeleteCancellable(7)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.DeleteCancellable(7)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
}

func testOrphanedCancellables(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertMessage(message(1, 1, 0, storage.Forever, now)))
		require.NoError(t, tx.InsertCancellable(1))
		require.NoError(t, tx.InsertCancellable(2))
		require.NoError(t, tx.InsertCancellable(3))
		return nil
	})

	update(t, s, func(tx storage.Tx) error {
		n, err := tx.DeleteOrphanedCancellables()
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)
		assert.Equal(t, []storage.MessageID{1}, snap.Cancellable)
		return nil
	})
}

func testAbortedUnit(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertClient(storage.Client{ID: 1, Serial: 1, ConnectTime: now}))
		return tx.InsertMessage(message(1, 1, 0, storage.Forever, now))
	})

	errAbort := fmt.Errorf("%w: test", storage.ErrUserAbort)
	err := s.Update(context.Background(), func(tx storage.Tx) error {
		require.NoError(t, tx.InsertClient(storage.Client{ID: 2, Serial: 2, ConnectTime: now}))
		require.NoError(t, tx.InsertSendable(storage.Registration{Client: 2, Type: 1}))
		require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 2, Type: 1}))
		require.NoError(t, tx.InsertMessage(message(2, 2, 0, storage.Forever, now)))
		require.NoError(t, tx.InsertCancellable(2))
		_, err := tx.DeleteMessage(1, 1)
		require.NoError(t, err)
		_, err = tx.DisconnectClient(1, now)
		require.NoError(t, err)
		return errAbort
	})
	require.ErrorIs(t, err, storage.ErrUserAbort)

	view(t, s, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)
		require.Len(t, snap.Clients, 1)
		assert.True(t, snap.Clients[0].Connected())
		assert.Empty(t, snap.Sendable)
		assert.Empty(t, snap.Receivable)
		assert.Empty(t, snap.Cancellable)
		assert.Equal(t, []storage.MessageID{1}, ids(snap.Messages))
		return nil
	})
}

func testClear(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertClient(storage.Client{ID: 1, Serial: 1, ConnectTime: now}))
		require.NoError(t, tx.InsertSendable(storage.Registration{Client: 1, Type: 1}))
		require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 1, Type: 1}))
		require.NoError(t, tx.InsertMessage(message(1, 1, 0, storage.Forever, now)))
		return tx.InsertCancellable(1)
	})

	update(t, s, func(tx storage.Tx) error {
		return tx.Clear()
	})

	view(t, s, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)
		assert.Empty(t, snap.Clients)
		assert.Empty(t, snap.Sendable)
		assert.Empty(t, snap.Receivable)
		assert.Empty(t, snap.Cancellable)
		assert.Empty(t, snap.Messages)

		got, err := tx.Receivers(1)
		require.NoError(t, err)
		assert.Empty(t, got)
		return nil
	})

	// The store stays usable after a clear.
	update(t, s, func(tx storage.Tx) error {
		return tx.InsertClient(storage.Client{ID: 1, Serial: 2, ConnectTime: now})
	})
}

// bulkRows exceeds the number of writes badger accepts in one transaction
// once every row costs three keys.
const bulkRows = 40000

func insertBulk(t *testing.T, s storage.Store, receiver storage.ClientID, first storage.MessageID, exp, sent time.Time) {
	t.Helper()
	const chunk = 1000
	for base := 0; base < bulkRows; base += chunk {
		update(t, s, func(tx storage.Tx) error {
			for i := base; i < base+chunk; i++ {
				m := message(first+storage.MessageID(i), receiver, storage.Priority(i%3), exp, sent)
				if err := tx.InsertMessage(m); err != nil {
					return err
				}
			}
			return nil
		})
	}
}

func testBulkUnits(t *testing.T, factory Factory) {
	if testing.Short() {
		t.Skip("bulk units skipped in short mode")
	}
	s, _ := newStore(t, factory)
	now := storage.Micros(Epoch)

	insertBulk(t, s, 1, 1, now.Add(-time.Second), now.Add(-time.Hour))
	update(t, s, func(tx storage.Tx) error {
		n, err := tx.DeleteExpiredMessages(tx.Now())
		require.NoError(t, err)
		assert.Equal(t, bulkRows, n)
		return nil
	})

	insertBulk(t, s, 2, 100001, storage.Forever, now)
	update(t, s, func(tx storage.Tx) error {
		n, err := tx.DeleteReceiverMessages(2, math.MinInt16)
		require.NoError(t, err)
		assert.Equal(t, bulkRows, n)
		return nil
	})

	view(t, s, func(tx storage.ReadTx) error {
		for _, r := range []storage.ClientID{1, 2} {
			n, err := tx.CountMessages(r)
			require.NoError(t, err)
			assert.Zero(t, n, "receiver %d", r)
		}
		return nil
	})

	insertBulk(t, s, 3, 200001, storage.Forever, now)
	update(t, s, func(tx storage.Tx) error {
		return tx.InsertCancellable(200001)
	})
	update(t, s, func(tx storage.Tx) error {
		return tx.Clear()
	})

	view(t, s, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)
		assert.Empty(t, snap.Messages)
		assert.Empty(t, snap.Cancellable)
		return nil
	})
}

func testLargeClientLists(t *testing.T, factory Factory) {
	if testing.Short() {
		t.Skip("large client lists skipped in short mode")
	}
	s, _ := newStore(t, factory)
	now := storage.Micros(Epoch)

	const clients = 40000
	for base := 1; base <= clients; base += 1000 {
		update(t, s, func(tx storage.Tx) error {
			for id := base; id < base+1000; id++ {
				c := storage.ClientID(id)
				if err := tx.InsertClient(storage.Client{ID: c, Serial: int64(id), ConnectTime: now}); err != nil {
					return err
				}
				if id%2 == 0 {
					if err := tx.InsertReceivable(storage.Registration{Client: c, Type: 7}); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}

	all := make([]storage.ClientID, 0, clients+10)
	for id := clients + 10; id > 0; id-- {
		all = append(all, storage.ClientID(id))
	}

	view(t, s, func(tx storage.ReadTx) error {
		got, err := tx.ConnectedClients(all)
		require.NoError(t, err)
		require.Len(t, got, clients)
		assert.Equal(t, storage.ClientID(1), got[0])
		assert.Equal(t, storage.ClientID(clients), got[clients-1])

		got, err = tx.ReceivableClients(all, 7)
		require.NoError(t, err)
		require.Len(t, got, clients/2)
		assert.Equal(t, storage.ClientID(2), got[0])
		assert.Equal(t, storage.ClientID(clients), got[len(got)-1])
		return nil
	})
}

func testSnapshot(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	now := storage.Micros(Epoch)
	update(t, s, func(tx storage.Tx) error {
		require.NoError(t, tx.InsertClient(storage.Client{ID: 2, Serial: 20, ConnectTime: now}))
		require.NoError(t, tx.InsertClient(storage.Client{ID: 1, Serial: 10, ConnectTime: now}))
		require.NoError(t, tx.InsertSendable(storage.Registration{Client: 1, Type: 4}))
		require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 2, Type: 4}))
		require.NoError(t, tx.InsertMessage(message(9, 2, 1, storage.Forever, now)))
		require.NoError(t, tx.InsertMessage(message(8, 1, 1, storage.Forever, now)))
		return tx.InsertCancellable(9)
	})

	view(t, s, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)

		require.Len(t, snap.Clients, 2)
		assert.Equal(t, storage.ClientID(1), snap.Clients[0].ID)
		assert.Equal(t, storage.ClientID(2), snap.Clients[1].ID)
		assert.Equal(t, now.UnixMicro(), snap.Clients[0].ConnectTime.UnixMicro())
		assert.Nil(t, snap.Clients[0].DisconnectTime)

		assert.Equal(t, []storage.Registration{{Client: 1, Type: 4}}, snap.Sendable)
		assert.Equal(t, []storage.Registration{{Client: 2, Type: 4}}, snap.Receivable)
		assert.Equal(t, []storage.MessageID{9}, snap.Cancellable)
		assert.ElementsMatch(t, []storage.MessageID{8, 9}, ids(snap.Messages))
		return nil
	})
}

func testCanceledContext(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.Update(ctx, func(tx storage.Tx) error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)

	err = s.View(ctx, func(tx storage.ReadTx) error {
		called = true
		return nil
	})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, called)
}

func testConcurrentUpdates(t *testing.T, factory Factory) {
	s, _ := newStore(t, factory)

	const (
		workers = 8
		perUnit = 25
	)
	now := storage.Micros(Epoch)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			errs <- s.Update(context.Background(), func(tx storage.Tx) error {
				n, err := tx.CountMessages(1)
				if err != nil {
					return err
				}
				for i := 0; i < perUnit; i++ {
					m := message(storage.MessageID(tx.NextID()), 1, storage.Priority(w), storage.Forever, now)
					if err := tx.InsertMessage(m); err != nil {
						return err
					}
				}
				after, err := tx.CountMessages(1)
				if err != nil {
					return err
				}
				if after != n+perUnit {
					return fmt.Errorf("unit saw %d rows, want %d", after, n+perUnit)
				}
				return nil
			})
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	view(t, s, func(tx storage.ReadTx) error {
		n, err := tx.CountMessages(1)
		require.NoError(t, err)
		assert.Equal(t, workers*perUnit, n)
		return nil
	})
}
