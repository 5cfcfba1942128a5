// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/codec"
	"github.com/absmach/txbus/storage/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		s, err := New(Config{Dir: t.TempDir()}, WithClock(now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestContractCompressed(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		s, err := New(Config{InMemory: true, Compression: codec.Zstd}, WithClock(now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_Close(t *testing.T) {
	store, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)

	// Close should not error
	err = store.Close()
	assert.NoError(t, err)

	// Second close should not panic (idempotent)
	err = store.Close()
	assert.NoError(t, err)

	err = store.Update(context.Background(), func(tx storage.Tx) error { return nil })
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	payload := bytes.Repeat([]byte("persisted "), 100)

	store, err := New(Config{Dir: dir, Compression: codec.S2})
	require.NoError(t, err)

	var lastID int64
	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		lastID = tx.NextID()
		require.NoError(t, tx.InsertClient(storage.Client{ID: storage.FoldClientID(lastID), Serial: lastID, ConnectTime: tx.Now()}))
		require.NoError(t, tx.InsertReceivable(storage.Registration{Client: 3, Type: 1}))
		require.NoError(t, tx.InsertCancellable(9))
		return tx.InsertMessage(storage.QueuedMessage{
			ID: 9, Receiver: 3, Sender: 1, SendTime: tx.Now(), Expiration: storage.Forever,
			Priority: 2, Type: 1, Payload: payload,
		})
	}))
	require.NoError(t, store.Close())

	// A reopened store keeps every row and never reissues an id, even when
	// the clock runs behind.
	past := time.Unix(1000, 0)
	store, err = New(Config{Dir: dir}, WithClock(func() time.Time { return past }))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.View(ctx, func(tx storage.ReadTx) error {
		snap, err := tx.Snapshot()
		require.NoError(t, err)
		require.Len(t, snap.Clients, 1)
		assert.Equal(t, lastID, snap.Clients[0].Serial)
		assert.Equal(t, []storage.Registration{{Client: 3, Type: 1}}, snap.Receivable)
		assert.Equal(t, []storage.MessageID{9}, snap.Cancellable)
		require.Len(t, snap.Messages, 1)
		assert.Equal(t, payload, snap.Messages[0].Payload)
		return nil
	}))

	require.NoError(t, store.Update(ctx, func(tx storage.Tx) error {
		assert.Greater(t, tx.NextID(), lastID)
		return nil
	}))
}

func TestKeyOrder(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	msgs := []storage.QueuedMessage{
		{ID: 1, Receiver: -5, Priority: 32767, Expiration: base, SendTime: base},
		{ID: 2, Receiver: 0, Priority: 1, Expiration: base, SendTime: base},
		{ID: 3, Receiver: 0, Priority: 0, Expiration: base, SendTime: base},
		{ID: 4, Receiver: 0, Priority: -1, Expiration: base, SendTime: base},
		{ID: 5, Receiver: 0, Priority: -1, Expiration: storage.Forever, SendTime: base},
		{ID: -7, Receiver: 0, Priority: -32768, Expiration: storage.Forever, SendTime: base},
		{ID: 6, Receiver: 0, Priority: -32768, Expiration: storage.Forever, SendTime: base},
		{ID: 8, Receiver: 4, Priority: 0, Expiration: base, SendTime: base.Add(-time.Hour)},
	}
	for i := 1; i < len(msgs); i++ {
		a, b := messageKey(msgs[i-1]), messageKey(msgs[i])
		assert.Negative(t, bytes.Compare(a, b), "key of %d must sort before key of %d", msgs[i-1].ID, msgs[i].ID)
	}

	for _, m := range msgs {
		var got storage.QueuedMessage
		decodeMessageKey(messageKey(m), &got)
		assert.Equal(t, m.ID, got.ID)
		assert.Equal(t, m.Receiver, got.Receiver)
		assert.Equal(t, m.Priority, got.Priority)
		assert.Equal(t, m.Expiration.UnixMicro(), got.Expiration.UnixMicro())
		assert.Equal(t, m.SendTime.UnixMicro(), got.SendTime.UnixMicro())
	}
}

func TestRecords(t *testing.T) {
	at := time.UnixMicro(1700000000123456).UTC()
	c := storage.Client{ID: 1, Serial: 2, ConnectTime: at, DisconnectTime: &at}

	var got storage.Client
	require.NoError(t, decodeClient(encodeClient(c), &got))
	assert.True(t, at.Equal(got.ConnectTime))
	require.NotNil(t, got.DisconnectTime)
	assert.True(t, at.Equal(*got.DisconnectTime))

	m := storage.QueuedMessage{Sender: -4, Type: 1 << 20, Payload: []byte("abc")}
	var gm storage.QueuedMessage
	require.NoError(t, decodeMessage(encodeMessage(m, codec.Zstd), &gm))
	assert.Equal(t, m.Sender, gm.Sender)
	assert.Equal(t, m.Type, gm.Type)
	assert.Equal(t, m.Payload, gm.Payload)

	assert.ErrorIs(t, decodeClient([]byte{0xff}, &got), errCorrupt)
}
