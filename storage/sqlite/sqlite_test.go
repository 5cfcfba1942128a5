// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/sqldb"
	"github.com/absmach/txbus/storage/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		s, err := New(context.Background(), filepath.Join(t.TempDir(), "txbus.db"), sqldb.WithClock(now))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLite_WALAndSchemaVersion(t *testing.T) {
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "txbus.db"))
	require.NoError(t, err)
	defer s.Close()

	var mode string
	require.NoError(t, s.DB().QueryRow(`PRAGMA journal_mode;`).Scan(&mode))
	assert.Equal(t, "wal", mode)

	var v int
	require.NoError(t, s.DB().QueryRow(`SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v))
	assert.Equal(t, schemaVersion, v)
}

func TestSQLite_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "txbus.db")

	s, err := New(ctx, path)
	require.NoError(t, err)

	var lastID int64
	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		lastID = tx.NextID()
		return tx.InsertMessage(storage.QueuedMessage{
			ID: storage.MessageID(lastID), Receiver: 1, SendTime: tx.Now(), Expiration: storage.Forever, Payload: []byte("kept"),
		})
	}))
	require.NoError(t, s.Close())

	past := time.Unix(1000, 0)
	s, err = New(ctx, path, sqldb.WithClock(func() time.Time { return past }))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Update(ctx, func(tx storage.Tx) error {
		got, err := tx.Messages(storage.MessageQuery{Receiver: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "kept", string(got[0].Payload))
		assert.Greater(t, tx.NextID(), lastID)
		return nil
	}))
}

func TestSQLite_EmptyPath(t *testing.T) {
	_, err := New(context.Background(), "  ")
	assert.Error(t, err)
}
