// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/txbus/bus"
	"github.com/absmach/txbus/config"
	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		name   string
		modify func(c *config.StorageConfig)
	}{
		{"memory", func(c *config.StorageConfig) { c.Type = "memory" }},
		{"badger", func(c *config.StorageConfig) {
			c.Type = "badger"
			c.Badger.Dir = filepath.Join(dir, "badger")
			c.Badger.Compression = "s2"
		}},
		{"sqlite", func(c *config.StorageConfig) {
			c.Type = "sqlite"
			c.SQLite.Path = filepath.Join(dir, "nested", "bus.db")
		}},
		{"breaker", func(c *config.StorageConfig) {
			c.Type = "memory"
			c.Breaker.Enabled = true
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default().Storage
			tc.modify(&cfg)

			store, err := openStore(context.Background(), cfg, discard())
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })

			if cfg.Breaker.Enabled {
				assert.IsType(t, &breaker.Store{}, store)
			}

			b := bus.New(store)
			id, err := b.Connect(context.Background())
			require.NoError(t, err)
			assert.NotZero(t, id)
		})
	}
}

func TestOpenStoreErrors(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Type = "cassandra"
	_, err := openStore(context.Background(), cfg, discard())
	assert.Error(t, err)

	cfg = config.Default().Storage
	cfg.Type = "badger"
	cfg.Badger.Compression = "lz4"
	_, err = openStore(context.Background(), cfg, discard())
	assert.Error(t, err)
}

func TestWriteDump(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	left := at.Add(time.Minute)
	snap := storage.Snapshot{
		Clients: []storage.Client{
			{ID: 1, Serial: 11, ConnectTime: at},
			{ID: 2, Serial: 12, ConnectTime: at, DisconnectTime: &left},
		},
		Sendable:    []storage.Registration{{Client: 1, Type: 7}},
		Receivable:  []storage.Registration{{Client: 2, Type: 7}},
		Cancellable: []storage.MessageID{42},
		Messages: []storage.QueuedMessage{
			{ID: 42, Receiver: 2, Sender: 1, SendTime: at, Expiration: storage.Forever, Priority: 3, Type: 7, Payload: []byte("hi")},
			{ID: 43, Receiver: 2, Sender: 1, SendTime: at, Expiration: left, Type: 7, Payload: []byte{0xff, 0x00}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, writeDump(&buf, snap))

	var got dumpState
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))

	require.Len(t, got.Clients, 2)
	assert.Nil(t, got.Clients[0].DisconnectTime)
	require.NotNil(t, got.Clients[1].DisconnectTime)
	assert.True(t, got.Clients[1].DisconnectTime.Equal(left))
	assert.Equal(t, []dumpRegistration{{Client: 1, Type: 7}}, got.Sendable)
	assert.Equal(t, []int64{42}, got.Cancellable)

	require.Len(t, got.Messages, 2)
	assert.Equal(t, "never", got.Messages[0].Expiration)
	assert.Equal(t, "hi", got.Messages[0].Payload)
	assert.Empty(t, got.Messages[0].Encoding)
	assert.Equal(t, left.Format(time.RFC3339Nano), got.Messages[1].Expiration)
	assert.Equal(t, "base64", got.Messages[1].Encoding)
	assert.Equal(t, "/wA=", got.Messages[1].Payload)
}
