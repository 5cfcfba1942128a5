// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/memory"
	"github.com/absmach/txbus/storage/storetest"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now func() time.Time) storage.Store {
		s := New(memory.New(memory.WithClock(now)), Config{FailureThreshold: 3, ResetTimeout: time.Second}, nil)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBreakerTrips(t *testing.T) {
	s := New(memory.New(), Config{FailureThreshold: 2, ResetTimeout: time.Hour}, nil)
	ctx := context.Background()
	errDisk := errors.New("disk on fire")

	for i := 0; i < 2; i++ {
		err := s.Update(ctx, func(tx storage.Tx) error { return errDisk })
		assert.ErrorIs(t, err, errDisk)
	}
	assert.Equal(t, gobreaker.StateOpen, s.State())

	called := false
	err := s.View(ctx, func(tx storage.ReadTx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.False(t, called)
}

func TestBreakerIgnoresPreconditions(t *testing.T) {
	s := New(memory.New(), Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)

	abort := fmt.Errorf("%w: client not connected", storage.ErrUserAbort)
	for i := 0; i < 5; i++ {
		err := s.Update(context.Background(), func(tx storage.Tx) error { return abort })
		assert.ErrorIs(t, err, storage.ErrUserAbort)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Update(ctx, func(tx storage.Tx) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	require.Equal(t, gobreaker.StateClosed, s.State())
}
