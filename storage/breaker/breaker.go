// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards a storage.Store with a circuit breaker so a failing
// backend is not hammered by every procedure call.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/sony/gobreaker"
)

var _ storage.Store = (*Store)(nil)

// Config holds circuit breaker settings.
type Config struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Store decorates a storage.Store. Precondition aborts and canceled
// contexts count as successes; only store failures trip the breaker.
type Store struct {
	next storage.Store
	cb   *gobreaker.CircuitBreaker
}

// New wraps next.
func New(next storage.Store, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				slog.String("store", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return &Store{next: next, cb: cb}
}

func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, storage.ErrUserAbort) ||
		errors.Is(err, context.Canceled)
}

// State returns the current breaker state.
func (s *Store) State() gobreaker.State {
	return s.cb.State()
}

func (s *Store) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Update(ctx, fn)
	})
	return err
}

func (s *Store) View(ctx context.Context, fn func(tx storage.ReadTx) error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.View(ctx, fn)
	})
	return err
}

func (s *Store) Close() error {
	return s.next.Close()
}
