// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"log/slog"
	"time"
)

const (
	DefaultPollInterval       = 100 * time.Millisecond
	DefaultMaxConnectAttempts = 16
)

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the measurement sink.
func WithMetrics(r Recorder) Option {
	return func(b *Bus) {
		if r != nil {
			b.metrics = r
		}
	}
}

// WithSeed fixes the seed of random receiver selection. Two buses with the
// same seed pick the same receiver for the same message id and receiver set.
func WithSeed(seed uint64) Option {
	return func(b *Bus) {
		b.seed = seed
	}
}

// WithPollInterval sets how often ReceiveWait polls.
func WithPollInterval(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithSweepInterval starts a janitor that runs ExpireMessages every d.
// Zero disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(b *Bus) {
		b.sweepInterval = d
	}
}

// WithMaxConnectAttempts bounds the client id draws of one Connect.
func WithMaxConnectAttempts(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.maxConnectAttempts = n
		}
	}
}
