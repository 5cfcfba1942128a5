// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the message bus procedures on top of a
// transactional store. Every procedure runs as one unit of work, so it fully
// commits or leaves no trace.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/txbus/bus"

// Bus runs procedures against a store. It is safe for concurrent use.
type Bus struct {
	id     string
	store  storage.Store
	logger *slog.Logger
	tracer trace.Tracer

	metrics            Recorder
	seed               uint64
	pollInterval       time.Duration
	sweepInterval      time.Duration
	maxConnectAttempts int

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New returns a bus over store. The caller keeps ownership of store.
func New(store storage.Store, opts ...Option) *Bus {
	b := &Bus{
		id:                 uuid.NewString(),
		store:              store,
		logger:             slog.Default(),
		tracer:             otel.Tracer(tracerName),
		metrics:            noopRecorder{},
		seed:               rand.Uint64(),
		pollInterval:       DefaultPollInterval,
		maxConnectAttempts: DefaultMaxConnectAttempts,
		stopCh:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With(slog.String("bus_id", b.id))

	if b.sweepInterval > 0 {
		b.wg.Add(1)
		go b.janitor()
	}

	return b
}

// ID returns the instance id of the bus.
func (b *Bus) ID() string {
	return b.id
}

// Close stops the janitor. It does not close the store.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
	return nil
}

func (b *Bus) janitor() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			res, err := b.ExpireMessages(context.Background())
			if err != nil {
				continue
			}
			if res.Expired > 0 || res.Orphans > 0 {
				b.logger.Debug("janitor sweep",
					slog.Int("expired", res.Expired),
					slog.Int("orphans", res.Orphans))
			}
		}
	}
}

// run wraps one procedure with its span, measurements and logging. Errors
// are returned prefixed with the procedure name.
func (b *Bus) run(ctx context.Context, procedure string, fn func(ctx context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "txbus."+procedure,
		trace.WithAttributes(attribute.String("txbus.bus_id", b.id)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	b.metrics.RecordProcedure(ctx, procedure, time.Since(start), err)
	if err == nil {
		return nil
	}

	if errors.Is(err, storage.ErrUserAbort) {
		span.SetAttributes(attribute.String("txbus.abort", err.Error()))
		b.logger.Debug("procedure aborted",
			slog.String("procedure", procedure),
			slog.String("reason", err.Error()))
	} else {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn("procedure failed",
			slog.String("procedure", procedure),
			slog.String("error", err.Error()))
	}

	return fmt.Errorf("%s: %w", procedure, err)
}
