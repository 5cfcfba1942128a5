// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/txbus/bus"
	"github.com/absmach/txbus/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/txbus"

// Outcomes of a procedure.
const (
	outcomeOK      = "ok"
	outcomeAborted = "aborted"
	outcomeError   = "error"
)

var _ bus.Recorder = (*Metrics)(nil)

// Metrics holds OpenTelemetry metric instruments for the bus.
type Metrics struct {
	meter metric.Meter

	// Counters
	procedureErrors   metric.Int64Counter
	sendStatus        metric.Int64Counter
	messagesEnqueued  metric.Int64Counter
	messagesDelivered metric.Int64Counter
	messagesExpired   metric.Int64Counter
	messagesCancelled metric.Int64Counter

	// Histograms
	procedureDuration metric.Float64Histogram
	payloadSize       metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
// A nil provider selects the global one.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.procedureErrors, err = m.meter.Int64Counter(
		"txbus.procedure.errors.total",
		metric.WithDescription("Procedures that returned an error, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create procedureErrors counter: %w", err)
	}

	m.sendStatus, err = m.meter.Int64Counter(
		"txbus.send.status.total",
		metric.WithDescription("Checked sends by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sendStatus counter: %w", err)
	}

	m.messagesEnqueued, err = m.meter.Int64Counter(
		"txbus.messages.enqueued.total",
		metric.WithDescription("Message copies queued"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesEnqueued counter: %w", err)
	}

	m.messagesDelivered, err = m.meter.Int64Counter(
		"txbus.messages.delivered.total",
		metric.WithDescription("Messages returned to receivers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesDelivered counter: %w", err)
	}

	m.messagesExpired, err = m.meter.Int64Counter(
		"txbus.messages.expired.total",
		metric.WithDescription("Expired message copies purged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesExpired counter: %w", err)
	}

	m.messagesCancelled, err = m.meter.Int64Counter(
		"txbus.messages.cancelled.total",
		metric.WithDescription("Message copies withdrawn by cancellation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesCancelled counter: %w", err)
	}

	m.procedureDuration, err = m.meter.Float64Histogram(
		"txbus.procedure.duration.ms",
		metric.WithDescription("Procedure duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create procedureDuration histogram: %w", err)
	}

	m.payloadSize, err = m.meter.Int64Histogram(
		"txbus.payload.size.bytes",
		metric.WithDescription("Payload size distribution of queued copies"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create payloadSize histogram: %w", err)
	}

	return m, nil
}

// RecordProcedure records the duration and outcome of one procedure.
func (m *Metrics) RecordProcedure(ctx context.Context, procedure string, d time.Duration, err error) {
	outcome := outcomeOK
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrUserAbort):
		outcome = outcomeAborted
	default:
		outcome = outcomeError
	}

	attrs := metric.WithAttributes(
		attribute.String("procedure", procedure),
		attribute.String("outcome", outcome),
	)
	m.procedureDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	if err != nil {
		m.procedureErrors.Add(ctx, 1, attrs)
	}
}

// RecordSendStatus records the status of a checked send.
func (m *Metrics) RecordSendStatus(ctx context.Context, status bus.SendStatus) {
	m.sendStatus.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status.String()),
	))
}

// RecordEnqueued records copies queued by one send, each carrying
// payloadSize bytes.
func (m *Metrics) RecordEnqueued(ctx context.Context, copies int, payloadSize int) {
	m.messagesEnqueued.Add(ctx, int64(copies))
	for i := 0; i < copies; i++ {
		m.payloadSize.Record(ctx, int64(payloadSize))
	}
}

// RecordDelivered records messages returned by a receive.
func (m *Metrics) RecordDelivered(ctx context.Context, n int) {
	if n > 0 {
		m.messagesDelivered.Add(ctx, int64(n))
	}
}

// RecordExpired records purged copies.
func (m *Metrics) RecordExpired(ctx context.Context, n int) {
	if n > 0 {
		m.messagesExpired.Add(ctx, int64(n))
	}
}

// RecordCancelled records withdrawn copies.
func (m *Metrics) RecordCancelled(ctx context.Context, n int) {
	if n > 0 {
		m.messagesCancelled.Add(ctx, int64(n))
	}
}
