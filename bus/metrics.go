// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"time"
)

// Recorder receives bus measurements. Counts are reported for committed
// units only.
type Recorder interface {
	RecordProcedure(ctx context.Context, procedure string, d time.Duration, err error)
	RecordSendStatus(ctx context.Context, status SendStatus)
	RecordEnqueued(ctx context.Context, copies int, payloadSize int)
	RecordDelivered(ctx context.Context, n int)
	RecordExpired(ctx context.Context, n int)
	RecordCancelled(ctx context.Context, n int)
}

type noopRecorder struct{}

func (noopRecorder) RecordProcedure(context.Context, string, time.Duration, error) {}
func (noopRecorder) RecordSendStatus(context.Context, SendStatus)                  {}
func (noopRecorder) RecordEnqueued(context.Context, int, int)                      {}
func (noopRecorder) RecordDelivered(context.Context, int)                          {}
func (noopRecorder) RecordExpired(context.Context, int)                            {}
func (noopRecorder) RecordCancelled(context.Context, int)                          {}
