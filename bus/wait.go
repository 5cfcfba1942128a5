// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"

	"github.com/absmach/txbus/storage"
	"golang.org/x/time/rate"
)

// ReceiveWait polls Receive, or ReceiveAndDelete when deleteImmediately is
// set, until at least one message is returned or ctx is done. Each poll is
// its own unit; a failing poll ends the wait with its error.
func (b *Bus) ReceiveWait(ctx context.Context, receiver storage.ClientID, minPriority storage.Priority, limit int, deleteImmediately bool) ([]storage.QueuedMessage, error) {
	poll := b.Receive
	if deleteImmediately {
		poll = b.ReceiveAndDelete
	}

	limiter := rate.NewLimiter(rate.Every(b.pollInterval), 1)
	for {
		// Wait fails early when the next poll would land past the deadline.
		if err := limiter.Wait(ctx); err != nil {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		msgs, err := poll(ctx, receiver, minPriority, limit)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return msgs, nil
		}
	}
}
