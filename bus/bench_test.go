// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"testing"

	"github.com/absmach/txbus/storage/memory"
)

func BenchmarkSendReceive(b *testing.B) {
	bus := New(memory.New())
	ctx := context.Background()

	sender, err := bus.Connect(ctx)
	if err != nil {
		b.Fatal(err)
	}
	receiver, err := bus.Connect(ctx)
	if err != nil {
		b.Fatal(err)
	}
	if err := bus.RegisterSender(ctx, sender, 1); err != nil {
		b.Fatal(err)
	}
	if err := bus.RegisterReceiver(ctx, receiver, 1); err != nil {
		b.Fatal(err)
	}

	msg := Message{Type: 1, Payload: make([]byte, 128)}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := bus.SendToAny(ctx, sender, msg, SendOptions{}); err != nil {
			b.Fatal(err)
		}
		if _, err := bus.ReceiveAndDelete(ctx, receiver, 0, 1); err != nil {
			b.Fatal(err)
		}
	}
}
