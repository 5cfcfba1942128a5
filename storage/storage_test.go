// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForever(t *testing.T) {
	assert.Equal(t, int64(math.MaxInt64), Forever.UnixMicro())
	assert.True(t, time.Now().Before(Forever))
}

func TestMicros(t *testing.T) {
	in := time.Date(2024, 1, 2, 3, 4, 5, 678901234, time.FixedZone("CET", 3600))
	got := Micros(in)
	assert.Equal(t, 678901000, got.Nanosecond())
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.Equal(in.Truncate(time.Microsecond)))
}

func TestCompareDelivery(t *testing.T) {
	base := time.Unix(1000, 0)
	msgs := []QueuedMessage{
		{ID: 1, Priority: 3, Expiration: Forever, SendTime: base},
		{ID: 2, Priority: 5, Expiration: Forever, SendTime: base},
		{ID: 3, Priority: 5, Expiration: base.Add(time.Hour), SendTime: base},
		{ID: 4, Priority: 5, Expiration: base.Add(time.Hour), SendTime: base.Add(-time.Second)},
		{ID: 5, Priority: 5, Expiration: base.Add(time.Hour), SendTime: base},
	}
	SortForDelivery(msgs)

	got := make([]MessageID, 0, len(msgs))
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	assert.Equal(t, []MessageID{4, 3, 5, 2, 1}, got)
	assert.Zero(t, CompareDelivery(msgs[0], msgs[0]))
}

func TestUniqueClients(t *testing.T) {
	in := []ClientID{3, 1, 3, 2, 1}
	assert.Equal(t, []ClientID{1, 2, 3}, UniqueClients(in))
	assert.Equal(t, []ClientID{3, 1, 3, 2, 1}, in, "input must not be modified")
	assert.Empty(t, UniqueClients(nil))
}

func TestQueuedMessage(t *testing.T) {
	now := time.Unix(2000, 0)
	m := QueuedMessage{Expiration: now, Payload: []byte("abc")}

	assert.Equal(t, 3, m.PayloadSize())
	assert.False(t, m.VisibleAt(now))
	assert.True(t, m.VisibleAt(now.Add(-time.Microsecond)))

	cp := m.Clone()
	cp.Payload[0] = 'x'
	assert.Equal(t, "abc", string(m.Payload))
	assert.Nil(t, QueuedMessage{}.Clone().Payload)
}

func TestIDGenerator(t *testing.T) {
	now := time.Unix(1700000000, 0)
	g := NewIDGenerator(func() time.Time { return now })

	first := g.Next()
	assert.Equal(t, now.UnixMicro()<<idTimeShift, first)
	assert.Equal(t, first+1, g.Next())

	// A clock step back does not produce smaller ids.
	now = now.Add(-time.Hour)
	assert.Equal(t, first+2, g.Next())

	// Moving forward jumps to the clock floor.
	now = now.Add(2 * time.Hour)
	assert.Equal(t, now.UnixMicro()<<idTimeShift, g.Next())

	g.Observe(math.MaxInt64 - 10)
	assert.Equal(t, int64(math.MaxInt64-9), g.Next())
}

func TestIDGeneratorConcurrent(t *testing.T) {
	g := NewIDGenerator(nil)

	const (
		workers = 8
		each    = 1000
	)
	var (
		mu   sync.Mutex
		seen = make(map[int64]struct{}, workers*each)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, each)
			for j := 0; j < each; j++ {
				local = append(local, g.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers*each)
}

func TestFoldClientID(t *testing.T) {
	cases := []struct {
		serial int64
		want   ClientID
	}{
		{0, 0},
		{1, 1},
		{1 << 32, 1},
		{(1 << 32) | 1, 0},
		{(5 << 32) | 3, 6},
		{-1, 0},
		{0x7fffffff, 0x7fffffff},
		{0x80000000, math.MinInt32},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FoldClientID(tc.serial), "serial %#x", tc.serial)
	}
}
