// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"sync"
	"time"
)

// idTimeShift leaves room for 1024 ids per microsecond before the generator
// runs ahead of the clock.
const idTimeShift = 10

// IDGenerator issues positive 63-bit identifiers. Ids are strictly increasing
// for one generator, so they are unique within the owning process; while the
// clock does not step back they also exceed ids issued by earlier runs.
// Global uniqueness across processes is not provided.
type IDGenerator struct {
	mu    sync.Mutex
	last  int64
	nowFn func() time.Time
}

// NewIDGenerator returns a generator driven by nowFn, or time.Now when nil.
func NewIDGenerator(nowFn func() time.Time) *IDGenerator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &IDGenerator{nowFn: nowFn}
}

// Next returns the next identifier.
func (g *IDGenerator) Next() int64 {
	floor := g.nowFn().UnixMicro() << idTimeShift
	if floor < 0 {
		floor = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.last + 1
	if floor > next {
		next = floor
	}
	g.last = next
	return next
}

// Observe moves the generator past id. Persistent backends call it on open
// with the largest id they hold.
func (g *IDGenerator) Observe(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if id > g.last {
		g.last = id
	}
}

// FoldClientID derives a client id from a unique serial by XOR-ing its two
// 32-bit halves.
func FoldClientID(serial int64) ClientID {
	u := uint64(serial)
	return ClientID(int32(uint32(u>>32) ^ uint32(u)))
}
