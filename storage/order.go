// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"slices"
	"time"
)

// CompareDelivery orders two copies of the same receiver: priority
// descending, then expiration, send time and message id ascending.
func CompareDelivery(a, b QueuedMessage) int {
	switch {
	case a.Priority > b.Priority:
		return -1
	case a.Priority < b.Priority:
		return 1
	}
	if c := compareTime(a.Expiration, b.Expiration); c != 0 {
		return c
	}
	if c := compareTime(a.SendTime, b.SendTime); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// SortForDelivery sorts msgs in place in delivery order.
func SortForDelivery(msgs []QueuedMessage) {
	slices.SortFunc(msgs, CompareDelivery)
}

// UniqueClients returns ids sorted ascending without duplicates.
func UniqueClients(ids []ClientID) []ClientID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}
