// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"time"

	"github.com/absmach/txbus/storage"
)

type visibility uint8

const (
	visibilityAll visibility = iota
	visibilityUnexpired
)

func enqueue(tx storage.Tx, m storage.QueuedMessage) error {
	return tx.InsertMessage(m)
}

// peek returns up to limit messages of receiver in delivery order; limit 0
// is unbounded.
func peek(tx storage.ReadTx, receiver storage.ClientID, minPriority storage.Priority, limit int, mode visibility) ([]storage.QueuedMessage, error) {
	q := storage.MessageQuery{
		Receiver:    receiver,
		MinPriority: minPriority,
		Limit:       limit,
	}
	if mode == visibilityUnexpired {
		q.VisibleAt = tx.Now()
	}
	return tx.Messages(q)
}

// dequeueReturned deletes the rows a preceding peek returned. An unbounded
// peek returned every match, so the bulk delete removes the same set.
func dequeueReturned(tx storage.Tx, receiver storage.ClientID, minPriority storage.Priority, limit int, returned []storage.QueuedMessage) error {
	if limit == 0 {
		_, err := tx.DeleteReceiverMessages(receiver, minPriority)
		return err
	}
	for _, m := range returned {
		if _, err := tx.DeleteMessage(receiver, m.ID); err != nil {
			return err
		}
	}
	return nil
}

func deleteByIDs(tx storage.Tx, receiver storage.ClientID, ids []storage.MessageID) error {
	for _, id := range ids {
		if _, err := tx.DeleteMessage(receiver, id); err != nil {
			return err
		}
	}
	return nil
}

func purgeExpired(tx storage.Tx) (int, error) {
	return tx.DeleteExpiredMessages(tx.Now())
}

// normalize fills the defaults of an unchecked send.
func normalize(m storage.QueuedMessage, now time.Time) storage.QueuedMessage {
	if m.SendTime.IsZero() {
		m.SendTime = now
	} else {
		m.SendTime = storage.Micros(m.SendTime)
	}
	m.Expiration = expiration(m.Expiration)
	return m
}

func expiration(t time.Time) time.Time {
	if t.IsZero() {
		return storage.Forever
	}
	return storage.Micros(t)
}
