// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"math/rand/v2"
	"time"

	"github.com/absmach/txbus/storage"
)

// Message is the body of a checked send.
type Message struct {
	Type     storage.TypeID
	Priority storage.Priority

	// Expiration is the instant from which the message is no longer
	// delivered. The zero value never expires.
	Expiration time.Time
	Payload    []byte
}

// SendOptions controls fan-out of a send.
type SendOptions struct {
	// Broadcast queues one copy per resolved receiver instead of one copy
	// for a randomly picked receiver.
	Broadcast bool

	// Cancellable records the message id so CancelMessages can withdraw
	// undelivered copies.
	Cancellable bool
}

// SendResult is the outcome of a send. MessageID is set only for
// cancellable sends that succeeded.
type SendResult struct {
	Status    SendStatus
	MessageID storage.MessageID
}

// checkSender verifies the sender side of a checked send.
func checkSender(tx storage.ReadTx, sender storage.ClientID, typ storage.TypeID) (SendStatus, error) {
	ok, err := isConnected(tx, sender)
	if err != nil {
		return 0, err
	}
	if !ok {
		return StatusSenderNotConnected, nil
	}
	ok, err = tx.IsSendable(sender, typ)
	if err != nil {
		return 0, err
	}
	if !ok {
		return StatusSenderNotRegisteredForType, nil
	}
	return StatusOK, nil
}

func resolveSingle(tx storage.ReadTx, receiver storage.ClientID, typ storage.TypeID) ([]storage.ClientID, SendStatus, error) {
	ok, err := isConnected(tx, receiver)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, StatusNoReceivers, nil
	}
	ids, err := tx.ReceivableClients([]storage.ClientID{receiver}, typ)
	if err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return nil, StatusReceiverNotRegisteredForType, nil
	}
	return ids, StatusOK, nil
}

func resolveExplicit(tx storage.ReadTx, receivers []storage.ClientID, typ storage.TypeID) ([]storage.ClientID, SendStatus, error) {
	connected, err := tx.ConnectedClients(receivers)
	if err != nil {
		return nil, 0, err
	}
	if len(connected) == 0 {
		return nil, StatusNoReceivers, nil
	}
	registered, err := tx.ReceivableClients(connected, typ)
	if err != nil {
		return nil, 0, err
	}
	if len(registered) < len(connected) {
		return nil, StatusReceiverNotRegisteredForType, nil
	}
	return registered, StatusOK, nil
}

func resolveAny(tx storage.ReadTx, typ storage.TypeID) ([]storage.ClientID, SendStatus, error) {
	ids, err := tx.Receivers(typ)
	if err != nil {
		return nil, 0, err
	}
	if len(ids) == 0 {
		return nil, StatusNoReceivers, nil
	}
	return ids, StatusOK, nil
}

// pick returns one of receivers, chosen by a source seeded from seed and id.
// receivers must be sorted.
func pick(seed uint64, id storage.MessageID, receivers []storage.ClientID) storage.ClientID {
	if len(receivers) == 1 {
		return receivers[0]
	}
	r := rand.New(rand.NewPCG(seed, uint64(id)))
	return receivers[r.IntN(len(receivers))]
}

// fanout mints one message id and queues the copies chosen by opts.
func (b *Bus) fanout(tx storage.Tx, sender storage.ClientID, receivers []storage.ClientID, msg Message, opts SendOptions) (storage.MessageID, int, error) {
	id := storage.MessageID(tx.NextID())
	targets := receivers
	if !opts.Broadcast {
		targets = []storage.ClientID{pick(b.seed, id, storage.UniqueClients(receivers))}
	}

	m := storage.QueuedMessage{
		ID:         id,
		Sender:     sender,
		SendTime:   tx.Now(),
		Expiration: expiration(msg.Expiration),
		Priority:   msg.Priority,
		Type:       msg.Type,
		Payload:    msg.Payload,
	}
	for _, r := range targets {
		m.Receiver = r
		if err := enqueue(tx, m); err != nil {
			return 0, 0, err
		}
	}
	if opts.Cancellable {
		if err := markCancellable(tx, id); err != nil {
			return 0, 0, err
		}
	}
	return id, len(targets), nil
}
