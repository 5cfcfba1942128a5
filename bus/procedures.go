// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"

	"github.com/absmach/txbus/storage"
)

// Connect opens a new connection and returns its client id.
func (b *Bus) Connect(ctx context.Context) (storage.ClientID, error) {
	var id storage.ClientID
	err := b.run(ctx, "connect", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			var err error
			id, err = connect(tx, b.maxConnectAttempts)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Disconnect closes the connection of id, removing its registrations and
// every message queued for it.
func (b *Bus) Disconnect(ctx context.Context, id storage.ClientID) error {
	return b.run(ctx, "disconnect", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			return disconnect(tx, id)
		})
	})
}

// RegisterSender allows a connected client to send messages of typ.
func (b *Bus) RegisterSender(ctx context.Context, id storage.ClientID, typ storage.TypeID) error {
	return b.registration(ctx, "register_sender", sending, id, typ, true)
}

// RegisterReceiver allows a connected client to receive messages of typ.
func (b *Bus) RegisterReceiver(ctx context.Context, id storage.ClientID, typ storage.TypeID) error {
	return b.registration(ctx, "register_receiver", receiving, id, typ, true)
}

// RegisterSenderUnchecked inserts a send registration without checking the
// client. Existing registrations are left as they are.
func (b *Bus) RegisterSenderUnchecked(ctx context.Context, id storage.ClientID, typ storage.TypeID) error {
	return b.registration(ctx, "register_sender_unchecked", sending, id, typ, false)
}

// RegisterReceiverUnchecked inserts a receive registration without checking
// the client. Existing registrations are left as they are.
func (b *Bus) RegisterReceiverUnchecked(ctx context.Context, id storage.ClientID, typ storage.TypeID) error {
	return b.registration(ctx, "register_receiver_unchecked", receiving, id, typ, false)
}

func (b *Bus) registration(ctx context.Context, procedure string, d direction, id storage.ClientID, typ storage.TypeID, checked bool) error {
	r := storage.Registration{Client: id, Type: typ}
	return b.run(ctx, procedure, func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			if checked {
				return register(tx, d, r)
			}
			return registerUnchecked(tx, d, r)
		})
	})
}

// SendToSingleExplicitReceiver queues one non-cancellable copy of msg for
// receiver.
func (b *Bus) SendToSingleExplicitReceiver(ctx context.Context, sender, receiver storage.ClientID, msg Message) (SendStatus, error) {
	res, err := b.send(ctx, "send_to_single_explicit_receiver", sender, msg, SendOptions{}, func(tx storage.ReadTx) ([]storage.ClientID, SendStatus, error) {
		return resolveSingle(tx, receiver, msg.Type)
	})
	return res.Status, err
}

// SendToExplicitReceivers sends msg to the listed receivers. Disconnected
// ones are skipped; every connected one must be registered for the type.
func (b *Bus) SendToExplicitReceivers(ctx context.Context, sender storage.ClientID, receivers []storage.ClientID, msg Message, opts SendOptions) (SendResult, error) {
	return b.send(ctx, "send_to_explicit_receivers", sender, msg, opts, func(tx storage.ReadTx) ([]storage.ClientID, SendStatus, error) {
		return resolveExplicit(tx, receivers, msg.Type)
	})
}

// SendToAny sends msg to the receivers registered for its type.
func (b *Bus) SendToAny(ctx context.Context, sender storage.ClientID, msg Message, opts SendOptions) (SendResult, error) {
	return b.send(ctx, "send_to_any", sender, msg, opts, func(tx storage.ReadTx) ([]storage.ClientID, SendStatus, error) {
		return resolveAny(tx, msg.Type)
	})
}

type resolver func(tx storage.ReadTx) ([]storage.ClientID, SendStatus, error)

func (b *Bus) send(ctx context.Context, procedure string, sender storage.ClientID, msg Message, opts SendOptions, resolve resolver) (SendResult, error) {
	var (
		res    SendResult
		copies int
	)
	err := b.run(ctx, procedure, func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			res, copies = SendResult{}, 0

			status, err := checkSender(tx, sender, msg.Type)
			if err != nil || status != StatusOK {
				res.Status = status
				return err
			}
			receivers, status, err := resolve(tx)
			if err != nil || status != StatusOK {
				res.Status = status
				return err
			}

			id, n, err := b.fanout(tx, sender, receivers, msg, opts)
			if err != nil {
				return err
			}
			copies = n
			if opts.Cancellable {
				res.MessageID = id
			}
			return nil
		})
	})
	if err != nil {
		return SendResult{}, err
	}

	b.metrics.RecordSendStatus(ctx, res.Status)
	if copies > 0 {
		b.metrics.RecordEnqueued(ctx, copies, len(msg.Payload))
	}
	return res, nil
}

// SendToSingleExplicitReceiverUnchecked queues m as is, skipping every
// check. A zero SendTime is set to the unit timestamp and a zero Expiration
// never expires. It returns the minted message id.
func (b *Bus) SendToSingleExplicitReceiverUnchecked(ctx context.Context, m storage.QueuedMessage) (storage.MessageID, error) {
	var id storage.MessageID
	err := b.run(ctx, "send_to_single_explicit_receiver_unchecked", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			m := normalize(m, tx.Now())
			m.ID = storage.MessageID(tx.NextID())
			id = m.ID
			return enqueue(tx, m)
		})
	})
	if err != nil {
		return 0, err
	}
	b.metrics.RecordEnqueued(ctx, 1, len(m.Payload))
	return id, nil
}

// SendToExplicitReceiversUnchecked queues one copy of m per distinct
// receiver, skipping every check. An empty receiver list queues nothing and
// returns 0.
func (b *Bus) SendToExplicitReceiversUnchecked(ctx context.Context, m storage.QueuedMessage, receivers []storage.ClientID, cancellable bool) (storage.MessageID, error) {
	receivers = storage.UniqueClients(receivers)
	if len(receivers) == 0 {
		return 0, nil
	}

	var id storage.MessageID
	err := b.run(ctx, "send_to_explicit_receivers_unchecked", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			m := normalize(m, tx.Now())
			m.ID = storage.MessageID(tx.NextID())
			id = m.ID
			for _, r := range receivers {
				m.Receiver = r
				if err := enqueue(tx, m); err != nil {
					return err
				}
			}
			if cancellable {
				return markCancellable(tx, m.ID)
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	b.metrics.RecordEnqueued(ctx, len(receivers), len(m.Payload))
	return id, nil
}

// Receive returns up to limit unexpired messages of receiver with at least
// minPriority, in delivery order, without removing them. limit 0 returns all.
func (b *Bus) Receive(ctx context.Context, receiver storage.ClientID, minPriority storage.Priority, limit int) ([]storage.QueuedMessage, error) {
	var msgs []storage.QueuedMessage
	err := b.run(ctx, "receive", func(ctx context.Context) error {
		return b.store.View(ctx, func(tx storage.ReadTx) error {
			var err error
			msgs, err = peek(tx, receiver, minPriority, limit, visibilityUnexpired)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	b.metrics.RecordDelivered(ctx, len(msgs))
	return msgs, nil
}

// ReceiveAndDelete purges expired messages bus-wide, then returns and
// removes up to limit messages of receiver with at least minPriority.
func (b *Bus) ReceiveAndDelete(ctx context.Context, receiver storage.ClientID, minPriority storage.Priority, limit int) ([]storage.QueuedMessage, error) {
	var (
		msgs    []storage.QueuedMessage
		expired int
	)
	err := b.run(ctx, "receive_and_delete", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			var err error
			if expired, err = purgeExpired(tx); err != nil {
				return err
			}
			if msgs, err = peek(tx, receiver, minPriority, limit, visibilityAll); err != nil {
				return err
			}
			if len(msgs) == 0 {
				return nil
			}
			return dequeueReturned(tx, receiver, minPriority, limit, msgs)
		})
	})
	if err != nil {
		return nil, err
	}
	b.metrics.RecordExpired(ctx, expired)
	b.metrics.RecordDelivered(ctx, len(msgs))
	return msgs, nil
}

// DeleteMessages removes the listed messages of receiver. Absent ids are
// ignored. Expired messages of every receiver are purged in the same unit.
func (b *Bus) DeleteMessages(ctx context.Context, receiver storage.ClientID, ids []storage.MessageID) error {
	var expired int
	err := b.run(ctx, "delete_messages", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			var err error
			if expired, err = purgeExpired(tx); err != nil {
				return err
			}
			return deleteByIDs(tx, receiver, ids)
		})
	})
	if err != nil {
		return err
	}
	b.metrics.RecordExpired(ctx, expired)
	return nil
}

// DeleteMessagesUnchecked removes the listed messages of receiver. An empty
// list does nothing.
func (b *Bus) DeleteMessagesUnchecked(ctx context.Context, receiver storage.ClientID, ids []storage.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	return b.run(ctx, "delete_messages_unchecked", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			return deleteByIDs(tx, receiver, ids)
		})
	})
}

// CancelMessages withdraws every queued copy of the listed cancellable
// messages. Unknown or already cancelled ids are ignored.
func (b *Bus) CancelMessages(ctx context.Context, ids []storage.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	var removed int
	err := b.run(ctx, "cancel_messages", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			var err error
			removed, err = cancel(tx, ids)
			return err
		})
	})
	if err != nil {
		return err
	}
	b.metrics.RecordCancelled(ctx, removed)
	return nil
}

// ResetBus deletes every row of every entity.
func (b *Bus) ResetBus(ctx context.Context) error {
	return b.run(ctx, "reset_bus", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			return tx.Clear()
		})
	})
}

// LoadState returns a consistent snapshot of the whole bus.
func (b *Bus) LoadState(ctx context.Context) (storage.Snapshot, error) {
	var snap storage.Snapshot
	err := b.run(ctx, "load_state", func(ctx context.Context) error {
		return b.store.View(ctx, func(tx storage.ReadTx) error {
			var err error
			snap, err = tx.Snapshot()
			return err
		})
	})
	if err != nil {
		return storage.Snapshot{}, err
	}
	return snap, nil
}

// CountQueuedMessagesForClient returns the number of messages queued for
// receiver, expired ones included until they are purged.
func (b *Bus) CountQueuedMessagesForClient(ctx context.Context, receiver storage.ClientID) (int, error) {
	var n int
	err := b.run(ctx, "count_queued_messages", func(ctx context.Context) error {
		return b.store.View(ctx, func(tx storage.ReadTx) error {
			var err error
			n, err = tx.CountMessages(receiver)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ExpireMessages purges expired messages and forgets cancellable ids that
// have no queued copy left.
func (b *Bus) ExpireMessages(ctx context.Context) (ExpireResult, error) {
	var res ExpireResult
	err := b.run(ctx, "expire_messages", func(ctx context.Context) error {
		return b.store.Update(ctx, func(tx storage.Tx) error {
			var err error
			res, err = expire(tx)
			return err
		})
	})
	if err != nil {
		return ExpireResult{}, err
	}
	b.metrics.RecordExpired(ctx, res.Expired)
	return res, nil
}
