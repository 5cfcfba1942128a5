// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"math"
	"time"

	"github.com/absmach/txbus/storage"
)

var (
	_ storage.ReadTx = (*reader)(nil)
	_ storage.Tx     = (*txn)(nil)
)

// minTime sorts before every stored timestamp.
var minTime = time.UnixMicro(math.MinInt64)

type reader struct {
	st  *state
	now time.Time
}

type txn struct {
	reader
	ids *storage.IDGenerator
}

func (r *reader) Now() time.Time {
	return r.now
}

func (r *reader) connected(id storage.ClientID) (storage.Client, bool) {
	var (
		found storage.Client
		ok    bool
	)
	r.st.clients.AscendGreaterOrEqual(storage.Client{ID: id, Serial: math.MinInt64}, func(c storage.Client) bool {
		if c.ID != id {
			return false
		}
		if c.Connected() {
			found, ok = c, true
			return false
		}
		return true
	})
	return found, ok
}

func (r *reader) ConnectedClients(ids []storage.ClientID) ([]storage.ClientID, error) {
	var out []storage.ClientID
	for _, id := range storage.UniqueClients(ids) {
		if _, ok := r.connected(id); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *reader) IsSendable(client storage.ClientID, typ storage.TypeID) (bool, error) {
	return r.st.sendable.Has(storage.Registration{Client: client, Type: typ}), nil
}

func (r *reader) ReceivableClients(ids []storage.ClientID, typ storage.TypeID) ([]storage.ClientID, error) {
	var out []storage.ClientID
	for _, id := range storage.UniqueClients(ids) {
		if r.st.receivable.Has(storage.Registration{Client: id, Type: typ}) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *reader) Receivers(typ storage.TypeID) ([]storage.ClientID, error) {
	var out []storage.ClientID
	r.st.receivers.AscendGreaterOrEqual(storage.Registration{Type: typ, Client: math.MinInt32}, func(reg storage.Registration) bool {
		if reg.Type != typ {
			return false
		}
		out = append(out, reg.Client)
		return true
	})
	return out, nil
}

func (r *reader) ascendReceiver(receiver storage.ClientID, fn func(m storage.QueuedMessage) bool) {
	pivot := storage.QueuedMessage{
		Receiver:   receiver,
		Priority:   math.MaxInt16,
		Expiration: minTime,
		SendTime:   minTime,
		ID:         math.MinInt64,
	}
	r.st.messages.AscendGreaterOrEqual(pivot, func(m storage.QueuedMessage) bool {
		if m.Receiver != receiver {
			return false
		}
		return fn(m)
	})
}

func (r *reader) Messages(q storage.MessageQuery) ([]storage.QueuedMessage, error) {
	var out []storage.QueuedMessage
	r.ascendReceiver(q.Receiver, func(m storage.QueuedMessage) bool {
		if m.Priority < q.MinPriority {
			return false
		}
		if !q.VisibleAt.IsZero() && !m.VisibleAt(q.VisibleAt) {
			return true
		}
		out = append(out, m.Clone())
		return q.Limit <= 0 || len(out) < q.Limit
	})
	return out, nil
}

func (r *reader) CountMessages(receiver storage.ClientID) (int, error) {
	n := 0
	r.ascendReceiver(receiver, func(storage.QueuedMessage) bool {
		n++
		return true
	})
	return n, nil
}

func (r *reader) Snapshot() (storage.Snapshot, error) {
	var snap storage.Snapshot
	r.st.clients.Ascend(func(c storage.Client) bool {
		if c.DisconnectTime != nil {
			at := *c.DisconnectTime
			c.DisconnectTime = &at
		}
		snap.Clients = append(snap.Clients, c)
		return true
	})
	r.st.sendable.Ascend(func(reg storage.Registration) bool {
		snap.Sendable = append(snap.Sendable, reg)
		return true
	})
	r.st.receivable.Ascend(func(reg storage.Registration) bool {
		snap.Receivable = append(snap.Receivable, reg)
		return true
	})
	r.st.cancellable.Ascend(func(id storage.MessageID) bool {
		snap.Cancellable = append(snap.Cancellable, id)
		return true
	})
	r.st.messages.Ascend(func(m storage.QueuedMessage) bool {
		snap.Messages = append(snap.Messages, m.Clone())
		return true
	})
	return snap, nil
}

func (t *txn) NextID() int64 {
	return t.ids.Next()
}

func (t *txn) InsertClient(c storage.Client) error {
	if c.Connected() {
		if _, ok := t.connected(c.ID); ok {
			return storage.ErrAlreadyExists
		}
	}
	if t.st.clients.Has(c) {
		return storage.ErrAlreadyExists
	}
	t.st.clients.ReplaceOrInsert(c)
	return nil
}

func (t *txn) DisconnectClient(id storage.ClientID, at time.Time) (bool, error) {
	c, ok := t.connected(id)
	if !ok {
		return false, nil
	}
	at = storage.Micros(at)
	c.DisconnectTime = &at
	t.st.clients.ReplaceOrInsert(c)
	return true, nil
}

func (t *txn) InsertSendable(reg storage.Registration) error {
	if t.st.sendable.Has(reg) {
		return storage.ErrAlreadyExists
	}
	t.st.sendable.ReplaceOrInsert(reg)
	return nil
}

func (t *txn) InsertReceivable(reg storage.Registration) error {
	if t.st.receivable.Has(reg) {
		return storage.ErrAlreadyExists
	}
	t.st.receivable.ReplaceOrInsert(reg)
	t.st.receivers.ReplaceOrInsert(reg)
	return nil
}

func (t *txn) DeleteRegistrations(client storage.ClientID) error {
	pivot := storage.Registration{Client: client, Type: math.MinInt32}

	var sendable, receivable []storage.Registration
	t.st.sendable.AscendGreaterOrEqual(pivot, func(reg storage.Registration) bool {
		if reg.Client != client {
			return false
		}
		sendable = append(sendable, reg)
		return true
	})
	t.st.receivable.AscendGreaterOrEqual(pivot, func(reg storage.Registration) bool {
		if reg.Client != client {
			return false
		}
		receivable = append(receivable, reg)
		return true
	})

	for _, reg := range sendable {
		t.st.sendable.Delete(reg)
	}
	for _, reg := range receivable {
		t.st.receivable.Delete(reg)
		t.st.receivers.Delete(reg)
	}
	return nil
}

func (t *txn) InsertMessage(m storage.QueuedMessage) error {
	key := storage.QueuedMessage{ID: m.ID, Receiver: m.Receiver}
	if t.st.byID.Has(key) {
		return storage.ErrAlreadyExists
	}
	m = m.Clone()
	m.SendTime = storage.Micros(m.SendTime)
	m.Expiration = storage.Micros(m.Expiration)
	t.st.messages.ReplaceOrInsert(m)
	t.st.byID.ReplaceOrInsert(m)
	t.st.byExpiry.ReplaceOrInsert(m)
	return nil
}

func (t *txn) remove(m storage.QueuedMessage) {
	t.st.messages.Delete(m)
	t.st.byID.Delete(m)
	t.st.byExpiry.Delete(m)
}

func (t *txn) DeleteMessage(receiver storage.ClientID, id storage.MessageID) (bool, error) {
	m, ok := t.st.byID.Get(storage.QueuedMessage{ID: id, Receiver: receiver})
	if !ok {
		return false, nil
	}
	t.remove(m)
	return true, nil
}

func (t *txn) DeleteReceiverMessages(receiver storage.ClientID, minPriority storage.Priority) (int, error) {
	var doomed []storage.QueuedMessage
	t.ascendReceiver(receiver, func(m storage.QueuedMessage) bool {
		if m.Priority < minPriority {
			return false
		}
		doomed = append(doomed, m)
		return true
	})
	for _, m := range doomed {
		t.remove(m)
	}
	return len(doomed), nil
}

func (t *txn) copiesOf(id storage.MessageID) []storage.QueuedMessage {
	var out []storage.QueuedMessage
	t.st.byID.AscendGreaterOrEqual(storage.QueuedMessage{ID: id, Receiver: math.MinInt32}, func(m storage.QueuedMessage) bool {
		if m.ID != id {
			return false
		}
		out = append(out, m)
		return true
	})
	return out
}

func (t *txn) DeleteMessagesByID(id storage.MessageID) (int, error) {
	doomed := t.copiesOf(id)
	for _, m := range doomed {
		t.remove(m)
	}
	return len(doomed), nil
}

func (t *txn) DeleteExpiredMessages(now time.Time) (int, error) {
	var doomed []storage.QueuedMessage
	t.st.byExpiry.Ascend(func(m storage.QueuedMessage) bool {
		if !m.Expiration.Before(now) {
			return false
		}
		doomed = append(doomed, m)
		return true
	})
	for _, m := range doomed {
		t.remove(m)
	}
	return len(doomed), nil
}

func (t *txn) InsertCancellable(id storage.MessageID) error {
	t.st.cancellable.ReplaceOrInsert(id)
	return nil
}

func (t *txn) DeleteCancellable(id storage.MessageID) (bool, error) {
	_, ok := t.st.cancellable.Delete(id)
	return ok, nil
}

func (t *txn) DeleteOrphanedCancellables() (int, error) {
	var orphans []storage.MessageID
	t.st.cancellable.Ascend(func(id storage.MessageID) bool {
		if len(t.copiesOf(id)) == 0 {
			orphans = append(orphans, id)
		}
		return true
	})
	for _, id := range orphans {
		t.st.cancellable.Delete(id)
	}
	return len(orphans), nil
}

func (t *txn) Clear() error {
	t.st = newState()
	return nil
}
