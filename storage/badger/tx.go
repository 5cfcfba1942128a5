// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/codec"
	"github.com/dgraph-io/badger/v4"
)

var (
	_ storage.ReadTx = (*reader)(nil)
	_ storage.Tx     = (*txn)(nil)
)

type reader struct {
	txn *badger.Txn
	now time.Time
}

type txn struct {
	reader
	db          *badger.DB
	ids         *storage.IDGenerator
	compression codec.Compression
	lastID      int64
}

func (r *reader) Now() time.Time {
	return r.now
}

func (r *reader) has(key []byte) (bool, error) {
	_, err := r.txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// keys returns copies of every key under prefix. Iterators of a read-write
// transaction must not overlap, so callers collect before they mutate.
func (r *reader) keys(prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := r.txn.NewIterator(opts)
	defer it.Close()

	var out [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		out = append(out, it.Item().KeyCopy(nil))
	}
	return out
}

// first reports whether any key exists under prefix.
func (r *reader) first(prefix []byte) bool {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := r.txn.NewIterator(opts)
	defer it.Close()

	it.Rewind()
	return it.Valid()
}

func (r *reader) connectedSerial(id storage.ClientID) (int64, bool, error) {
	item, err := r.txn.Get(connectedKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var serial int64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return errCorrupt
		}
		serial = getInt64(val)
		return nil
	})
	return serial, err == nil, err
}

func (r *reader) ConnectedClients(ids []storage.ClientID) ([]storage.ClientID, error) {
	var out []storage.ClientID
	for _, id := range storage.UniqueClients(ids) {
		ok, err := r.has(connectedKey(id))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *reader) IsSendable(client storage.ClientID, typ storage.TypeID) (bool, error) {
	return r.has(sendableKey(storage.Registration{Client: client, Type: typ}))
}

func (r *reader) ReceivableClients(ids []storage.ClientID, typ storage.TypeID) ([]storage.ClientID, error) {
	var out []storage.ClientID
	for _, id := range storage.UniqueClients(ids) {
		ok, err := r.has(receivableKey(storage.Registration{Client: id, Type: typ}))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r *reader) Receivers(typ storage.TypeID) ([]storage.ClientID, error) {
	var out []storage.ClientID
	for _, key := range r.keys(pairPrefix(prefixReceivers, int32(typ))) {
		_, client := decodePair(key, prefixReceivers)
		out = append(out, storage.ClientID(client))
	}
	return out, nil
}

func (r *reader) Messages(q storage.MessageQuery) ([]storage.QueuedMessage, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = receiverPrefix(q.Receiver)
	it := r.txn.NewIterator(opts)
	defer it.Close()

	var out []storage.QueuedMessage
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()

		var m storage.QueuedMessage
		decodeMessageKey(item.Key(), &m)
		if m.Priority < q.MinPriority {
			break
		}
		if !q.VisibleAt.IsZero() && !m.VisibleAt(q.VisibleAt) {
			continue
		}
		if err := item.Value(func(val []byte) error {
			return decodeMessage(val, &m)
		}); err != nil {
			return nil, fmt.Errorf("decode message %d: %w", m.ID, err)
		}
		out = append(out, m)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (r *reader) CountMessages(receiver storage.ClientID) (int, error) {
	return len(r.keys(receiverPrefix(receiver))), nil
}

func (r *reader) Snapshot() (storage.Snapshot, error) {
	var snap storage.Snapshot

	if err := r.scanValues(prefixClient, func(key, val []byte) error {
		rest := key[len(prefixClient):]
		c := storage.Client{
			ID:     storage.ClientID(getInt32(rest[:4])),
			Serial: getInt64(rest[4:12]),
		}
		if err := decodeClient(val, &c); err != nil {
			return err
		}
		snap.Clients = append(snap.Clients, c)
		return nil
	}); err != nil {
		return storage.Snapshot{}, err
	}

	for _, key := range r.keys(prefixSendable) {
		client, typ := decodePair(key, prefixSendable)
		snap.Sendable = append(snap.Sendable, storage.Registration{Client: storage.ClientID(client), Type: storage.TypeID(typ)})
	}
	for _, key := range r.keys(prefixReceivable) {
		client, typ := decodePair(key, prefixReceivable)
		snap.Receivable = append(snap.Receivable, storage.Registration{Client: storage.ClientID(client), Type: storage.TypeID(typ)})
	}
	for _, key := range r.keys(prefixCancel) {
		snap.Cancellable = append(snap.Cancellable, decodeCancelKey(key))
	}

	if err := r.scanValues(prefixMessage, func(key, val []byte) error {
		var m storage.QueuedMessage
		decodeMessageKey(key, &m)
		if err := decodeMessage(val, &m); err != nil {
			return err
		}
		snap.Messages = append(snap.Messages, m)
		return nil
	}); err != nil {
		return storage.Snapshot{}, err
	}
	return snap, nil
}

func (r *reader) scanValues(prefix []byte, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := r.txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if err := item.Value(func(val []byte) error {
			return fn(item.Key(), val)
		}); err != nil {
			return fmt.Errorf("decode %s: %w", prefix, err)
		}
	}
	return nil
}

func (t *txn) set(key, val []byte) error {
	err := t.txn.Set(key, val)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err := t.split(); err != nil {
			return err
		}
		err = t.txn.Set(key, val)
	}
	return err
}

func (t *txn) del(key []byte) error {
	err := t.txn.Delete(key)
	if errors.Is(err, badger.ErrTxnTooBig) {
		if err := t.split(); err != nil {
			return err
		}
		err = t.txn.Delete(key)
	}
	return err
}

// split commits the full transaction and opens the next one.
func (t *txn) split() error {
	if t.lastID != 0 {
		// The watermark rides along when the full transaction still has room.
		err := t.txn.Set(keyLastID, putInt64(nil, t.lastID))
		if err != nil && !errors.Is(err, badger.ErrTxnTooBig) {
			return err
		}
	}
	if err := t.txn.Commit(); err != nil {
		return err
	}
	t.txn = t.db.NewTransaction(true)
	return t.saveLastID()
}

func (t *txn) saveLastID() error {
	if t.lastID == 0 {
		return nil
	}
	return t.set(keyLastID, putInt64(nil, t.lastID))
}

func (t *txn) NextID() int64 {
	id := t.ids.Next()
	t.lastID = id
	return id
}

func (t *txn) InsertClient(c storage.Client) error {
	key := clientKey(c.ID, c.Serial)
	exists, err := t.has(key)
	if err != nil {
		return err
	}
	if exists {
		return storage.ErrAlreadyExists
	}

	if c.Connected() {
		connected, err := t.has(connectedKey(c.ID))
		if err != nil {
			return err
		}
		if connected {
			return storage.ErrAlreadyExists
		}
		if err := t.set(connectedKey(c.ID), putInt64(nil, c.Serial)); err != nil {
			return err
		}
	}

	c.ConnectTime = storage.Micros(c.ConnectTime)
	return t.set(key, encodeClient(c))
}

func (t *txn) DisconnectClient(id storage.ClientID, at time.Time) (bool, error) {
	serial, ok, err := t.connectedSerial(id)
	if err != nil || !ok {
		return false, err
	}

	key := clientKey(id, serial)
	item, err := t.txn.Get(key)
	if err != nil {
		return false, err
	}
	c := storage.Client{ID: id, Serial: serial}
	if err := item.Value(func(val []byte) error {
		return decodeClient(val, &c)
	}); err != nil {
		return false, err
	}

	at = storage.Micros(at)
	c.DisconnectTime = &at
	if err := t.set(key, encodeClient(c)); err != nil {
		return false, err
	}
	return true, t.del(connectedKey(id))
}

func (t *txn) insertOnce(key []byte) error {
	exists, err := t.has(key)
	if err != nil {
		return err
	}
	if exists {
		return storage.ErrAlreadyExists
	}
	return t.set(key, nil)
}

func (t *txn) InsertSendable(reg storage.Registration) error {
	return t.insertOnce(sendableKey(reg))
}

func (t *txn) InsertReceivable(reg storage.Registration) error {
	if err := t.insertOnce(receivableKey(reg)); err != nil {
		return err
	}
	return t.set(receiversKey(reg), nil)
}

func (t *txn) deleteKeys(keys [][]byte) error {
	for _, key := range keys {
		if err := t.del(key); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) DeleteRegistrations(client storage.ClientID) error {
	if err := t.deleteKeys(t.keys(pairPrefix(prefixSendable, int32(client)))); err != nil {
		return err
	}
	for _, key := range t.keys(pairPrefix(prefixReceivable, int32(client))) {
		c, typ := decodePair(key, prefixReceivable)
		reg := storage.Registration{Client: storage.ClientID(c), Type: storage.TypeID(typ)}
		if err := t.deleteKeys([][]byte{key, receiversKey(reg)}); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) InsertMessage(m storage.QueuedMessage) error {
	m.SendTime = storage.Micros(m.SendTime)
	m.Expiration = storage.Micros(m.Expiration)

	idKey := messageIDKey(m.ID, m.Receiver)
	if err := t.insertOnce(idKey); err != nil {
		return err
	}

	key := messageKey(m)
	if err := t.set(idKey, key); err != nil {
		return err
	}
	if err := t.set(expiryKey(m), nil); err != nil {
		return err
	}
	return t.set(key, encodeMessage(m, t.compression))
}

// removeByKey deletes the three keys of the message stored under key.
func (t *txn) removeByKey(key []byte) error {
	var m storage.QueuedMessage
	decodeMessageKey(key, &m)
	return t.deleteKeys([][]byte{key, messageIDKey(m.ID, m.Receiver), expiryKey(m)})
}

func (t *txn) DeleteMessage(receiver storage.ClientID, id storage.MessageID) (bool, error) {
	item, err := t.txn.Get(messageIDKey(id, receiver))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	key, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	return true, t.removeByKey(key)
}

func (t *txn) DeleteReceiverMessages(receiver storage.ClientID, minPriority storage.Priority) (int, error) {
	n := 0
	for _, key := range t.keys(receiverPrefix(receiver)) {
		if getPriority(key[len(prefixMessage)+offPriority:]) < minPriority {
			break
		}
		if err := t.removeByKey(key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (t *txn) DeleteMessagesByID(id storage.MessageID) (int, error) {
	idKeys := t.keys(messageIDPrefix(id))
	for _, idKey := range idKeys {
		item, err := t.txn.Get(idKey)
		if err != nil {
			return 0, err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		if err := t.removeByKey(key); err != nil {
			return 0, err
		}
	}
	return len(idKeys), nil
}

func (t *txn) DeleteExpiredMessages(now time.Time) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefixExpiry
	opts.PrefetchValues = false
	it := t.txn.NewIterator(opts)

	var expired [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		if !decodeExpiryTime(key).Before(now) {
			break
		}
		expired = append(expired, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, ek := range expired {
		rest := ek[len(prefixExpiry):]
		receiver := storage.ClientID(getInt32(rest[8:12]))
		id := storage.MessageID(getInt64(rest[12:20]))
		if _, err := t.DeleteMessage(receiver, id); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func (t *txn) InsertCancellable(id storage.MessageID) error {
	return t.set(cancelKey(id), nil)
}

func (t *txn) DeleteCancellable(id storage.MessageID) (bool, error) {
	key := cancelKey(id)
	ok, err := t.has(key)
	if err != nil || !ok {
		return false, err
	}
	return true, t.del(key)
}

func (t *txn) DeleteOrphanedCancellables() (int, error) {
	var orphans [][]byte
	for _, key := range t.keys(prefixCancel) {
		if !t.first(messageIDPrefix(decodeCancelKey(key))) {
			orphans = append(orphans, key)
		}
	}
	return len(orphans), t.deleteKeys(orphans)
}

func (t *txn) Clear() error {
	for _, prefix := range allPrefixes {
		if err := t.deleteKeys(t.keys(prefix)); err != nil {
			return err
		}
	}
	return nil
}
