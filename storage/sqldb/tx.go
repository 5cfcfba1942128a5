// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/absmach/txbus/storage"
)

const metaLastID = "last_id"

var (
	_ storage.ReadTx = (*reader)(nil)
	_ storage.Tx     = (*txn)(nil)
)

type reader struct {
	ctx   context.Context
	unit  Unit
	store *Store
	now   time.Time
}

type txn struct {
	reader
	lastID int64
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func (r *reader) exec(query string, args ...any) (int64, error) {
	res, err := r.unit.ExecContext(r.ctx, r.store.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *reader) query(query string, args ...any) (*sql.Rows, error) {
	return r.unit.QueryContext(r.ctx, r.store.rebind(query), args...)
}

func (r *reader) exists(query string, args ...any) (bool, error) {
	var one int
	err := r.unit.QueryRowContext(r.ctx, r.store.rebind(query), args...).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	default:
		return false, err
	}
}

// placeholders returns "?, ?, ..." for n values and the values as args.
func placeholders(ids []storage.ClientID) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = int32(id)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", "), args
}

// maxInArgs bounds one IN list well below the bind parameter limits of
// SQLite (32766) and PostgreSQL (65535).
const maxInArgs = 1000

// clientsIn runs head + "?, ...) ORDER BY client_id" over ids in batches of
// maxInArgs and returns the matches in ascending order.
func (r *reader) clientsIn(head string, args []any, ids []storage.ClientID) ([]storage.ClientID, error) {
	ids = storage.UniqueClients(ids)

	var out []storage.ClientID
	for len(ids) > 0 {
		n := min(len(ids), maxInArgs)
		in, batch := placeholders(ids[:n])
		rows, err := r.query(head+in+`) ORDER BY client_id`, append(slices.Clone(args), batch...)...)
		if err != nil {
			return nil, err
		}
		got, err := scanClients(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
		ids = ids[n:]
	}
	return out, nil
}

func scanClients(rows *sql.Rows) ([]storage.ClientID, error) {
	defer rows.Close()

	var out []storage.ClientID
	for rows.Next() {
		var id int32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, storage.ClientID(id))
	}
	return out, rows.Err()
}

func (r *reader) Now() time.Time {
	return r.now
}

func (r *reader) ConnectedClients(ids []storage.ClientID) ([]storage.ClientID, error) {
	return r.clientsIn(`SELECT client_id FROM clients WHERE disconnect_time IS NULL AND client_id IN (`, nil, ids)
}

func (r *reader) IsSendable(client storage.ClientID, typ storage.TypeID) (bool, error) {
	return r.exists(`SELECT 1 FROM sendable WHERE client_id = ? AND type_id = ?`, int32(client), int32(typ))
}

func (r *reader) ReceivableClients(ids []storage.ClientID, typ storage.TypeID) ([]storage.ClientID, error) {
	return r.clientsIn(`SELECT client_id FROM receivable WHERE type_id = ? AND client_id IN (`, []any{int32(typ)}, ids)
}

func (r *reader) Receivers(typ storage.TypeID) ([]storage.ClientID, error) {
	rows, err := r.query(`SELECT client_id FROM receivable WHERE type_id = ? ORDER BY client_id`, int32(typ))
	if err != nil {
		return nil, err
	}
	return scanClients(rows)
}

const messageColumns = `message_id, receiver_id, sender_id, send_time, expiration_time, priority, type_id, payload`

const deliveryOrder = ` ORDER BY priority DESC, expiration_time, send_time, message_id`

func scanMessages(rows *sql.Rows) ([]storage.QueuedMessage, error) {
	defer rows.Close()

	var out []storage.QueuedMessage
	for rows.Next() {
		var (
			m                        storage.QueuedMessage
			id, sent, exp            int64
			receiver, sender, typeID int32
			prio                     int16
			payload                  []byte
		)
		if err := rows.Scan(&id, &receiver, &sender, &sent, &exp, &prio, &typeID, &payload); err != nil {
			return nil, err
		}
		m.ID = storage.MessageID(id)
		m.Receiver = storage.ClientID(receiver)
		m.Sender = storage.ClientID(sender)
		m.SendTime = fromMicros(sent)
		m.Expiration = fromMicros(exp)
		m.Priority = storage.Priority(prio)
		m.Type = storage.TypeID(typeID)
		if len(payload) > 0 {
			m.Payload = payload
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *reader) Messages(q storage.MessageQuery) ([]storage.QueuedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM queued_messages WHERE receiver_id = ? AND priority >= ?`
	args := []any{int32(q.Receiver), int16(q.MinPriority)}
	if !q.VisibleAt.IsZero() {
		query += ` AND expiration_time > ?`
		args = append(args, micros(q.VisibleAt))
	}
	query += deliveryOrder
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := r.query(query, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (r *reader) CountMessages(receiver storage.ClientID) (int, error) {
	var n int
	err := r.unit.QueryRowContext(r.ctx, r.store.rebind(`SELECT COUNT(*) FROM queued_messages WHERE receiver_id = ?`), int32(receiver)).Scan(&n)
	return n, err
}

func (r *reader) scanRegistrations(table string) ([]storage.Registration, error) {
	rows, err := r.query(`SELECT client_id, type_id FROM ` + table + ` ORDER BY client_id, type_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Registration
	for rows.Next() {
		var client, typ int32
		if err := rows.Scan(&client, &typ); err != nil {
			return nil, err
		}
		out = append(out, storage.Registration{Client: storage.ClientID(client), Type: storage.TypeID(typ)})
	}
	return out, rows.Err()
}

func (r *reader) Snapshot() (storage.Snapshot, error) {
	var (
		snap storage.Snapshot
		err  error
	)

	rows, err := r.query(`SELECT client_id, serial, connect_time, disconnect_time FROM clients ORDER BY client_id, serial`)
	if err != nil {
		return snap, fmt.Errorf("clients: %w", err)
	}
	for rows.Next() {
		var (
			id      int32
			serial  int64
			connect int64
			disc    sql.NullInt64
		)
		if err := rows.Scan(&id, &serial, &connect, &disc); err != nil {
			rows.Close()
			return snap, fmt.Errorf("clients: %w", err)
		}
		c := storage.Client{ID: storage.ClientID(id), Serial: serial, ConnectTime: fromMicros(connect)}
		if disc.Valid {
			at := fromMicros(disc.Int64)
			c.DisconnectTime = &at
		}
		snap.Clients = append(snap.Clients, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("clients: %w", err)
	}

	if snap.Sendable, err = r.scanRegistrations("sendable"); err != nil {
		return snap, fmt.Errorf("sendable: %w", err)
	}
	if snap.Receivable, err = r.scanRegistrations("receivable"); err != nil {
		return snap, fmt.Errorf("receivable: %w", err)
	}

	rows, err = r.query(`SELECT message_id FROM cancellable_messages ORDER BY message_id`)
	if err != nil {
		return snap, fmt.Errorf("cancellable: %w", err)
	}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return snap, fmt.Errorf("cancellable: %w", err)
		}
		snap.Cancellable = append(snap.Cancellable, storage.MessageID(id))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return snap, fmt.Errorf("cancellable: %w", err)
	}

	rows, err = r.query(`SELECT ` + messageColumns + ` FROM queued_messages ORDER BY receiver_id, priority DESC, expiration_time, send_time, message_id`)
	if err != nil {
		return snap, fmt.Errorf("messages: %w", err)
	}
	if snap.Messages, err = scanMessages(rows); err != nil {
		return snap, fmt.Errorf("messages: %w", err)
	}
	return snap, nil
}

func (t *txn) NextID() int64 {
	t.lastID = t.store.ids.Next()
	return t.lastID
}

func (t *txn) saveLastID() error {
	_, err := t.exec(`INSERT INTO bus_meta (name, value) VALUES (?, ?) ON CONFLICT (name) DO UPDATE SET value = excluded.value`, metaLastID, t.lastID)
	if err != nil {
		return fmt.Errorf("%s: save id high-water mark: %w", t.store.dialect.Name, err)
	}
	return nil
}

// insert runs an INSERT ... ON CONFLICT DO NOTHING statement and maps an
// ignored row to storage.ErrAlreadyExists. Conflicts never raise, so
// transactions that abort on the first error stay usable.
func (t *txn) insert(query string, args ...any) error {
	n, err := t.exec(query+` ON CONFLICT DO NOTHING`, args...)
	if err != nil {
		if t.store.dialect.IsUniqueViolation != nil && t.store.dialect.IsUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return err
	}
	if n == 0 {
		return storage.ErrAlreadyExists
	}
	return nil
}

func (t *txn) InsertClient(c storage.Client) error {
	var disc sql.NullInt64
	if c.DisconnectTime != nil {
		disc = sql.NullInt64{Int64: micros(*c.DisconnectTime), Valid: true}
	}
	return t.insert(`INSERT INTO clients (client_id, serial, connect_time, disconnect_time) VALUES (?, ?, ?, ?)`,
		int32(c.ID), c.Serial, micros(c.ConnectTime), disc)
}

func (t *txn) DisconnectClient(id storage.ClientID, at time.Time) (bool, error) {
	n, err := t.exec(`UPDATE clients SET disconnect_time = ? WHERE client_id = ? AND disconnect_time IS NULL`, micros(at), int32(id))
	return n > 0, err
}

func (t *txn) InsertSendable(reg storage.Registration) error {
	return t.insert(`INSERT INTO sendable (client_id, type_id) VALUES (?, ?)`, int32(reg.Client), int32(reg.Type))
}

func (t *txn) InsertReceivable(reg storage.Registration) error {
	return t.insert(`INSERT INTO receivable (client_id, type_id) VALUES (?, ?)`, int32(reg.Client), int32(reg.Type))
}

func (t *txn) DeleteRegistrations(client storage.ClientID) error {
	if _, err := t.exec(`DELETE FROM sendable WHERE client_id = ?`, int32(client)); err != nil {
		return err
	}
	_, err := t.exec(`DELETE FROM receivable WHERE client_id = ?`, int32(client))
	return err
}

func (t *txn) InsertMessage(m storage.QueuedMessage) error {
	return t.insert(`INSERT INTO queued_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(m.ID), int32(m.Receiver), int32(m.Sender), micros(m.SendTime), micros(m.Expiration),
		int16(m.Priority), int32(m.Type), m.Payload)
}

func (t *txn) DeleteMessage(receiver storage.ClientID, id storage.MessageID) (bool, error) {
	n, err := t.exec(`DELETE FROM queued_messages WHERE receiver_id = ? AND message_id = ?`, int32(receiver), int64(id))
	return n > 0, err
}

func (t *txn) DeleteReceiverMessages(receiver storage.ClientID, minPriority storage.Priority) (int, error) {
	n, err := t.exec(`DELETE FROM queued_messages WHERE receiver_id = ? AND priority >= ?`, int32(receiver), int16(minPriority))
	return int(n), err
}

func (t *txn) DeleteMessagesByID(id storage.MessageID) (int, error) {
	n, err := t.exec(`DELETE FROM queued_messages WHERE message_id = ?`, int64(id))
	return int(n), err
}

func (t *txn) DeleteExpiredMessages(now time.Time) (int, error) {
	n, err := t.exec(`DELETE FROM queued_messages WHERE expiration_time < ?`, micros(now))
	return int(n), err
}

func (t *txn) InsertCancellable(id storage.MessageID) error {
	err := t.insert(`INSERT INTO cancellable_messages (message_id) VALUES (?)`, int64(id))
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (t *txn) DeleteCancellable(id storage.MessageID) (bool, error) {
	n, err := t.exec(`DELETE FROM cancellable_messages WHERE message_id = ?`, int64(id))
	return n > 0, err
}

func (t *txn) DeleteOrphanedCancellables() (int, error) {
	n, err := t.exec(`DELETE FROM cancellable_messages WHERE NOT EXISTS (
  SELECT 1 FROM queued_messages q WHERE q.message_id = cancellable_messages.message_id
)`)
	return int(n), err
}

func (t *txn) Clear() error {
	for _, table := range []string{"queued_messages", "cancellable_messages", "sendable", "receivable", "clients"} {
		if _, err := t.exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return nil
}
