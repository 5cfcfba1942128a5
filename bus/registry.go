// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"math"

	"github.com/absmach/txbus/storage"
)

// direction selects the registration table.
type direction uint8

const (
	sending direction = iota
	receiving
)

func (d direction) insert(tx storage.Tx, r storage.Registration) error {
	if d == sending {
		return tx.InsertSendable(r)
	}
	return tx.InsertReceivable(r)
}

// connect draws serials until one folds to an id that has no connected row.
func connect(tx storage.Tx, attempts int) (storage.ClientID, error) {
	now := tx.Now()
	for i := 0; i < attempts; i++ {
		serial := tx.NextID()
		c := storage.Client{
			ID:          storage.FoldClientID(serial),
			Serial:      serial,
			ConnectTime: now,
		}
		err := tx.InsertClient(c)
		switch {
		case err == nil:
			return c.ID, nil
		case errors.Is(err, storage.ErrAlreadyExists):
			continue
		default:
			return 0, err
		}
	}
	return 0, ErrClientIDExhausted
}

// disconnect closes the connection of id and drops its registrations and
// queued messages.
func disconnect(tx storage.Tx, id storage.ClientID) error {
	ok, err := tx.DisconnectClient(id, tx.Now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrClientNotConnected
	}
	if err := tx.DeleteRegistrations(id); err != nil {
		return err
	}
	_, err = tx.DeleteReceiverMessages(id, math.MinInt16)
	return err
}

func isConnected(tx storage.ReadTx, id storage.ClientID) (bool, error) {
	ids, err := tx.ConnectedClients([]storage.ClientID{id})
	if err != nil {
		return false, err
	}
	return len(ids) == 1, nil
}

func register(tx storage.Tx, d direction, r storage.Registration) error {
	ok, err := isConnected(tx, r.Client)
	if err != nil {
		return err
	}
	if !ok {
		return ErrClientNotConnected
	}
	err = d.insert(tx, r)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return ErrAlreadyRegistered
	}
	return err
}

func registerUnchecked(tx storage.Tx, d direction, r storage.Registration) error {
	err := d.insert(tx, r)
	if errors.Is(err, storage.ErrAlreadyExists) {
		return nil
	}
	return err
}
