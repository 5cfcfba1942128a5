// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import "github.com/absmach/txbus/storage"

func markCancellable(tx storage.Tx, id storage.MessageID) error {
	return tx.InsertCancellable(id)
}

// cancel withdraws every queued copy of the cancellable ids. Unknown ids are
// skipped. It returns the number of copies removed.
func cancel(tx storage.Tx, ids []storage.MessageID) (int, error) {
	removed := 0
	for _, id := range ids {
		ok, err := tx.DeleteCancellable(id)
		if err != nil {
			return removed, err
		}
		if !ok {
			continue
		}
		n, err := tx.DeleteMessagesByID(id)
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// ExpireResult reports what one ExpireMessages unit removed.
type ExpireResult struct {
	Expired int
	Orphans int
}

func expire(tx storage.Tx) (ExpireResult, error) {
	expired, err := purgeExpired(tx)
	if err != nil {
		return ExpireResult{}, err
	}
	orphans, err := tx.DeleteOrphanedCancellables()
	if err != nil {
		return ExpireResult{}, err
	}
	return ExpireResult{Expired: expired, Orphans: orphans}, nil
}
