// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package sqldb

import (
	"testing"

	"github.com/absmach/txbus/storage"
	"github.com/stretchr/testify/assert"
)

func TestRebind(t *testing.T) {
	numbered := &Store{dialect: Dialect{Numbered: true}}
	plain := &Store{dialect: Dialect{}}

	q := `SELECT 1 FROM sendable WHERE client_id = ? AND type_id = ?`
	assert.Equal(t, `SELECT 1 FROM sendable WHERE client_id = $1 AND type_id = $2`, numbered.rebind(q))
	// Cached result is stable.
	assert.Equal(t, numbered.rebind(q), numbered.rebind(q))
	assert.Equal(t, q, plain.rebind(q))
}

func TestPlaceholders(t *testing.T) {
	in, args := placeholders([]storage.ClientID{4, 5, 6})
	assert.Equal(t, "?, ?, ?", in)
	assert.Equal(t, []any{int32(4), int32(5), int32(6)}, args)

	in, args = placeholders(nil)
	assert.Empty(t, in)
	assert.Empty(t, args)
}
