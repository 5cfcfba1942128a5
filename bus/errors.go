// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"

	"github.com/absmach/txbus/storage"
)

// Precondition errors. They wrap storage.ErrUserAbort: the unit was aborted
// on purpose and nothing was written.
var (
	ErrClientNotConnected = fmt.Errorf("%w: client not connected", storage.ErrUserAbort)
	ErrAlreadyRegistered  = fmt.Errorf("%w: already registered", storage.ErrUserAbort)
	ErrClientIDExhausted  = fmt.Errorf("%w: no free client id", storage.ErrUserAbort)
)
