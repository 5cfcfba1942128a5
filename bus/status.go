// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bus

import "strconv"

// SendStatus is the outcome of a checked send. The numeric values are stable.
type SendStatus uint8

const (
	StatusOK SendStatus = iota
	StatusNoReceivers
	StatusSenderNotConnected
	StatusSenderNotRegisteredForType
	StatusReceiverNotRegisteredForType
)

func (s SendStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoReceivers:
		return "no_receivers"
	case StatusSenderNotConnected:
		return "sender_not_connected"
	case StatusSenderNotRegisteredForType:
		return "sender_not_registered_for_type"
	case StatusReceiverNotRegisteredForType:
		return "receiver_not_registered_for_type"
	default:
		return "status(" + strconv.Itoa(int(s)) + ")"
	}
}
