// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"time"

	"github.com/absmach/txbus/storage"
)

// Key layout. Integers are big-endian with the sign bit flipped so byte order
// matches numeric order; priorities are additionally inverted so iteration
// yields the highest priority first.
//
//	c/{client}{serial}                      client row
//	cx/{client}                             serial of the connected row
//	s/{client}{type}                        sendable registration
//	rc/{client}{type}                       receivable registration
//	r/{type}{client}                        receivers of a type
//	m/{receiver}{^prio}{exp}{sent}{id}      queued message, delivery order
//	mi/{id}{receiver}                       id index, value is the m/ key
//	me/{exp}{receiver}{id}                  expiration index
//	k/{id}                                  cancellable id
//	meta/last_id                            id generator high-water mark
var (
	prefixClient     = []byte("c/")
	prefixConnected  = []byte("cx/")
	prefixSendable   = []byte("s/")
	prefixReceivable = []byte("rc/")
	prefixReceivers  = []byte("r/")
	prefixMessage    = []byte("m/")
	prefixMessageID  = []byte("mi/")
	prefixExpiry     = []byte("me/")
	prefixCancel     = []byte("k/")
	keyLastID        = []byte("meta/last_id")

	allPrefixes = [][]byte{
		prefixClient, prefixConnected, prefixSendable, prefixReceivable,
		prefixReceivers, prefixMessage, prefixMessageID, prefixExpiry, prefixCancel,
	}
)

func putInt32(b []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(v)^(1<<31))
}

func putInt64(b []byte, v int64) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(v)^(1<<63))
}

func putPriority(b []byte, p storage.Priority) []byte {
	return binary.BigEndian.AppendUint16(b, ^(uint16(p) ^ (1 << 15)))
}

func getInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b) ^ (1 << 31))
}

func getInt64(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63))
}

func getPriority(b []byte) storage.Priority {
	return storage.Priority(int16(^binary.BigEndian.Uint16(b) ^ (1 << 15)))
}

func putTime(b []byte, t time.Time) []byte {
	return putInt64(b, t.UnixMicro())
}

func getTime(b []byte) time.Time {
	return time.UnixMicro(getInt64(b)).UTC()
}

func with(prefix []byte, n int) []byte {
	b := make([]byte, len(prefix), len(prefix)+n)
	copy(b, prefix)
	return b
}

func clientKey(id storage.ClientID, serial int64) []byte {
	return putInt64(putInt32(with(prefixClient, 12), int32(id)), serial)
}

func clientPrefix(id storage.ClientID) []byte {
	return putInt32(with(prefixClient, 4), int32(id))
}

func connectedKey(id storage.ClientID) []byte {
	return putInt32(with(prefixConnected, 4), int32(id))
}

func pairKey(prefix []byte, a, b int32) []byte {
	return putInt32(putInt32(with(prefix, 8), a), b)
}

func pairPrefix(prefix []byte, a int32) []byte {
	return putInt32(with(prefix, 4), a)
}

func sendableKey(r storage.Registration) []byte {
	return pairKey(prefixSendable, int32(r.Client), int32(r.Type))
}

func receivableKey(r storage.Registration) []byte {
	return pairKey(prefixReceivable, int32(r.Client), int32(r.Type))
}

func receiversKey(r storage.Registration) []byte {
	return pairKey(prefixReceivers, int32(r.Type), int32(r.Client))
}

func decodePair(key, prefix []byte) (int32, int32) {
	rest := key[len(prefix):]
	return getInt32(rest[:4]), getInt32(rest[4:8])
}

// messageKey fields sit at fixed offsets after the prefix.
const (
	offReceiver = 0
	offPriority = 4
	offExpiry   = 6
	offSent     = 14
	offID       = 22
	messageLen  = 30
)

func messageKey(m storage.QueuedMessage) []byte {
	b := with(prefixMessage, messageLen)
	b = putInt32(b, int32(m.Receiver))
	b = putPriority(b, m.Priority)
	b = putTime(b, m.Expiration)
	b = putTime(b, m.SendTime)
	return putInt64(b, int64(m.ID))
}

func receiverPrefix(receiver storage.ClientID) []byte {
	return putInt32(with(prefixMessage, 4), int32(receiver))
}

// decodeMessageKey fills the key fields of m.
func decodeMessageKey(key []byte, m *storage.QueuedMessage) {
	rest := key[len(prefixMessage):]
	m.Receiver = storage.ClientID(getInt32(rest[offReceiver:]))
	m.Priority = getPriority(rest[offPriority:])
	m.Expiration = getTime(rest[offExpiry:])
	m.SendTime = getTime(rest[offSent:])
	m.ID = storage.MessageID(getInt64(rest[offID:]))
}

func messageIDKey(id storage.MessageID, receiver storage.ClientID) []byte {
	return putInt32(putInt64(with(prefixMessageID, 12), int64(id)), int32(receiver))
}

func messageIDPrefix(id storage.MessageID) []byte {
	return putInt64(with(prefixMessageID, 8), int64(id))
}

func expiryKey(m storage.QueuedMessage) []byte {
	b := with(prefixExpiry, 20)
	b = putTime(b, m.Expiration)
	b = putInt32(b, int32(m.Receiver))
	return putInt64(b, int64(m.ID))
}

func decodeExpiryTime(key []byte) time.Time {
	return getTime(key[len(prefixExpiry):])
}

func cancelKey(id storage.MessageID) []byte {
	return putInt64(with(prefixCancel, 8), int64(id))
}

func decodeCancelKey(key []byte) storage.MessageID {
	return storage.MessageID(getInt64(key[len(prefixCancel):]))
}
