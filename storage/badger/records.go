// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"errors"
	"fmt"
	"time"

	"github.com/absmach/txbus/storage"
	"github.com/absmach/txbus/storage/codec"
	"google.golang.org/protobuf/encoding/protowire"
)

var errCorrupt = errors.New("corrupt record")

// Client record fields.
const (
	fieldConnectTime    protowire.Number = 1
	fieldDisconnectTime protowire.Number = 2
)

// Message record fields. Key fields are not repeated in the value.
const (
	fieldSender      protowire.Number = 1
	fieldType        protowire.Number = 2
	fieldCompression protowire.Number = 3
	fieldPayload     protowire.Number = 4
)

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func encodeClient(c storage.Client) []byte {
	b := appendSint(nil, fieldConnectTime, c.ConnectTime.UnixMicro())
	if c.DisconnectTime != nil {
		b = appendSint(b, fieldDisconnectTime, c.DisconnectTime.UnixMicro())
	}
	return b
}

func decodeClient(val []byte, c *storage.Client) error {
	return scan(val, func(num protowire.Number, v int64, _ []byte) {
		switch num {
		case fieldConnectTime:
			c.ConnectTime = time.UnixMicro(v).UTC()
		case fieldDisconnectTime:
			at := time.UnixMicro(v).UTC()
			c.DisconnectTime = &at
		}
	})
}

func encodeMessage(m storage.QueuedMessage, compression codec.Compression) []byte {
	used, payload := codec.Encode(compression, m.Payload)

	b := appendSint(nil, fieldSender, int64(m.Sender))
	b = appendSint(b, fieldType, int64(m.Type))
	if used != codec.None {
		b = appendSint(b, fieldCompression, int64(used))
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

func decodeMessage(val []byte, m *storage.QueuedMessage) error {
	compression := codec.None
	var payload []byte
	err := scan(val, func(num protowire.Number, v int64, raw []byte) {
		switch num {
		case fieldSender:
			m.Sender = storage.ClientID(v)
		case fieldType:
			m.Type = storage.TypeID(v)
		case fieldCompression:
			compression = codec.Compression(v)
		case fieldPayload:
			payload = raw
		}
	})
	if err != nil {
		return err
	}

	if len(payload) == 0 {
		m.Payload = nil
		return nil
	}
	dec, err := codec.Decode(compression, payload)
	if err != nil {
		return err
	}
	if compression == codec.None {
		// The value buffer is only valid inside the badger transaction.
		dec = append([]byte(nil), payload...)
	}
	m.Payload = dec
	return nil
}

// scan walks the fields of a record. Varints are zigzag-decoded; bytes
// fields are passed as raw sub-slices of val.
func scan(val []byte, fn func(num protowire.Number, v int64, raw []byte)) error {
	for len(val) > 0 {
		num, typ, n := protowire.ConsumeTag(val)
		if n < 0 {
			return fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
		}
		val = val[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(val)
			if n < 0 {
				return fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			fn(num, protowire.DecodeZigZag(v), nil)
			val = val[n:]
		case protowire.BytesType:
			raw, n := protowire.ConsumeBytes(val)
			if n < 0 {
				return fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			fn(num, 0, raw)
			val = val[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, val)
			if n < 0 {
				return fmt.Errorf("%w: %v", errCorrupt, protowire.ParseError(n))
			}
			val = val[n:]
		}
	}
	return nil
}
