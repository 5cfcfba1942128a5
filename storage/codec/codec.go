// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec compresses message payloads for persistent backends.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies a payload encoding. The value is persisted next to
// every payload, so existing values must never change.
type Compression uint8

const (
	None Compression = iota
	S2
	Zstd
)

// MinSize is the smallest payload that gets compressed.
const MinSize = 256

var ErrUnknownCompression = errors.New("unknown compression")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// Parse maps a configuration name to a Compression. The empty name is None.
func Parse(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "s2":
		return S2, nil
	case "zstd":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

func (c Compression) String() string {
	switch c {
	case None:
		return "none"
	case S2:
		return "s2"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Encode compresses data with c. Payloads below MinSize, and payloads that do
// not shrink, are kept as they are; the returned Compression tells which
// encoding was applied.
func Encode(c Compression, data []byte) (Compression, []byte) {
	if len(data) < MinSize {
		return None, data
	}

	var out []byte
	switch c {
	case S2:
		out = s2.Encode(nil, data)
	case Zstd:
		out = zstdEncoder.EncodeAll(data, nil)
	default:
		return None, data
	}
	if len(out) >= len(data) {
		return None, data
	}
	return c, out
}

// Decode reverses Encode.
func Decode(c Compression, data []byte) ([]byte, error) {
	switch c {
	case None:
		return data, nil
	case S2:
		return s2.Decode(nil, data)
	case Zstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, uint8(c))
	}
}
