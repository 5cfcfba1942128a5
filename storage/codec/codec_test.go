// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		want Compression
		err  bool
	}{
		{"", None, false},
		{"none", None, false},
		{"S2", S2, false},
		{" zstd ", Zstd, false},
		{"gzip", None, true},
	}
	for _, tc := range cases {
		got, err := Parse(tc.name)
		if tc.err {
			assert.ErrorIs(t, err, ErrUnknownCompression, tc.name)
			continue
		}
		require.NoError(t, err, tc.name)
		assert.Equal(t, tc.want, got, tc.name)
		assert.Equal(t, tc.want, mustParse(t, got.String()))
	}
}

func mustParse(t *testing.T, name string) Compression {
	t.Helper()
	c, err := Parse(name)
	require.NoError(t, err)
	return c
}

func TestEncodeDecode(t *testing.T) {
	compressible := bytes.Repeat([]byte("txbus payload "), 100)

	for _, c := range []Compression{None, S2, Zstd} {
		t.Run(c.String(), func(t *testing.T) {
			used, enc := Encode(c, compressible)
			assert.Equal(t, c, used)
			if c != None {
				assert.Less(t, len(enc), len(compressible))
			}

			dec, err := Decode(used, enc)
			require.NoError(t, err)
			assert.Equal(t, compressible, dec)
		})
	}
}

func TestEncodeSmallPayload(t *testing.T) {
	small := []byte("short")
	used, enc := Encode(Zstd, small)
	assert.Equal(t, None, used)
	assert.Equal(t, small, enc)
}

func TestDecodeUnknown(t *testing.T) {
	_, err := Decode(Compression(9), []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownCompression)
}
