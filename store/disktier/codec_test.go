package disktier

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, compress bool) *valueCodec {
	t.Helper()
	c, err := newValueCodec(compress, 1<<30)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestValueCodec_RoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		value    []byte
	}{
		{"identity small value", false, []byte("hello")},
		{"identity empty value", false, []byte{}},
		{"compression enabled but value below threshold", true, []byte("small")},
		{"compression of compressible value", true, bytes.Repeat([]byte("abcdefgh"), 1024)},
		{"identity large value", false, bytes.Repeat([]byte("abcdefgh"), 1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCodec(t, tt.compress)

			env := c.Encode(tt.value)
			got, err := c.Decode(env)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestValueCodec_CompressionShrinksEnvelope(t *testing.T) {
	c := newTestCodec(t, true)

	value := bytes.Repeat([]byte("abcdefgh"), 1024)
	env := c.Encode(value)

	assert.Equal(t, byte(encodingZstd), env[4])
	assert.Less(t, len(env), len(value))

	// The header still records the logical size.
	assert.Equal(t, uint64(len(value)), binary.BigEndian.Uint64(env[5:13]))
}

func TestValueCodec_IncompressibleStaysIdentity(t *testing.T) {
	c := newTestCodec(t, true)

	// Random data does not shrink, so the codec keeps the raw bytes rather
	// than paying decompression for nothing.
	value := make([]byte, 4*compressionThreshold)
	_, err := rand.Read(value)
	require.NoError(t, err)

	env := c.Encode(value)
	assert.Equal(t, byte(encodingIdentity), env[4])

	got, err := c.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestValueCodec_SmallValuesSkipCompression(t *testing.T) {
	c := newTestCodec(t, true)

	env := c.Encode(make([]byte, compressionThreshold-1))
	assert.Equal(t, byte(encodingIdentity), env[4])
}

func TestValueCodec_DecodeErrors(t *testing.T) {
	c := newTestCodec(t, true)

	t.Run("truncated envelope", func(t *testing.T) {
		_, err := c.Decode([]byte("CDM"))
		require.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("wrong magic", func(t *testing.T) {
		env := c.Encode([]byte("value"))
		env[0] = 'X'
		_, err := c.Decode(env)
		require.ErrorIs(t, err, ErrInvalidMagic)
	})

	t.Run("corrupted payload", func(t *testing.T) {
		env := c.Encode([]byte("payload bytes"))
		env[len(env)-1] ^= 0xFF
		_, err := c.Decode(env)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("corrupted digest", func(t *testing.T) {
		env := c.Encode([]byte("payload bytes"))
		env[13] ^= 0xFF
		_, err := c.Decode(env)
		require.ErrorIs(t, err, ErrCorrupted)
	})

	t.Run("truncated compressed payload", func(t *testing.T) {
		env := c.Encode(bytes.Repeat([]byte("abcdefgh"), 1024))
		require.Equal(t, byte(encodingZstd), env[4])
		_, err := c.Decode(env[:len(env)-10])
		require.Error(t, err)
	})

	t.Run("unknown encoding flag", func(t *testing.T) {
		env := c.Encode([]byte("value"))
		env[4] = 0x7F
		_, err := c.Decode(env)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported envelope encoding")
	})

	t.Run("oversized logical size claim", func(t *testing.T) {
		small, err := newValueCodec(false, 64)
		require.NoError(t, err)
		defer small.Close()

		env := small.Encode([]byte("ok"))
		binary.BigEndian.PutUint64(env[5:13], 1<<40)
		_, err = small.Decode(env)
		require.ErrorIs(t, err, ErrDecompressionBomb)
	})
}

func TestValueCodec_DecoderWorksWithoutCompression(t *testing.T) {
	// A codec opened with compression disabled still decodes envelopes
	// written by a compressing codec.
	writer := newTestCodec(t, true)
	reader := newTestCodec(t, false)

	value := bytes.Repeat([]byte("abcdefgh"), 1024)
	env := writer.Encode(value)
	require.Equal(t, byte(encodingZstd), env[4])

	got, err := reader.Decode(env)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}
