package disktier

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	creedmoor "github.com/bitemyapp/creedmoor"
)

const (
	// compressionThreshold is the minimum value size before compression is
	// considered. zstd overhead is not worth it for smaller values.
	compressionThreshold = 2048

	encodingIdentity = 0x00
	encodingZstd     = 0x01

	// envelopeHeaderSize is magic(4) + flags(1) + size(8) + digest(32).
	envelopeHeaderSize = 4 + 1 + 8 + creedmoor.HashSize
)

// envelopeMagic is the 4-byte prefix for stored value envelopes.
var envelopeMagic = []byte("CDM1")

var (
	// ErrInvalidMagic is returned when a stored value doesn't start with the
	// expected envelope magic bytes.
	ErrInvalidMagic = errors.New("invalid envelope magic bytes")

	// ErrCorrupted is returned when the stored digest does not match the
	// decoded value.
	ErrCorrupted = errors.New("value digest mismatch")

	// ErrDecompressionBomb is returned when an envelope claims a logical size
	// larger than any entry the cache could have admitted.
	ErrDecompressionBomb = errors.New("decompressed value exceeds maximum size")
)

// valueCodec encodes values into storage envelopes with optional zstd
// compression and a BLAKE3 digest of the original bytes.
//
// Envelope format:
//
//	MAGIC (4 bytes) | FLAGS (1 byte) | SIZE (uint64 big-endian) | DIGEST (32 bytes) | PAYLOAD
//
// SIZE is always the logical (uncompressed) length; budget accounting reads
// it from the envelope and from the recency record, never from the payload.
type valueCodec struct {
	compress   bool
	maxDecoded int64 // largest admissible logical size, i.e. the disk budget

	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// newValueCodec creates a codec with pooled zstd encoder/decoder. The
// decoder is always created so a cache opened without compression can still
// read envelopes written with it enabled.
func newValueCodec(compress bool, maxDecoded int64) (*valueCodec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	c := &valueCodec{compress: compress, maxDecoded: maxDecoded, decoder: dec}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		c.encoder = enc
	}
	return c, nil
}

// Close releases encoder/decoder resources.
func (c *valueCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode builds a storage envelope for value.
func (c *valueCodec) Encode(value []byte) []byte {
	digest := creedmoor.HashBytes(value)

	flags := byte(encodingIdentity)
	payload := value

	if c.compress && len(value) >= compressionThreshold {
		c.mu.RLock()
		enc := c.encoder
		c.mu.RUnlock()

		if enc != nil {
			compressed := enc.EncodeAll(value, nil)
			if len(compressed) < len(value) {
				flags = encodingZstd
				payload = compressed
			}
		}
	}

	env := make([]byte, envelopeHeaderSize+len(payload))
	copy(env, envelopeMagic)
	env[4] = flags
	binary.BigEndian.PutUint64(env[5:13], uint64(len(value)))
	copy(env[13:13+creedmoor.HashSize], digest[:])
	copy(env[envelopeHeaderSize:], payload)
	return env
}

// Decode unpacks a storage envelope, decompressing if needed and verifying
// the digest. The returned slice is freshly allocated and safe to retain
// after the enclosing bbolt transaction ends.
func (c *valueCodec) Decode(env []byte) ([]byte, error) {
	if len(env) < envelopeHeaderSize {
		return nil, ErrInvalidMagic
	}
	if !bytes.Equal(env[:4], envelopeMagic) {
		return nil, ErrInvalidMagic
	}

	flags := env[4]
	logicalSize := binary.BigEndian.Uint64(env[5:13])
	if c.maxDecoded > 0 && logicalSize > uint64(c.maxDecoded) {
		return nil, ErrDecompressionBomb
	}
	var digest creedmoor.Hash
	copy(digest[:], env[13:13+creedmoor.HashSize])
	payload := env[envelopeHeaderSize:]

	var value []byte
	switch flags {
	case encodingIdentity:
		value = make([]byte, len(payload))
		copy(value, payload)
	case encodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		// logicalSize is capped against the budget above, so a corrupted
		// frame cannot claim an unbounded allocation.
		decompressed, err := dec.DecodeAll(payload, make([]byte, 0, logicalSize))
		if err != nil {
			return nil, fmt.Errorf("decompressing value: %w", err)
		}
		value = decompressed
	default:
		return nil, fmt.Errorf("unsupported envelope encoding: 0x%02x", flags)
	}

	if uint64(len(value)) != logicalSize {
		return nil, ErrCorrupted
	}
	if creedmoor.HashBytes(value) != digest {
		return nil, ErrCorrupted
	}
	return value, nil
}
