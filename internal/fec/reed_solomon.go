// Package fec protects a payload carried over several spatial streams. The
// payload is split into Reed-Solomon shards, one per stream, and every shard
// carries a CRC-32 so that a stream with residual bit errors becomes an
// erasure instead of corrupting the reconstruction.
package fec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// ErrTooManyErasures is returned when more shards failed their checksum than
// the parity can replace.
var ErrTooManyErasures = errors.New("fec: too many erased shards")

const lengthSize = 4

// StreamCodec maps a payload onto one sealed shard per stream.
type StreamCodec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
}

// NewStreamCodec creates a codec for numStreams streams of which
// parityShards carry parity.
func NewStreamCodec(numStreams, parityShards int) (*StreamCodec, error) {
	if parityShards < 1 || parityShards >= numStreams {
		return nil, fmt.Errorf("fec: parity shards must lie in [1, %d), got %d", numStreams, parityShards)
	}
	enc, err := reedsolomon.New(numStreams-parityShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("create reed-solomon encoder: %w", err)
	}
	return &StreamCodec{enc: enc, dataShards: numStreams - parityShards, parityShards: parityShards}, nil
}

// DataShards returns the number of data shards.
func (c *StreamCodec) DataShards() int { return c.dataShards }

// ParityShards returns the number of parity shards.
func (c *StreamCodec) ParityShards() int { return c.parityShards }

// NumShards returns the number of streams.
func (c *StreamCodec) NumShards() int { return c.dataShards + c.parityShards }

// SealedShardSize returns the size in bytes of every sealed shard for a
// payload of n bytes.
func (c *StreamCodec) SealedShardSize(n int) int {
	framed := n + lengthSize
	return (framed+c.dataShards-1)/c.dataShards + crcSize
}

// MaxPayload returns the largest payload whose sealed shards fit in
// capacity bytes per stream, or -1 if none fits.
func (c *StreamCodec) MaxPayload(capacity int) int {
	n := (capacity-crcSize)*c.dataShards - lengthSize
	if n < 0 {
		return -1
	}
	return n
}

// Encode splits payload into NumShards sealed shards of equal size.
func (c *StreamCodec) Encode(payload []byte) ([][]byte, error) {
	framed := make([]byte, lengthSize+len(payload))
	binary.BigEndian.PutUint32(framed, uint32(len(payload)))
	copy(framed[lengthSize:], payload)

	shards, err := c.enc.Split(framed)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	sealed := make([][]byte, len(shards))
	for i, s := range shards {
		sealed[i] = sealShard(s)
	}
	return sealed, nil
}

// Decode verifies every sealed shard, erases the ones whose checksum fails
// and reconstructs the payload. It returns the indices of the erased shards.
func (c *StreamCodec) Decode(sealed [][]byte) ([]byte, []int, error) {
	if len(sealed) != c.NumShards() {
		return nil, nil, fmt.Errorf("fec: got %d shards, want %d", len(sealed), c.NumShards())
	}
	shards := make([][]byte, len(sealed))
	var erased []int
	for i, s := range sealed {
		body, ok := openShard(s)
		if !ok {
			erased = append(erased, i)
			continue
		}
		shards[i] = body
	}
	if len(erased) > c.parityShards {
		return nil, erased, fmt.Errorf("%w: %d of %d", ErrTooManyErasures, len(erased), len(sealed))
	}
	if len(erased) > 0 {
		if err := c.enc.ReconstructData(shards); err != nil {
			return nil, erased, fmt.Errorf("reconstruct: %w", err)
		}
	}

	var framed []byte
	for _, s := range shards[:c.dataShards] {
		framed = append(framed, s...)
	}
	if len(framed) < lengthSize {
		return nil, erased, fmt.Errorf("fec: reconstructed %d bytes, too short for the length header", len(framed))
	}
	n := int(binary.BigEndian.Uint32(framed))
	if n > len(framed)-lengthSize {
		return nil, erased, fmt.Errorf("fec: payload length %d exceeds the %d reconstructed bytes", n, len(framed)-lengthSize)
	}
	return framed[lengthSize : lengthSize+n], erased, nil
}
