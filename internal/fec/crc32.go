package fec

import (
	"encoding/binary"
	"hash/crc32"
)

const crcSize = 4

// sealShard appends the big-endian CRC-32 (IEEE) of shard.
func sealShard(shard []byte) []byte {
	out := make([]byte, len(shard)+crcSize)
	copy(out, shard)
	binary.BigEndian.PutUint32(out[len(shard):], crc32.ChecksumIEEE(shard))
	return out
}

// openShard strips and verifies the trailing CRC-32 of a sealed shard.
func openShard(sealed []byte) ([]byte, bool) {
	if len(sealed) < crcSize {
		return nil, false
	}
	body := sealed[:len(sealed)-crcSize]
	return body, crc32.ChecksumIEEE(body) == binary.BigEndian.Uint32(sealed[len(body):])
}
