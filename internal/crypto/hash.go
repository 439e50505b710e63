package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const ListHashSize = 32

// Jenkins computes the one-at-a-time hash used for the 32-bit demux ids that
// prefix every group packet.
func Jenkins(data []byte) uint32 {
	var h uint32
	for _, b := range data {
		h += uint32(b)
		h += h << 10
		h ^= h >> 6
	}
	h += h << 3
	h ^= h >> 11
	h += h << 15
	return h
}

// ListHash hashes a packed list (moderator list, sanction signatures) into a
// fixed 32-byte digest.
func ListHash(data []byte) [ListHashSize]byte {
	return sha3.Sum256(data)
}

// IDCmp orders two public keys lexicographically.
func IDCmp(a, b [EncPublicKeySize]byte) int {
	return bytes.Compare(a[:], b[:])
}

// IDCloser reports whether a is closer to target than b under the XOR metric.
func IDCloser(target [ChatIDSize]byte, a, b [SigPublicKeySize]byte) bool {
	for i := 0; i < ChatIDSize; i++ {
		da := target[i] ^ a[i]
		db := target[i] ^ b[i]
		if da != db {
			return da < db
		}
	}
	return false
}

// RandomU32 returns a uniformly random 32-bit value.
func RandomU32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}
