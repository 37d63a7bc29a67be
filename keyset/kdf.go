package keyset

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"
)

// kdfContext is the fixed 8-byte context mixed into every subkey derivation,
// binding derived keys to this format (spec.md §4.B).
var kdfContext = [8]byte{'R', 'E', 'K', 'K', 'O', 'R', 'D', '0'}

// Subkey indices used against the 32-byte master key.
const (
	subkeyConfig  uint64 = 0
	subkeyData    uint64 = 1
	subkeyLog     uint64 = 2
	subkeyNeutral uint64 = 3
)

// deriveSubkey derives a 32-byte subkey from the master key by keyed
// BLAKE2b over (context || index), mirroring libsodium's
// crypto_kdf_derive_from_key construction.
func deriveSubkey(master [32]byte, index uint64) [32]byte {
	var msg [16]byte
	copy(msg[:8], kdfContext[:])
	binary.LittleEndian.PutUint64(msg[8:], index)

	h, err := blake2b.New256(master[:])
	if err != nil {
		// blake2b.New256 only fails for an over-long key; master is fixed
		// at 32 bytes so this can never happen.
		panic(err)
	}
	h.Write(msg[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SaltKind selects which deterministic per-repository domain salt
// make_salt derives (spec.md §4.D).
type SaltKind uint64

const (
	SaltHash        SaltKind = 0 // blob OID hashing
	SaltSplitter    SaltKind = 1 // chunker gear-table seed
	SaltStatCachePath SaltKind = 2
)

// MakeSalt derives a deterministic 32-byte domain salt from wkey, keyed by
// kind. Used both to key blob hashing and to seed the content-defined
// chunker, so the same repository always produces the same boundaries.
func MakeSalt(wkey [32]byte, kind SaltKind) [32]byte {
	var msg [8]byte
	binary.LittleEndian.PutUint64(msg[:], uint64(kind))
	h, err := blake2b.New256(wkey[:])
	if err != nil {
		panic(err)
	}
	h.Write(msg[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
