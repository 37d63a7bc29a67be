package blobcodec

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
)

// segmentSize is the plaintext size of one stream segment. On the wire a
// full segment costs segmentSize+17 bytes: a 1-byte tag plus the
// XChaCha20-Poly1305 ciphertext-and-tag overhead (spec.md §4.C).
const segmentSize = 32 * 1024

const (
	segmentTagMessage byte = 0x00
	segmentTagFinal   byte = 0x01
)

// newStreamCipher opens an XChaCha20-Poly1305 AEAD for segment sealing.
func newStreamCipher(key [32]byte) (cipher.AEAD, error) {
	return chacha20poly1305.NewX(key[:])
}

// segmentNonce derives the per-segment nonce from the blob's random
// 24-byte stream header and a monotonically increasing segment counter,
// so no two segments of the same blob ever reuse a nonce.
func segmentNonce(header [24]byte, counter uint64) [24]byte {
	nonce := header
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		nonce[16+i] ^= ctr[i]
	}
	return nonce
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// sealSegment encrypts one segment, returning the 1-byte tag prefix
// followed by the ciphertext.
func sealSegment(aead cipher.AEAD, header [24]byte, counter uint64, tag byte, plaintext []byte) []byte {
	nonce := segmentNonce(header, counter)
	out := make([]byte, 0, 1+len(plaintext)+aead.Overhead())
	out = append(out, tag)
	out = aead.Seal(out, nonce[:], plaintext, []byte{tag})
	return out
}

// openSegment decrypts one wire segment (tag byte + ciphertext) and
// returns its tag and plaintext.
func openSegment(aead cipher.AEAD, header [24]byte, counter uint64, wire []byte) (byte, []byte, error) {
	if len(wire) < 1+aead.Overhead() {
		return 0, nil, ErrMalformedBlob
	}
	tag := wire[0]
	nonce := segmentNonce(header, counter)
	plain, err := aead.Open(nil, nonce[:], wire[1:], []byte{tag})
	if err != nil {
		return 0, nil, ErrAuthenticationFailed
	}
	return tag, plain, nil
}
