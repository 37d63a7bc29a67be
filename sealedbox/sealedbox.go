// Package sealedbox implements anonymous Curve25519 sealed boxes: a
// sender with no key pair of its own encrypts to a recipient's public
// key, the way spec.md §3/§4.C use wkey/tkey to seal a fresh per-blob
// key and a per-tag payload.
package sealedbox

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
)

const Overhead = 32 + box.Overhead // ephemeral public key + Poly1305 tag

// Seal encrypts message to recipientPub. The returned ciphertext is
// len(message)+Overhead bytes: a fresh ephemeral public key followed by
// the boxed message.
func Seal(recipientPub [32]byte, message []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	nonce, err := sealNonce(ephPub, &recipientPub)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 32+len(message)+box.Overhead)
	out = append(out, ephPub[:]...)
	out = box.Seal(out, message, &nonce, &recipientPub, ephPriv)
	return out, nil
}

// Open reverses Seal, given the recipient's key pair.
func Open(ciphertext []byte, recipientPub, recipientPriv [32]byte) ([]byte, error) {
	if len(ciphertext) < 32+box.Overhead {
		return nil, errors.New("sealedbox: ciphertext too short")
	}
	var ephPub [32]byte
	copy(ephPub[:], ciphertext[:32])

	nonce, err := sealNonce(&ephPub, &recipientPub)
	if err != nil {
		return nil, err
	}
	out, ok := box.Open(nil, ciphertext[32:], &nonce, &ephPub, &recipientPriv)
	if !ok {
		return nil, errors.New("sealedbox: authentication failed")
	}
	return out, nil
}

// sealNonce derives the box nonce as BLAKE2b(ephemeral_pub || recipient_pub),
// the same construction libsodium's crypto_box_seal uses so a fixed nonce
// never gets reused under the same key pair.
func sealNonce(ephPub, recipientPub *[32]byte) ([24]byte, error) {
	var nonce [24]byte
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nonce, err
	}
	h.Write(ephPub[:])
	h.Write(recipientPub[:])
	copy(nonce[:], h.Sum(nil))
	return nonce, nil
}
