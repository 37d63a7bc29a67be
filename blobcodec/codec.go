// Package blobcodec implements Rekkord's blob envelope: authenticated
// XChaCha20-Poly1305 encryption in fixed-size segments over an LZ4-
// compressed payload, Padmé-padded to hide the exact plaintext size
// (spec.md §4.C).
package blobcodec

import (
	"bytes"
	"crypto/rand"
	"io"

	"github.com/pierrec/lz4/v4"

	"rekkord/oid"
	"rekkord/sealedbox"
)

const (
	introVersion = 7
	introSize    = 1 + 1 + 80 + 24 // version, type, sealed key, stream header
)

// Level selects the LZ4 compression level used when writing blobs.
type Level = lz4.CompressionLevel

// Encode seals plaintext P of blob type T into an on-wire blob, ready to
// be written at the OID's blob path. wkey is the repository's data
// sealed-box public key.
func Encode(typ oid.Type, plaintext []byte, wkey [32]byte, level Level) ([]byte, error) {
	compressed, err := compress(plaintext, level)
	if err != nil {
		return nil, err
	}

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, err
	}
	var header [24]byte
	if _, err := rand.Read(header[:]); err != nil {
		return nil, err
	}

	sealedKey, err := sealedbox.Seal(wkey, key[:])
	if err != nil {
		return nil, err
	}

	aead, err := newStreamCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, introSize+len(compressed)+len(compressed)/segmentSize*18+64)
	out = append(out, introVersion, byte(typ))
	out = append(out, sealedKey...)
	out = append(out, header[:]...)

	target := padmeLen(uint64(len(compressed)))
	hasPadding := target > uint64(len(compressed))

	var counter uint64
	off := 0
	for {
		end := off + segmentSize
		atEnd := end >= len(compressed)
		if atEnd {
			end = len(compressed)
		}
		tag := segmentTagMessage
		if atEnd && !hasPadding {
			tag = segmentTagFinal
		}
		out = append(out, sealSegment(aead, header, counter, tag, compressed[off:end])...)
		counter++
		off = end
		if atEnd {
			break
		}
	}

	// The very last padding segment, not the preceding message segment,
	// carries TAG_FINAL when padding is present (spec.md §4.C).
	for padded := uint64(len(compressed)); padded < target; {
		n := target - padded
		if n > segmentSize {
			n = segmentSize
		}
		tag := segmentTagMessage
		if padded+n >= target {
			tag = segmentTagFinal
		}
		zeros := make([]byte, n)
		out = append(out, sealSegment(aead, header, counter, tag, zeros)...)
		counter++
		padded += n
	}

	return out, nil
}

// Decode reverses Encode. dkey is the data sealed-box secret key paired
// with wkey.
func Decode(raw []byte, dkey, wkey [32]byte) (oid.Type, []byte, error) {
	if len(raw) < introSize {
		return 0, nil, ErrMalformedBlob
	}
	if raw[0] != introVersion {
		return 0, nil, ErrUnexpectedVersion
	}
	typ := oid.Type(int8(raw[1]))

	sealedKey := raw[2:82]
	var header [24]byte
	copy(header[:], raw[82:introSize])

	keyBytes, err := sealedbox.Open(sealedKey, wkey, dkey)
	if err != nil {
		return 0, nil, ErrAuthenticationFailed
	}
	var key [32]byte
	copy(key[:], keyBytes)

	aead, err := newStreamCipher(key)
	if err != nil {
		return 0, nil, err
	}

	rest := raw[introSize:]
	var compressed bytes.Buffer
	var counter uint64
	sawFinal := false

	for len(rest) > 0 {
		segLen := segmentSize + 1 + aead.Overhead()
		if segLen > len(rest) {
			segLen = len(rest)
		}
		tag, plain, err := openSegment(aead, header, counter, rest[:segLen])
		if err != nil {
			return 0, nil, err
		}
		if !sawFinal {
			compressed.Write(plain)
			if tag == segmentTagFinal {
				sawFinal = true
			}
		}
		counter++
		rest = rest[segLen:]
	}
	if !sawFinal {
		return 0, nil, ErrTruncatedBlob
	}

	plaintext, err := decompress(compressed.Bytes())
	if err != nil {
		return 0, nil, ErrMalformedBlob
	}
	return typ, plaintext, nil
}

func compress(p []byte, level Level) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(p []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(p))
	return io.ReadAll(r)
}
