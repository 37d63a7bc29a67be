package blobcodec

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"rekkord/oid"
)

func genKeyPair(t *testing.T) (wkey, dkey [32]byte) {
	t.Helper()
	_, err := rand.Read(dkey[:])
	require.NoError(t, err)
	pub, err := curve25519.X25519(dkey[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(wkey[:], pub)
	return wkey, dkey
}

func TestCodecRoundTrip(t *testing.T) {
	wkey, dkey := genKeyPair(t)
	lengths := []int{0, 1, 31, 32, 33, 32*1024 - 1, 32 * 1024, 32*1024 + 1, 1024 * 1024}
	types := []oid.Type{oid.TypeChunk, oid.TypeFile, oid.TypeDirectory, oid.TypeSnapshot, oid.TypeLink}

	for _, typ := range types {
		for _, n := range lengths {
			p := make([]byte, n)
			_, err := rand.Read(p)
			require.NoError(t, err)

			enc, err := Encode(typ, p, wkey, 0)
			require.NoError(t, err)

			gotType, gotPlain, err := Decode(enc, dkey, wkey)
			require.NoError(t, err)
			require.Equal(t, typ, gotType)
			require.Equal(t, p, gotPlain)
		}
	}
}

func TestPaddingInvariant(t *testing.T) {
	wkey, dkey := genKeyPair(t)

	a := make([]byte, 1000)
	b := make([]byte, 1010)
	encA, err := Encode(oid.TypeChunk, a, wkey, 0)
	require.NoError(t, err)
	encB, err := Encode(oid.TypeChunk, b, wkey, 0)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(encA), len(a))
	require.Equal(t, len(encA), len(encB), "plaintexts in the same Padmé bucket must encode to equal length")

	_, _, err = Decode(encA, dkey, wkey)
	require.NoError(t, err)
}

func TestTypeBinding(t *testing.T) {
	// Encodes carry no hash; type binding is about oid.Sum, exercised in
	// the oid package. Here we just confirm the codec faithfully
	// round-trips distinct type codes for identical plaintext.
	wkey, dkey := genKeyPair(t)
	p := []byte("identical plaintext")

	enc1, err := Encode(oid.TypeChunk, p, wkey, 0)
	require.NoError(t, err)
	enc2, err := Encode(oid.TypeFile, p, wkey, 0)
	require.NoError(t, err)

	t1, _, err := Decode(enc1, dkey, wkey)
	require.NoError(t, err)
	t2, _, err := Decode(enc2, dkey, wkey)
	require.NoError(t, err)
	require.NotEqual(t, t1, t2)
}

func TestUnexpectedVersion(t *testing.T) {
	wkey, dkey := genKeyPair(t)
	enc, err := Encode(oid.TypeChunk, []byte("x"), wkey, 0)
	require.NoError(t, err)
	enc[0] = 9
	_, _, err = Decode(enc, dkey, wkey)
	require.ErrorIs(t, err, ErrUnexpectedVersion)
}

func TestAuthenticationFailed(t *testing.T) {
	wkey, dkey := genKeyPair(t)
	enc, err := Encode(oid.TypeChunk, []byte("hello world"), wkey, 0)
	require.NoError(t, err)
	enc[len(enc)-1] ^= 0xFF
	_, _, err = Decode(enc, dkey, wkey)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestTruncatedBlob(t *testing.T) {
	wkey, dkey := genKeyPair(t)
	p := make([]byte, 100*1024)
	enc, err := Encode(oid.TypeChunk, p, wkey, 0)
	require.NoError(t, err)

	// Cut well before the final segment so no TAG_FINAL is ever observed.
	truncated := enc[:introSizeForTest()+10]
	_, _, err = Decode(truncated, dkey, wkey)
	require.Error(t, err)
}

func introSizeForTest() int { return introSize }
