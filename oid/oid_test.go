package oid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOIDStringRoundTrip(t *testing.T) {
	var salt [32]byte
	o := New(salt, TypeChunk, []byte("hello"))
	s := o.String()
	require.Len(t, s, 65)

	parsed, err := Parse(s)
	require.NoError(t, err)
	require.Equal(t, o, parsed)
}

func TestTypeBindingChangesHash(t *testing.T) {
	var salt [32]byte
	p := []byte("same plaintext")
	h1 := Sum(salt, TypeChunk, p)
	h2 := Sum(salt, TypeFile, p)
	require.NotEqual(t, h1, h2)
}

func TestOIDStability(t *testing.T) {
	var salt [32]byte
	p := []byte("some plaintext")
	o1 := New(salt, TypeDirectory, p)
	o2 := New(salt, TypeDirectory, p)
	require.Equal(t, o1, o2)
	require.Equal(t, CatalogMeta, o1.Catalog)
}

func TestCatalogAssignment(t *testing.T) {
	require.Equal(t, CatalogMeta, TypeDirectory.Catalog())
	require.Equal(t, CatalogMeta, TypeSnapshot.Catalog())
	require.Equal(t, CatalogRaw, TypeChunk.Catalog())
	require.Equal(t, CatalogRaw, TypeFile.Catalog())
	require.Equal(t, CatalogRaw, TypeLink.Catalog())
}

func TestBlobPath(t *testing.T) {
	var salt [32]byte
	o := New(salt, TypeChunk, []byte("x"))
	path := o.BlobPath()
	require.Equal(t, "blobs/"+string(CatalogRaw)+"/"+o.Hash.String()[:2]+"/"+o.Hash.String(), path)
}
