package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"rekkord/keyset"
	"rekkord/oid"
)

func TestWriteTagThenListTagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	id := oid.OID{Catalog: oid.CatalogMeta}
	id.Hash[0] = 0xAB

	err := WriteTag(ctx, repo.Store, repo.Keyset, "main@20260731-120000", id, []byte("trailing header"))
	require.NoError(t, err)

	tags, err := ListTags(ctx, repo.Store, repo.Keyset)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, "main@20260731-120000", tags[0].Name)
	require.Equal(t, id, tags[0].OID)
	require.Equal(t, []byte("trailing header"), tags[0].Payload)
}

func TestWriteTagWithLargePayloadFragments(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	id := oid.OID{Catalog: oid.CatalogMeta}
	id.Hash[0] = 0xCD

	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	err := WriteTag(ctx, repo.Store, repo.Keyset, "big", id, payload)
	require.NoError(t, err)

	tags, err := ListTags(ctx, repo.Store, repo.Keyset)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	require.Equal(t, payload, tags[0].Payload)
}

func TestListTagsSkipsTagFromForeignKeyset(t *testing.T) {
	ctx := context.Background()
	repo, _ := newTestRepo(t)

	id := oid.OID{Catalog: oid.CatalogRaw}
	id.Hash[0] = 0xEF

	require.NoError(t, WriteTag(ctx, repo.Store, repo.Keyset, "good", id, nil))

	var fragPaths []string
	require.NoError(t, repo.Store.ListFiles(ctx, "tags", func(path string, size int64) error {
		fragPaths = append(fragPaths, path)
		return nil
	}))
	require.NotEmpty(t, fragPaths)

	for _, p := range fragPaths {
		require.NoError(t, repo.Store.DeleteFile(ctx, p))
	}

	// Write a new tag from a keyset of a different master key: its badge
	// is not signed by this repository's nkey, so it fails the vkey check.
	other, err := keyset.FromMaster([32]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, WriteTag(ctx, repo.Store, other, "impostor", id, nil))

	tags, err := ListTags(ctx, repo.Store, repo.Keyset)
	require.NoError(t, err)
	require.Len(t, tags, 0)
}
