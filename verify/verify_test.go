package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"rekkord/backup"
	"rekkord/oid"
	"rekkord/repository"
	"rekkord/statcache"
	"rekkord/store"
)

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	st, err := store.NewLocal(t.TempDir())
	require.NoError(t, err)

	var mkey [32]byte
	copy(mkey[:], []byte("0123456789abcdef0123456789abcde"))

	repo, err := repository.Init(context.Background(), st, mkey, nil)
	require.NoError(t, err)
	return repo
}

func newTestCache(t *testing.T) *statcache.Cache {
	t.Helper()
	c, err := statcache.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestVerifyCleanSnapshotIsAllValid(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	cache := newTestCache(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o644))

	sp := backup.New(repo, cache, backup.Flags{NoAtime: true})
	res, err := sp.Save(ctx, "daily", []string{src})
	require.NoError(t, err)

	vp := New(repo, nil, Flags{})
	result, failures := vp.Verify(ctx, []oid.OID{res.OID})
	require.Empty(t, failures)
	require.Greater(t, result.Checked, int64(0))
	require.Equal(t, result.Checked, result.Valid)
	require.Equal(t, int64(0), result.Invalid)
}

func TestVerifyDetectsCorruptedBlob(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	cache := newTestCache(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello rekkord"), 0o644))

	sp := backup.New(repo, cache, backup.Flags{NoAtime: true})
	res, err := sp.Save(ctx, "daily", []string{src})
	require.NoError(t, err)

	// Flip the last byte of the snapshot blob's stored bytes directly in
	// the store, bypassing write_blob; verify's read of the blob then
	// fails authentication.
	blobPath := res.OID.BlobPath()
	raw, err := repo.Store.ReadFile(ctx, blobPath)
	require.NoError(t, err)
	corrupted := append([]byte(nil), raw...)
	corrupted[len(corrupted)-1] ^= 0xFF
	_, err = repo.Store.WriteFile(ctx, blobPath, corrupted, store.WriteSettings{})
	require.NoError(t, err)

	vp := New(repo, nil, Flags{})
	_, failures := vp.Verify(ctx, []oid.OID{res.OID})
	require.Len(t, failures, 1)
	require.Equal(t, res.OID, failures[0].OID)
}

func TestVerifyChecksCacheShortCircuitsRescan(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	cache := newTestCache(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))

	sp := backup.New(repo, cache, backup.Flags{NoAtime: true})
	res, err := sp.Save(ctx, "daily", []string{src})
	require.NoError(t, err)
	require.NoError(t, cache.Commit(ctx))

	checksCache := newTestCache(t)
	vp1 := New(repo, checksCache, Flags{})
	result1, failures := vp1.Verify(ctx, []oid.OID{res.OID})
	require.Empty(t, failures)
	require.NoError(t, checksCache.Commit(ctx))

	vp2 := New(repo, checksCache, Flags{})
	result2, failures := vp2.Verify(ctx, []oid.OID{res.OID})
	require.Empty(t, failures)
	require.Equal(t, int64(1), result2.Checked)
}
