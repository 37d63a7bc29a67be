package restore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"rekkord/backup"
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

func TestRestoreSnapshotReproducesTree(t *testing.T) {
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

	dest := t.TempDir()
	rp := New(repo, Flags{Force: true})
	rres, err := rp.Restore(ctx, res.OID, dest)
	require.NoError(t, err)
	require.Greater(t, rres.EntriesRestored, int64(0))
	require.Greater(t, rres.BytesWritten, int64(0))

	restoredSrc := filepath.Join(dest, filepath.ToSlash(src)[1:])
	got, err := os.ReadFile(filepath.Join(restoredSrc, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = os.ReadFile(filepath.Join(restoredSrc, "sub", "b.txt"))
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestRestoreBigFileRoundTrips(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	cache := newTestCache(t)

	src := t.TempDir()
	data := make([]byte, 3<<20)
	for i := range data {
		data[i] = byte(i * 7)
	}
	require.NoError(t, os.WriteFile(filepath.Join(src, "big.bin"), data, 0o644))

	sp := backup.New(repo, cache, backup.Flags{NoAtime: true})
	res, err := sp.Save(ctx, "daily", []string{src})
	require.NoError(t, err)

	dest := t.TempDir()
	rp := New(repo, Flags{Force: true})
	_, err = rp.Restore(ctx, res.OID, dest)
	require.NoError(t, err)

	restoredSrc := filepath.Join(dest, filepath.ToSlash(src)[1:])
	got, err := os.ReadFile(filepath.Join(restoredSrc, "big.bin"))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestRestoreFakeWritesNothing(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	cache := newTestCache(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))

	sp := backup.New(repo, cache, backup.Flags{NoAtime: true})
	res, err := sp.Save(ctx, "daily", []string{src})
	require.NoError(t, err)

	dest := t.TempDir()
	rp := New(repo, Flags{Force: true, Fake: true})
	rres, err := rp.Restore(ctx, res.OID, dest)
	require.NoError(t, err)
	require.Greater(t, rres.BytesWritten, int64(0))

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRestoreUnlinkRemovesExtraneousFiles(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	cache := newTestCache(t)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644))

	sp := backup.New(repo, cache, backup.Flags{NoAtime: true})
	res, err := sp.Save(ctx, "daily", []string{src})
	require.NoError(t, err)

	dest := t.TempDir()
	restoredSrc := filepath.Join(dest, filepath.ToSlash(src)[1:])
	require.NoError(t, os.MkdirAll(restoredSrc, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(restoredSrc, "stale.txt"), []byte("old"), 0o644))

	rp := New(repo, Flags{Force: true, Unlink: true})
	_, err = rp.Restore(ctx, res.OID, dest)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(restoredSrc, "stale.txt"))
	require.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(restoredSrc, "a.txt"))
	require.NoError(t, err)
}
