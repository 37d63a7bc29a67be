package statcache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutCommitGetStat(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	e := StatEntry{Path: "/a/b", MTime: 1, CTime: 2, Mode: 0o644, Size: 100, Hash: "deadbeef", Stored: 100}
	c.PutStat(e)

	got, ok, err := c.GetStat(ctx, "/a/b")
	require.NoError(t, err)
	require.True(t, ok, "uncommitted put must still be visible to GetStat")
	require.Equal(t, e, got)

	require.NoError(t, c.Commit(ctx))
	got, ok, err = c.GetStat(ctx, "/a/b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, e, got)
}

func TestStatMatches(t *testing.T) {
	e := StatEntry{MTime: 1, CTime: 2, Mode: 0o644, Size: 100}
	require.True(t, e.Matches(1, 2, 0o644, 100))
	require.False(t, e.Matches(1, 2, 0o644, 101))
}

func TestHasBlob(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	has, err := c.HasBlob(ctx, "M:abcd")
	require.NoError(t, err)
	require.False(t, has)

	c.PutBlob("M:abcd", 10)
	has, err = c.HasBlob(ctx, "M:abcd")
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, c.Commit(ctx))
	has, err = c.HasBlob(ctx, "M:abcd")
	require.NoError(t, err)
	require.True(t, has)
}

func TestWipeClearsEverything(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	c.PutBlob("M:x", 1)
	c.PutStat(StatEntry{Path: "/x"})
	require.NoError(t, c.Commit(ctx))

	require.NoError(t, c.Wipe(ctx))

	has, err := c.HasBlob(ctx, "M:x")
	require.NoError(t, err)
	require.False(t, has)

	_, ok, err := c.GetStat(ctx, "/x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGetCheck(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	_, _, _, ok, err := c.GetCheck(ctx, "M:missing")
	require.NoError(t, err)
	require.False(t, ok)

	c.PutCheck("M:x", 12345, true, false)
	require.NoError(t, c.Commit(ctx))

	mark, valid, retained, ok, err := c.GetCheck(ctx, "M:x")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 12345, mark)
	require.True(t, valid)
	require.False(t, retained)
}

func TestCachePathDeterministic(t *testing.T) {
	a := CachePath("/cache", "local:/tmp/repo", "rid1")
	b := CachePath("/cache", "local:/tmp/repo", "rid1")
	c := CachePath("/cache", "local:/tmp/repo", "rid2")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}
