package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalWriteReadRoundTrip(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	status, err := l.WriteFile(ctx, "blobs/ab/abcd", []byte("hello"), WriteSettings{})
	require.NoError(t, err)
	require.Equal(t, WriteSuccess, status)

	data, err := l.ReadFile(ctx, "blobs/ab/abcd")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
}

func TestLocalConditionalWriteIsSilent(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	settings := WriteSettings{Conditional: true}
	status, err := l.WriteFile(ctx, "blobs/x", []byte("one"), settings)
	require.NoError(t, err)
	require.Equal(t, WriteSuccess, status)

	status, err = l.WriteFile(ctx, "blobs/x", []byte("two"), settings)
	require.NoError(t, err)
	require.Equal(t, WriteAlreadyExists, status)

	data, err := l.ReadFile(ctx, "blobs/x")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), data, "conditional write must not clobber the existing blob")
}

func TestLocalTestFile(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	status, _, err := l.TestFile(ctx, "missing")
	require.NoError(t, err)
	require.Equal(t, Missing, status)

	_, err = l.WriteFile(ctx, "present", []byte("12345"), WriteSettings{})
	require.NoError(t, err)

	status, size, err := l.TestFile(ctx, "present")
	require.NoError(t, err)
	require.Equal(t, Exists, status)
	require.EqualValues(t, 5, size)
}

func TestLocalListFiles(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	paths := []string{"blobs/R/aa/aa01", "blobs/R/bb/bb02", "blobs/M/cc/cc03"}
	for _, p := range paths {
		_, err := l.WriteFile(ctx, p, []byte("x"), WriteSettings{})
		require.NoError(t, err)
	}

	var found []string
	err = l.ListFiles(ctx, "blobs", func(path string, size int64) error {
		found = append(found, path)
		return nil
	})
	require.NoError(t, err)
	require.ElementsMatch(t, paths, found)
}

func TestLocalDeleteFile(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.WriteFile(ctx, "gone", []byte("x"), WriteSettings{})
	require.NoError(t, err)
	require.NoError(t, l.DeleteFile(ctx, "gone"))
	require.NoError(t, l.DeleteFile(ctx, "gone"), "deleting an already-absent file is not an error")

	status, _, err := l.TestFile(ctx, "gone")
	require.NoError(t, err)
	require.Equal(t, Missing, status)
}

func TestLocalRetainFileIsNoop(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.WriteFile(ctx, "x", []byte("x"), WriteSettings{})
	require.NoError(t, err)
	require.NoError(t, l.RetainFile(ctx, "x", 1000))
}
