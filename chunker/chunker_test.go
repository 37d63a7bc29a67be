package chunker

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type boundary struct {
	idx    int
	offset int64
	length int
}

func chunkAll(seed uint64, data []byte, windowSize int) []boundary {
	c := New(seed)
	var got []boundary
	emit := func(idx int, offset int64, chunk []byte) {
		got = append(got, boundary{idx, offset, len(chunk)})
	}
	for off := 0; off < len(data); off += windowSize {
		end := off + windowSize
		if end > len(data) {
			end = len(data)
		}
		c.Process(data[off:end], false, emit)
	}
	c.Process(nil, true, emit)
	return got
}

func TestDeterministicAcrossWindowSizes(t *testing.T) {
	data := make([]byte, 20*1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	a := chunkAll(42, data, 4096)
	b := chunkAll(42, data, 1<<20)
	c := chunkAll(42, data, len(data)) // single window
	require.Equal(t, a, b)
	require.Equal(t, a, c)
}

func TestConcatRoundTrip(t *testing.T) {
	data := make([]byte, 15*1024*1024+777)
	_, err := rand.Read(data)
	require.NoError(t, err)

	bounds := chunkAll(7, data, 64*1024)

	var rebuilt bytes.Buffer
	for _, b := range bounds {
		rebuilt.Write(data[b.offset : b.offset+int64(b.length)])
	}
	require.Equal(t, data, rebuilt.Bytes())
}

func TestBounds(t *testing.T) {
	data := make([]byte, 25*1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	bounds := chunkAll(1, data, 32*1024)
	require.NotEmpty(t, bounds)
	for i, b := range bounds {
		require.Equal(t, i, b.idx)
		require.LessOrEqual(t, b.length, MaxSize)
		if i != len(bounds)-1 {
			require.GreaterOrEqual(t, b.length, MinSize)
		}
	}
}

func TestDifferentSeedsDifferentBoundaries(t *testing.T) {
	data := make([]byte, 10*1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	a := chunkAll(1, data, 64*1024)
	b := chunkAll(2, data, 64*1024)
	require.NotEqual(t, a, b)
}

func TestProcessConsumesWholeWindow(t *testing.T) {
	c := New(3)
	window := make([]byte, 4096)
	n := c.Process(window, false, func(int, int64, []byte) {})
	require.Equal(t, len(window), n)
}

func TestSmallInputSingleChunk(t *testing.T) {
	data := []byte("a small file well under the minimum chunk size")
	bounds := chunkAll(9, data, 16)
	require.Len(t, bounds, 1)
	require.EqualValues(t, 0, bounds[0].offset)
	require.Equal(t, len(data), bounds[0].length)
}
