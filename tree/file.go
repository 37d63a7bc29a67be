package tree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"rekkord/oid"
)

// RawChunk is one entry in a File blob's chunk list.
type RawChunk struct {
	Offset int64
	Len    int32
	Hash   oid.Hash
}

const rawChunkSize = 8 + 4 + 32

// File is the decoded form of a File blob: its chunk list plus the
// trailing total size.
type File struct {
	Chunks    []RawChunk
	TotalSize int64
}

// EncodeFile serializes a File blob: repeated RawChunk{offset, len,
// hash} then a trailing total_size (spec.md §4.F).
func EncodeFile(f File) []byte {
	buf := make([]byte, 0, len(f.Chunks)*rawChunkSize+8)
	var tmp [rawChunkSize]byte
	for _, c := range f.Chunks {
		binary.LittleEndian.PutUint64(tmp[0:], uint64(c.Offset))
		binary.LittleEndian.PutUint32(tmp[8:], uint32(c.Len))
		copy(tmp[12:], c.Hash[:])
		buf = append(buf, tmp[:]...)
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(f.TotalSize))
	buf = append(buf, sizeBuf[:]...)
	return buf
}

// DecodeFile reverses EncodeFile, validating that chunk offsets are
// non-decreasing and non-overlapping and that total_size matches the
// last chunk's extent (spec.md §4.F).
func DecodeFile(raw []byte) (File, error) {
	if len(raw) < 8 {
		return File{}, errors.New("tree: truncated file blob")
	}
	body := raw[:len(raw)-8]
	if len(body)%rawChunkSize != 0 {
		return File{}, errors.New("tree: file blob chunk list misaligned")
	}

	var f File
	var prevEnd int64
	for off := 0; off < len(body); off += rawChunkSize {
		var c RawChunk
		c.Offset = int64(binary.LittleEndian.Uint64(body[off:]))
		c.Len = int32(binary.LittleEndian.Uint32(body[off+8:]))
		copy(c.Hash[:], body[off+12:off+12+32])

		if c.Len < 0 {
			return File{}, fmt.Errorf("tree: negative chunk length %d", c.Len)
		}
		if c.Offset < prevEnd {
			return File{}, fmt.Errorf("tree: chunk offset %d overlaps previous chunk ending at %d", c.Offset, prevEnd)
		}
		prevEnd = c.Offset + int64(c.Len)
		f.Chunks = append(f.Chunks, c)
	}

	f.TotalSize = int64(binary.LittleEndian.Uint64(raw[len(raw)-8:]))
	if len(f.Chunks) > 0 && f.TotalSize != prevEnd {
		return File{}, fmt.Errorf("tree: total_size %d does not match last chunk extent %d", f.TotalSize, prevEnd)
	}
	if len(f.Chunks) == 0 && f.TotalSize != 0 {
		return File{}, fmt.Errorf("tree: total_size %d on an empty chunk list", f.TotalSize)
	}
	return f, nil
}
