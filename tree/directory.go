package tree

import (
	"encoding/binary"
	"errors"
)

const directoryHeaderSize = 8 + 8

// Directory is the decoded form of a Directory blob: a header plus an
// ordered list of child Entry records.
type Directory struct {
	Size int64
	// Count is the recursive entry count across the whole subtree rooted
	// here (spec.md §3): every file, link and directory nested anywhere
	// below, not just len(Entries)'s immediate children.
	Count   int64
	Entries []Entry
}

// EncodeDirectory serializes a Directory blob: DirectoryHeader{size,
// entries} followed by each entry with no separator (spec.md §4.F).
// allowSeparators should be true only when encoding a snapshot's
// top-level entries.
func EncodeDirectory(d Directory, allowSeparators bool) ([]byte, error) {
	var hdr [directoryHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(d.Size))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(d.Count))

	buf := make([]byte, 0, directoryHeaderSize+len(d.Entries)*96)
	buf = append(buf, hdr[:]...)

	for _, e := range d.Entries {
		var err error
		buf, err = appendEntry(buf, e, allowSeparators)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DecodeDirectory reverses EncodeDirectory. allowSeparators applies only
// to the first level of entries being decoded (spec.md §4.F: recursing
// into a snapshot's root directory is allow_separators=true for the
// first level only — callers pass allowSeparators=true exactly once, at
// the snapshot's own root, and false for every nested call). Entries are
// decoded until raw is exhausted: an entry's length is self-describing
// (fixed header plus name_len plus extended_len), so the header's count
// is carried through as Count rather than used to bound the loop.
func DecodeDirectory(raw []byte, allowSeparators bool) (Directory, int, error) {
	if len(raw) < directoryHeaderSize {
		return Directory{}, 0, errors.New("tree: truncated directory header")
	}
	d := Directory{
		Size:  int64(binary.LittleEndian.Uint64(raw[0:])),
		Count: int64(binary.LittleEndian.Uint64(raw[8:])),
	}

	off := directoryHeaderSize
	for off < len(raw) {
		e, n, err := decodeEntry(raw[off:], allowSeparators)
		if err != nil {
			return Directory{}, 0, err
		}
		d.Entries = append(d.Entries, e)
		off += n
	}
	return d, off, nil
}
