// Package tree implements Rekkord's on-disk tree model: Directory, File,
// Snapshot and Link blob encoding, the Entry record embedded in
// directories, and the legacy-format migration that lets old blobs keep
// decoding under the current layout (spec.md §4.F).
package tree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"rekkord/oid"
)

// Kind is an Entry's object kind.
type Kind uint8

const (
	KindDirectory Kind = iota
	KindFile
	KindLink
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	case KindLink:
		return "link"
	default:
		return "unknown"
	}
}

// Flag bits carried in an Entry's header.
type Flag uint8

const (
	FlagReadable Flag = 1 << iota
	FlagAccessTime
)

func (f Flag) Has(want Flag) bool { return f&want == want }

// Entry is one child record inside a Directory (or Snapshot) blob.
type Entry struct {
	Kind  Kind
	Flags Flag
	Name  string
	Hash  oid.Hash

	MTime int64
	CTime int64
	ATime int64
	BTime int64
	Mode  uint32
	UID   uint32
	GID   uint32
	Size  int64

	// Extended holds opaque extended-attribute records, encoded and
	// decoded verbatim (spec.md §4.F's "Extended blob"). The save pipeline
	// leaves it empty and the restore pipeline does not apply it.
	Extended []ExtendedAttr
}

// ExtendedAttr is one opaque (key, value) extended-attribute record.
type ExtendedAttr struct {
	Key   string
	Value []byte
}

const entryHeaderSize = 1 + 1 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 8 + 32 + 2 + 2

// allowSeparators controls whether Name may itself contain "/"; only
// true for top-level snapshot entries (spec.md §4.F).
func validateName(name string, allowSeparators bool) error {
	if name == "" {
		return errors.New("tree: empty entry name")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("tree: invalid entry name %q", name)
	}
	if !allowSeparators {
		for i := 0; i < len(name); i++ {
			if name[i] == '/' || name[i] == '\\' {
				return fmt.Errorf("tree: entry name %q contains a path separator", name)
			}
		}
	}
	if len(name) > 0 && (name[0] == '/' || (len(name) >= 2 && name[1] == ':')) && !allowSeparators {
		return fmt.Errorf("tree: entry name %q is absolute", name)
	}
	for i := 0; i+2 <= len(name); i++ {
		if name[i] == '.' && name[i+1] == '.' && (i+2 == len(name) || name[i+2] == '/') && (i == 0 || name[i-1] == '/') {
			return fmt.Errorf("tree: entry name %q contains a .. component", name)
		}
	}
	return nil
}

func appendEntry(buf []byte, e Entry, allowSeparators bool) ([]byte, error) {
	if err := validateName(e.Name, allowSeparators); err != nil {
		return nil, err
	}
	if e.Kind > KindUnknown {
		return nil, fmt.Errorf("tree: invalid entry kind %d", e.Kind)
	}

	extended, err := encodeExtended(e.Extended)
	if err != nil {
		return nil, err
	}
	if len(e.Name) > 0xFFFF || len(extended) > 0xFFFF {
		return nil, errors.New("tree: entry name or extended block too large")
	}

	var hdr [entryHeaderSize]byte
	off := 0
	hdr[off] = byte(e.Kind)
	off++
	hdr[off] = byte(e.Flags)
	off++
	binary.LittleEndian.PutUint64(hdr[off:], uint64(e.MTime))
	off += 8
	binary.LittleEndian.PutUint64(hdr[off:], uint64(e.CTime))
	off += 8
	binary.LittleEndian.PutUint64(hdr[off:], uint64(e.ATime))
	off += 8
	binary.LittleEndian.PutUint64(hdr[off:], uint64(e.BTime))
	off += 8
	binary.LittleEndian.PutUint32(hdr[off:], e.Mode)
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], e.UID)
	off += 4
	binary.LittleEndian.PutUint32(hdr[off:], e.GID)
	off += 4
	binary.LittleEndian.PutUint64(hdr[off:], uint64(e.Size))
	off += 8
	copy(hdr[off:], e.Hash[:])
	off += 32
	binary.LittleEndian.PutUint16(hdr[off:], uint16(len(e.Name)))
	off += 2
	binary.LittleEndian.PutUint16(hdr[off:], uint16(len(extended)))

	buf = append(buf, hdr[:]...)
	buf = append(buf, e.Name...)
	buf = append(buf, extended...)
	return buf, nil
}

// decodeEntry parses one Entry starting at buf[0] and returns it along
// with the number of bytes consumed.
func decodeEntry(buf []byte, allowSeparators bool) (Entry, int, error) {
	if len(buf) < entryHeaderSize {
		return Entry{}, 0, errors.New("tree: truncated entry header")
	}

	var e Entry
	off := 0
	e.Kind = Kind(buf[off])
	off++
	if e.Kind > KindUnknown {
		return Entry{}, 0, fmt.Errorf("tree: unknown entry kind %d", buf[0])
	}
	e.Flags = Flag(buf[off])
	off++
	e.MTime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	e.CTime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	e.ATime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	e.BTime = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	e.Mode = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.UID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.GID = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	e.Size = int64(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	copy(e.Hash[:], buf[off:off+32])
	off += 32
	nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	extLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2

	if len(buf) < off+nameLen+extLen {
		return Entry{}, 0, errors.New("tree: truncated entry body")
	}
	e.Name = string(buf[off : off+nameLen])
	off += nameLen
	if err := validateName(e.Name, allowSeparators); err != nil {
		return Entry{}, 0, err
	}

	extended, err := decodeExtended(buf[off : off+extLen])
	if err != nil {
		return Entry{}, 0, err
	}
	e.Extended = extended
	off += extLen

	return e, off, nil
}
