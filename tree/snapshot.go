package tree

import (
	"encoding/binary"
	"errors"
)

// MaxChannelLength bounds a snapshot's channel name (spec.md §6, mirroring
// the original's rk_MaxSnapshotChannelLength).
const MaxChannelLength = 256

const channelFieldSize = 512

const snapshotHeaderSize = 8 + 8 + 8 + 8 + channelFieldSize

// Snapshot is the decoded form of a Snapshot blob: SnapshotHeader3{time,
// size, stored, added, channel} followed by a Directory blob (spec.md
// §4.F).
type Snapshot struct {
	Time    int64
	Size    int64
	Stored  int64
	Added   int64
	Channel string
	Root    Directory
}

// EncodeSnapshot serializes a Snapshot blob. The channel field is
// zero-padded to 512 bytes on the wire but trailing NULs are trimmed
// when read back, per spec.md §4.H's "write_tag with a truncated header
// payload (no trailing NULs of channel)".
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if len(s.Channel) > channelFieldSize {
		return nil, errors.New("tree: channel name too long")
	}

	var hdr [snapshotHeaderSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(s.Time))
	binary.LittleEndian.PutUint64(hdr[8:], uint64(s.Size))
	binary.LittleEndian.PutUint64(hdr[16:], uint64(s.Stored))
	binary.LittleEndian.PutUint64(hdr[24:], uint64(s.Added))
	copy(hdr[32:], s.Channel)

	root, err := EncodeDirectory(s.Root, true)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, snapshotHeaderSize+len(root))
	buf = append(buf, hdr[:]...)
	buf = append(buf, root...)
	return buf, nil
}

// DecodeSnapshot reverses EncodeSnapshot. The root directory's first
// level is decoded with allowSeparators=true (spec.md §4.F).
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	if len(raw) < snapshotHeaderSize {
		return Snapshot{}, errors.New("tree: truncated snapshot header")
	}
	var s Snapshot
	s.Time = int64(binary.LittleEndian.Uint64(raw[0:]))
	s.Size = int64(binary.LittleEndian.Uint64(raw[8:]))
	s.Stored = int64(binary.LittleEndian.Uint64(raw[16:]))
	s.Added = int64(binary.LittleEndian.Uint64(raw[24:]))

	channel := raw[32 : 32+channelFieldSize]
	end := len(channel)
	for end > 0 && channel[end-1] == 0 {
		end--
	}
	s.Channel = string(channel[:end])

	root, _, err := DecodeDirectory(raw[snapshotHeaderSize:], true)
	if err != nil {
		return Snapshot{}, err
	}
	s.Root = root
	return s, nil
}
