package tree

import (
	"encoding/binary"
	"errors"

	"rekkord/oid"
)

// MigrateLegacy rewrites a blob decoded under an older type code into the
// current wire layout before the real decoder runs, so old repositories
// keep reading (spec.md §4.F: "a decoded legacy blob is never
// re-hashed — OIDs are stable even if the encoder changes"). Non-legacy
// types pass through unchanged.
//
// Snapshot1-Snapshot4 headers have no `added` field, so their `channel`
// sits at offset 24 instead of 32; both header migrations copy time, size,
// stored and channel across and leave `added` zero. Snapshot5 and
// Directory1/Directory2 blobs are relabelled with their bytes unchanged:
// directory entry layouts are not converted.
func MigrateLegacy(typ oid.Type, raw []byte) (oid.Type, []byte, error) {
	switch typ {
	case oid.TypeSnapshot1:
		return oid.TypeSnapshot, migrateSnapshotHeader1(raw)
	case oid.TypeSnapshot2, oid.TypeSnapshot3, oid.TypeSnapshot4:
		return oid.TypeSnapshot, migrateSnapshotHeader2(raw)
	case oid.TypeSnapshot5:
		// Header-compatible with the current layout; passed through
		// unchanged.
		return oid.TypeSnapshot, raw
	case oid.TypeDirectory1, oid.TypeDirectory2:
		return oid.TypeDirectory, raw
	default:
		return typ, raw
	}
}

// legacySnapshotHeader1Size is time+size+stored+channel, with no `added`
// field at all (the oldest snapshot header vintage).
const legacySnapshotHeader1Size = 8 + 8 + 8 + channelFieldSize

func migrateSnapshotHeader1(raw []byte) ([]byte, error) {
	if len(raw) < legacySnapshotHeader1Size {
		return nil, errors.New("tree: truncated legacy snapshot header (v1)")
	}
	out := make([]byte, snapshotHeaderSize+len(raw)-legacySnapshotHeader1Size)
	binary.LittleEndian.PutUint64(out[0:], binary.LittleEndian.Uint64(raw[0:]))  // time
	binary.LittleEndian.PutUint64(out[8:], binary.LittleEndian.Uint64(raw[8:]))  // size
	binary.LittleEndian.PutUint64(out[16:], binary.LittleEndian.Uint64(raw[16:])) // stored
	// added (out[24:32]) stays zero: this field did not exist yet.
	copy(out[32:32+channelFieldSize], raw[24:24+channelFieldSize])
	copy(out[snapshotHeaderSize:], raw[legacySnapshotHeader1Size:])
	return out, nil
}

// legacySnapshotHeader2Size is the v2-v4 header: the same fields as v1,
// with no `added` field and `channel` at offset 24.
const legacySnapshotHeader2Size = 8 + 8 + 8 + channelFieldSize

func migrateSnapshotHeader2(raw []byte) ([]byte, error) {
	if len(raw) < legacySnapshotHeader2Size {
		return nil, errors.New("tree: truncated legacy snapshot header (v2-v4)")
	}
	out := make([]byte, snapshotHeaderSize+len(raw)-legacySnapshotHeader2Size)
	copy(out[0:24], raw[0:24]) // time, size, stored
	// added (out[24:32]) stays zero, same as the original's migration.
	copy(out[32:32+channelFieldSize], raw[24:24+channelFieldSize])
	copy(out[snapshotHeaderSize:], raw[legacySnapshotHeader2Size:])
	return out, nil
}
