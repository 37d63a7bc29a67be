package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rekkord/oid"
)

func sampleEntry(name string) Entry {
	return Entry{
		Kind:  KindFile,
		Flags: FlagReadable,
		Name:  name,
		Hash:  oid.Hash{1, 2, 3},
		MTime: 1000,
		CTime: 1001,
		Mode:  0o644,
		Size:  42,
		Extended: []ExtendedAttr{
			{Key: "user.comment", Value: []byte("hello")},
		},
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	d := Directory{
		Size: 42,
		Entries: []Entry{
			sampleEntry("a.txt"),
			{Kind: KindDirectory, Name: "subdir", Mode: 0o755},
			{Kind: KindLink, Name: "link"},
		},
	}

	raw, err := EncodeDirectory(d, false)
	require.NoError(t, err)

	got, n, err := DecodeDirectory(raw, false)
	require.NoError(t, err)
	require.Equal(t, len(raw), n)
	require.Equal(t, d.Size, got.Size)
	require.Equal(t, d.Entries, got.Entries)
}

func TestEntryNameValidation(t *testing.T) {
	d := Directory{Entries: []Entry{{Kind: KindFile, Name: "a/b"}}}
	_, err := EncodeDirectory(d, false)
	require.Error(t, err)

	d2 := Directory{Entries: []Entry{{Kind: KindFile, Name: "../x"}}}
	_, err = EncodeDirectory(d2, false)
	require.Error(t, err)

	d3 := Directory{Entries: []Entry{{Kind: KindFile, Name: ""}}}
	_, err = EncodeDirectory(d3, false)
	require.Error(t, err)
}

func TestTopLevelSnapshotEntryAllowsSeparators(t *testing.T) {
	d := Directory{Entries: []Entry{{Kind: KindDirectory, Name: "/C/Users/bob"}}}
	raw, err := EncodeDirectory(d, true)
	require.NoError(t, err)

	got, _, err := DecodeDirectory(raw, true)
	require.NoError(t, err)
	require.Equal(t, "/C/Users/bob", got.Entries[0].Name)

	_, err = EncodeDirectory(d, false)
	require.Error(t, err, "the same name must be rejected without allowSeparators")
}

func TestFileRoundTrip(t *testing.T) {
	f := File{
		Chunks: []RawChunk{
			{Offset: 0, Len: 100, Hash: oid.Hash{1}},
			{Offset: 100, Len: 50, Hash: oid.Hash{2}},
		},
		TotalSize: 150,
	}
	raw := EncodeFile(f)
	got, err := DecodeFile(raw)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestFileRejectsOverlap(t *testing.T) {
	f := File{
		Chunks: []RawChunk{
			{Offset: 0, Len: 100},
			{Offset: 50, Len: 50},
		},
		TotalSize: 100,
	}
	raw := EncodeFile(f)
	_, err := DecodeFile(raw)
	require.Error(t, err)
}

func TestFileRejectsSizeMismatch(t *testing.T) {
	f := File{
		Chunks:    []RawChunk{{Offset: 0, Len: 100}},
		TotalSize: 99,
	}
	raw := EncodeFile(f)
	_, err := DecodeFile(raw)
	require.Error(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := Snapshot{
		Time:    1234,
		Size:    999,
		Stored:  500,
		Added:   10,
		Channel: "nightly",
		Root: Directory{
			Entries: []Entry{{Kind: KindDirectory, Name: "/home"}},
		},
	}
	raw, err := EncodeSnapshot(s)
	require.NoError(t, err)

	got, err := DecodeSnapshot(raw)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestLinkRoundTrip(t *testing.T) {
	raw := EncodeLink("/etc/passwd")
	require.Equal(t, "/etc/passwd", DecodeLink(raw))
}

func TestExtendedAttrRoundTrip(t *testing.T) {
	attrs := []ExtendedAttr{
		{Key: "user.a", Value: []byte("1")},
		{Key: "user.b", Value: []byte{}},
	}
	raw, err := encodeExtended(attrs)
	require.NoError(t, err)
	got, err := decodeExtended(raw)
	require.NoError(t, err)
	require.Equal(t, attrs, got)
}

func TestMigrateLegacySnapshot1(t *testing.T) {
	raw := make([]byte, legacySnapshotHeader1Size+directoryHeaderSize) // header + an empty directory
	raw[0] = 7 // time = 7
	copy(raw[24:], []byte("nightly"))

	typ, migrated, err := MigrateLegacy(oid.TypeSnapshot1, raw)
	require.NoError(t, err)
	require.Equal(t, oid.TypeSnapshot, typ)

	s, err := DecodeSnapshot(migrated)
	require.NoError(t, err)
	require.EqualValues(t, 7, s.Time)
	require.Equal(t, "nightly", s.Channel)
	require.EqualValues(t, 0, s.Added)
}
