package tree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// encodeExtended packs extended-attribute records as a sequence of
// (len:u16, key\0value) records (spec.md §4.F).
func encodeExtended(attrs []ExtendedAttr) ([]byte, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	for _, a := range attrs {
		rec := append([]byte(a.Key), 0)
		rec = append(rec, a.Value...)
		if len(rec) > 0xFFFF {
			return nil, fmt.Errorf("tree: extended attribute %q too large", a.Key)
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(rec)))
		buf.Write(lenBuf[:])
		buf.Write(rec)
	}
	return buf.Bytes(), nil
}

// decodeExtended reverses encodeExtended. Truncated or overlong records
// are an error (spec.md §4.F).
func decodeExtended(data []byte) ([]ExtendedAttr, error) {
	var out []ExtendedAttr
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			return nil, errors.New("tree: truncated extended record length")
		}
		recLen := int(binary.LittleEndian.Uint16(data[off:]))
		off += 2
		if off+recLen > len(data) {
			return nil, errors.New("tree: overlong extended record")
		}
		rec := data[off : off+recLen]
		off += recLen

		nul := bytes.IndexByte(rec, 0)
		if nul < 0 {
			return nil, errors.New("tree: extended record missing key terminator")
		}
		out = append(out, ExtendedAttr{Key: string(rec[:nul]), Value: append([]byte{}, rec[nul+1:]...)})
	}
	return out, nil
}
