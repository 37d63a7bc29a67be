package repository

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"rekkord/keyset"
	"rekkord/oid"
	"rekkord/sealedbox"
	"rekkord/store"
)

const tagFragmentSize = 160
const tagIntroVersion = 1

// TagInfo is one entry returned by ListTags: a human-readable name, the
// snapshot OID it binds to, and whatever trailing header bytes the
// writer attached (a truncated Snapshot header, per spec.md §4.H).
type TagInfo struct {
	Name    string
	OID     oid.OID
	Payload []byte
}

// WriteTag seals (name, oid, payload) to the Log sealed-box public key,
// attaches the writer's identity badge, signs the whole thing with the
// writer's per-keyfile signing key, and splits the result into
// base64url-named fragments under tags/ (spec.md §3, §4.D). Any role
// holding Write or Log mode can call this — sealing only needs tkey
// (the public half), and every role carries its own skey/badge
// regardless of mode (spec.md §4.B).
func WriteTag(ctx context.Context, st store.Store, ks *keyset.Keyset, name string, id oid.OID, payload []byte) error {
	if len(name) > 0xFFFF {
		return errors.New("repository: tag name too long")
	}

	intro := encodeTagIntro(name, id, payload)

	sealed, err := sealedbox.Seal(ks.TKey, intro)
	if err != nil {
		return err
	}

	badge := ks.Badge.Marshal()
	signed := append(append([]byte{}, sealed...), badge...)

	skeyPriv := ed25519.NewKeyFromSeed(ks.SKey[:])
	sig := ed25519.Sign(skeyPriv, signed)

	wire := append(signed, sig...)

	var prefix [16]byte
	if _, err := rand.Read(prefix[:]); err != nil {
		return err
	}
	prefixHex := hex.EncodeToString(prefix[:])

	fragments := chunkBytes(wire, tagFragmentSize)
	if len(fragments) >= 100 {
		return fmt.Errorf("repository: tag payload needs %d fragments, limit is 99", len(fragments))
	}

	for i, frag := range fragments {
		enc := base64.RawURLEncoding.EncodeToString(frag)
		path := fmt.Sprintf("tags/%s_%02d_%s", prefixHex, i, enc)
		if _, err := st.WriteFile(ctx, path, nil, store.WriteSettings{Conditional: true}); err != nil {
			return err
		}
	}
	return nil
}

func chunkBytes(data []byte, size int) [][]byte {
	var out [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	if len(out) == 0 {
		out = [][]byte{{}}
	}
	return out
}

func encodeTagIntro(name string, id oid.OID, payload []byte) []byte {
	buf := make([]byte, 0, 1+2+len(name)+1+32+len(payload))
	buf = append(buf, tagIntroVersion)
	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(name)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, name...)
	buf = append(buf, byte(id.Catalog))
	buf = append(buf, id.Hash[:]...)
	buf = append(buf, payload...)
	return buf
}

func decodeTagIntro(raw []byte) (string, oid.OID, []byte, error) {
	if len(raw) < 1+2 {
		return "", oid.OID{}, nil, ErrMalformedBlob
	}
	if raw[0] != tagIntroVersion {
		return "", oid.OID{}, nil, ErrUnexpectedVersion
	}
	nameLen := int(binary.LittleEndian.Uint16(raw[1:3]))
	off := 3
	if len(raw) < off+nameLen+1+32 {
		return "", oid.OID{}, nil, ErrMalformedBlob
	}
	name := string(raw[off : off+nameLen])
	off += nameLen
	cat := oid.Catalog(raw[off])
	off++
	var hash oid.Hash
	copy(hash[:], raw[off:off+32])
	off += 32
	return name, oid.OID{Catalog: cat, Hash: hash}, raw[off:], nil
}

// ListTags enumerates tags/, reassembles each tag's fragments, and
// verifies the outer skey signature together with the writer's badge
// (chained back to vkey). Tags that fail any verification or decryption
// step are logged and skipped — they never abort enumeration (spec.md
// §4.D).
func ListTags(ctx context.Context, st store.Store, ks *keyset.Keyset) ([]TagInfo, error) {
	ks.Require(keyset.ModeLog)

	groups := make(map[string]map[int][]byte)
	err := st.ListFiles(ctx, "tags", func(path string, size int64) error {
		base := path
		if idx := strings.LastIndex(path, "/"); idx >= 0 {
			base = path[idx+1:]
		}
		parts := strings.SplitN(base, "_", 3)
		if len(parts) != 3 {
			log.Printf("repository: ignoring malformed tag fragment name %q", base)
			return nil
		}
		prefix, idxStr, enc := parts[0], parts[1], parts[2]
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			log.Printf("repository: ignoring malformed tag fragment index %q", base)
			return nil
		}
		frag, err := base64.RawURLEncoding.DecodeString(enc)
		if err != nil {
			log.Printf("repository: ignoring malformed tag fragment encoding %q", base)
			return nil
		}
		if groups[prefix] == nil {
			groups[prefix] = make(map[int][]byte)
		}
		groups[prefix][idx] = frag
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []TagInfo
	for prefix, frags := range groups {
		wire, ok := reassemble(frags)
		if !ok {
			log.Printf("repository: tag %s has gaps in its fragment sequence, skipping", prefix)
			continue
		}

		info, err := decodeTag(wire, ks)
		if err != nil {
			log.Printf("repository: tag %s failed verification, skipping: %v", prefix, err)
			continue
		}
		out = append(out, info)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func reassemble(frags map[int][]byte) ([]byte, bool) {
	var wire []byte
	for i := 0; i < len(frags); i++ {
		frag, ok := frags[i]
		if !ok {
			return nil, false
		}
		wire = append(wire, frag...)
	}
	return wire, true
}

func decodeTag(wire []byte, ks *keyset.Keyset) (TagInfo, error) {
	if len(wire) < keyset.BadgeSize+64 {
		return TagInfo{}, ErrMalformedBlob
	}
	sig := wire[len(wire)-64:]
	badgeRaw := wire[len(wire)-64-keyset.BadgeSize : len(wire)-64]
	sealed := wire[:len(wire)-64-keyset.BadgeSize]

	badge, err := keyset.UnmarshalBadge(badgeRaw)
	if err != nil {
		return TagInfo{}, err
	}
	if !badge.Verify(ks.VKey) {
		return TagInfo{}, ErrBadTagSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(badge.PKey[:]), append(append([]byte{}, sealed...), badgeRaw...), sig) {
		return TagInfo{}, ErrBadTagSignature
	}

	payload, err := sealedbox.Open(sealed, ks.TKey, ks.LKey)
	if err != nil {
		return TagInfo{}, ErrAuthenticationFailed
	}

	name, id, rest, err := decodeTagIntro(payload)
	if err != nil {
		return TagInfo{}, err
	}
	return TagInfo{Name: name, OID: id, Payload: rest}, nil
}
