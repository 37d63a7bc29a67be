package keyset

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	keyDataMagic      = "RKK01"
	keyDataSlots      = 24
	keyDataSlotSize   = 32
	badgeSize         = 16 + 1 + 32 + 64 // kid, role, pkey, sig
	keyDataSize       = len(keyDataMagic) + badgeSize + keyDataSlots*keyDataSlotSize + 64
	pemLineWidth      = 70
	pemHeader         = "-----BEGIN REKKORD KEY-----"
	pemFooter         = "-----END REKKORD KEY-----"
)

// slot indices within the 24x32 key-slot table. Index 9 onward are
// reserved and always filled with random bytes, so a keyfile's on-wire
// size never depends on its role.
const (
	slotCKey = iota
	slotAKey
	slotDKey
	slotWKey
	slotLKey
	slotTKey
	slotVKey
	slotSKey
	slotPKey
)

// Badge binds a random key id and role to the keyfile's own signing
// public key, authenticated by the repository's neutral signing key.
type Badge struct {
	Kid  [16]byte
	Role Role
	PKey [32]byte
	Sig  [64]byte
}

func (b *Badge) signedPrefix() []byte {
	var buf bytes.Buffer
	buf.Write(b.Kid[:])
	buf.WriteByte(byte(b.Role))
	buf.Write(b.PKey[:])
	return buf.Bytes()
}

// BadgeSize is a Badge's fixed on-wire size: kid(16) + role(1) + pkey(32) + sig(64).
const BadgeSize = 16 + 1 + 32 + 64

// Marshal serializes a Badge to its fixed 113-byte wire form. Used to
// carry a writer's identity alongside a tag signature so any reader can
// verify provenance back to vkey without holding nkey.
func (b Badge) Marshal() []byte {
	buf := make([]byte, 0, BadgeSize)
	buf = append(buf, b.signedPrefix()...)
	buf = append(buf, b.Sig[:]...)
	return buf
}

// UnmarshalBadge reverses Marshal.
func UnmarshalBadge(raw []byte) (Badge, error) {
	if len(raw) != BadgeSize {
		return Badge{}, fmt.Errorf("keyset: badge has wrong size %d, want %d", len(raw), BadgeSize)
	}
	var b Badge
	copy(b.Kid[:], raw[0:16])
	b.Role = Role(raw[16])
	copy(b.PKey[:], raw[17:49])
	copy(b.Sig[:], raw[49:113])
	return b, nil
}

// Verify checks that the badge was legitimately issued by the repository
// identity behind vkey.
func (b Badge) Verify(vkey [32]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(vkey[:]), b.signedPrefix(), b.Sig[:])
}

// KeyData is the 950-byte fixed-layout structure exported as a key file
// (spec.md §4.B, §6).
type KeyData struct {
	Badge Badge
	Slots [keyDataSlots][keyDataSlotSize]byte
	Sig   [64]byte
}

func (kd *KeyData) signedPrefix() []byte {
	var buf bytes.Buffer
	buf.WriteString(keyDataMagic)
	buf.Write(kd.Badge.Kid[:])
	buf.WriteByte(byte(kd.Badge.Role))
	buf.Write(kd.Badge.PKey[:])
	buf.Write(kd.Badge.Sig[:])
	for _, s := range kd.Slots {
		buf.Write(s[:])
	}
	return buf.Bytes()
}

func (kd *KeyData) Marshal() []byte {
	buf := make([]byte, 0, keyDataSize)
	buf = append(buf, kd.signedPrefix()...)
	buf = append(buf, kd.Sig[:]...)
	return buf
}

func unmarshalKeyData(raw []byte) (*KeyData, error) {
	if len(raw) != keyDataSize {
		return nil, fmt.Errorf("keyset: key data has wrong size %d, want %d", len(raw), keyDataSize)
	}
	if string(raw[:5]) != keyDataMagic {
		return nil, errors.New("keyset: bad key data magic")
	}
	kd := &KeyData{}
	off := 5
	copy(kd.Badge.Kid[:], raw[off:off+16])
	off += 16
	kd.Badge.Role = Role(raw[off])
	off++
	copy(kd.Badge.PKey[:], raw[off:off+32])
	off += 32
	copy(kd.Badge.Sig[:], raw[off:off+64])
	off += 64
	for i := range kd.Slots {
		copy(kd.Slots[i][:], raw[off:off+32])
		off += 32
	}
	copy(kd.Sig[:], raw[off:off+64])
	return kd, nil
}

// Export builds a key file for the given role, drawn from a Master
// keyset. Only slots the role is entitled to read are populated with real
// key bytes; every other slot (including the 15 reserved ones) is filled
// with random bytes so the encoded size never varies with role.
func (ks *Keyset) Export(role Role) (*KeyData, error) {
	if ks.Role != RoleMaster {
		return nil, errors.New("keyset: only a master keyset can export key files")
	}

	sub := &Keyset{Role: role, Modes: role.Modes()}
	sub.AKey = ks.AKey
	sub.VKey = ks.VKey
	if err := sub.generateSigningIdentity(); err != nil {
		return nil, err
	}

	modes := role.Modes()
	if modes.Has(ModeConfig) {
		sub.CKey = ks.CKey
	}
	if modes.Has(ModeRead) {
		sub.DKey = ks.DKey
	}
	if modes.Has(ModeRead) || modes.Has(ModeWrite) {
		sub.WKey = ks.WKey
	}
	if modes.Has(ModeLog) {
		sub.LKey = ks.LKey
	}
	if modes.Has(ModeLog) || modes.Has(ModeWrite) {
		sub.TKey = ks.TKey
	}

	kd := &KeyData{}
	if _, err := rand.Read(kd.Badge.Kid[:]); err != nil {
		return nil, err
	}
	kd.Badge.Role = role
	kd.Badge.PKey = sub.PKey

	if err := fillSlots(kd, sub, modes); err != nil {
		return nil, err
	}

	nkeyPriv := ed25519.NewKeyFromSeed(ks.NKey[:])
	copy(kd.Badge.Sig[:], ed25519.Sign(nkeyPriv, kd.Badge.signedPrefix()))
	copy(kd.Sig[:], ed25519.Sign(nkeyPriv, kd.signedPrefix()))

	return kd, nil
}

func fillSlots(kd *KeyData, sub *Keyset, modes Mode) error {
	for i := range kd.Slots {
		if _, err := rand.Read(kd.Slots[i][:]); err != nil {
			return err
		}
	}
	kd.Slots[slotAKey] = sub.AKey
	kd.Slots[slotVKey] = sub.VKey
	kd.Slots[slotSKey] = sub.SKey
	kd.Slots[slotPKey] = sub.PKey
	if modes.Has(ModeConfig) {
		kd.Slots[slotCKey] = sub.CKey
	}
	if modes.Has(ModeRead) {
		kd.Slots[slotDKey] = sub.DKey
	}
	if modes.Has(ModeRead) || modes.Has(ModeWrite) {
		kd.Slots[slotWKey] = sub.WKey
	}
	if modes.Has(ModeLog) {
		kd.Slots[slotLKey] = sub.LKey
	}
	if modes.Has(ModeLog) || modes.Has(ModeWrite) {
		kd.Slots[slotTKey] = sub.TKey
	}
	return nil
}

// DecodeKeyData validates both Ed25519 signatures against vkey (the
// repository's neutral verification key) and builds a Keyset populated
// only with the slots the badge's role is entitled to.
func DecodeKeyData(raw []byte, vkey [32]byte) (*Keyset, error) {
	kd, err := unmarshalKeyData(raw)
	if err != nil {
		return nil, err
	}

	vpub := ed25519.PublicKey(vkey[:])
	if !ed25519.Verify(vpub, kd.Badge.signedPrefix(), kd.Badge.Sig[:]) {
		return nil, errors.New("keyset: badge signature invalid")
	}
	if !ed25519.Verify(vpub, kd.signedPrefix(), kd.Sig[:]) {
		return nil, errors.New("keyset: key data signature invalid")
	}

	modes := kd.Badge.Role.Modes()
	ks := &Keyset{Role: kd.Badge.Role, Modes: modes}
	ks.VKey = vkey
	ks.Badge = kd.Badge
	ks.AKey = kd.Slots[slotAKey]
	ks.SKey = kd.Slots[slotSKey]
	ks.PKey = kd.Slots[slotPKey]
	if ks.PKey != kd.Badge.PKey {
		return nil, errors.New("keyset: badge pkey does not match key data")
	}

	if modes.Has(ModeConfig) {
		ks.CKey = kd.Slots[slotCKey]
	}
	if modes.Has(ModeRead) {
		ks.DKey = kd.Slots[slotDKey]
	}
	if modes.Has(ModeRead) || modes.Has(ModeWrite) {
		ks.WKey = kd.Slots[slotWKey]
	}
	if modes.Has(ModeLog) {
		ks.LKey = kd.Slots[slotLKey]
	}
	if modes.Has(ModeLog) || modes.Has(ModeWrite) {
		ks.TKey = kd.Slots[slotTKey]
	}
	return ks, nil
}

// EncodePEM wraps raw key-file bytes (either a 32-byte master key or a
// 950-byte KeyData) in the REKKORD KEY PEM form, base64 at 70 columns
// (spec.md §6) rather than the standard library's fixed 64-column PEM,
// since on-disk compatibility with the original format matters here.
func EncodePEM(raw []byte) []byte {
	enc := base64.StdEncoding.EncodeToString(raw)

	var buf bytes.Buffer
	buf.WriteString(pemHeader)
	buf.WriteByte('\n')
	for len(enc) > 0 {
		n := pemLineWidth
		if n > len(enc) {
			n = len(enc)
		}
		buf.WriteString(enc[:n])
		buf.WriteByte('\n')
		enc = enc[n:]
	}
	buf.WriteString(pemFooter)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// DecodePEM reverses EncodePEM.
func DecodePEM(data []byte) ([]byte, error) {
	s := string(bytes.TrimSpace(data))
	if !bytes.HasPrefix([]byte(s), []byte(pemHeader)) {
		return nil, errors.New("keyset: missing PEM header")
	}
	s = s[len(pemHeader):]
	footerIdx := bytes.Index([]byte(s), []byte(pemFooter))
	if footerIdx < 0 {
		return nil, errors.New("keyset: missing PEM footer")
	}
	body := s[:footerIdx]
	body = string(bytes.ReplaceAll([]byte(body), []byte("\n"), nil))
	body = string(bytes.ReplaceAll([]byte(body), []byte("\r"), nil))
	return base64.StdEncoding.DecodeString(body)
}

// LoadKeyFile decodes a PEM-wrapped key file. If the payload is exactly 32
// bytes it is the raw master key (an admin key file); otherwise it must be
// a 950-byte KeyData, decoded against vkey.
func LoadKeyFile(data []byte, vkey *[32]byte) (*Keyset, error) {
	raw, err := DecodePEM(data)
	if err != nil {
		return nil, err
	}
	if len(raw) == 32 {
		var master [32]byte
		copy(master[:], raw)
		return FromMaster(master)
	}
	if vkey == nil {
		return nil, errors.New("keyset: vkey required to decode a role key file")
	}
	return DecodeKeyData(raw, *vkey)
}
