// Package keyset implements Rekkord's key derivation, role model, and
// key-file encoding (spec.md §4.B, §6).
package keyset

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Role restricts which keyset bytes a keyfile carries.
type Role byte

const (
	RoleMaster    Role = 1
	RoleReadWrite Role = 2
	RoleWriteOnly Role = 3
	RoleLogOnly   Role = 4
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleReadWrite:
		return "readwrite"
	case RoleWriteOnly:
		return "writeonly"
	case RoleLogOnly:
		return "logonly"
	default:
		return fmt.Sprintf("role(%d)", r)
	}
}

// Mode is a bitmask of operations a keyset is entitled to perform.
type Mode uint8

const (
	ModeConfig Mode = 1 << iota
	ModeRead
	ModeWrite
	ModeLog
)

func (r Role) Modes() Mode {
	switch r {
	case RoleMaster:
		return ModeConfig | ModeRead | ModeWrite | ModeLog
	case RoleReadWrite:
		return ModeRead | ModeWrite | ModeLog
	case RoleWriteOnly:
		return ModeWrite
	case RoleLogOnly:
		return ModeLog
	default:
		return 0
	}
}

func (m Mode) Has(want Mode) bool {
	return m&want == want
}

// permissionViolation is the panic value raised when an operation is
// attempted without the required mode. Per spec.md §4.B this is a
// programming error, not a recoverable runtime condition; tests recover it
// with recover() to assert on PermissionError-class behavior (spec.md §7,
// §8 property 12).
type permissionViolation struct {
	need Mode
	have Mode
}

func (e *permissionViolation) Error() string {
	return fmt.Sprintf("keyset: operation requires mode %x, keyset only has %x", e.need, e.have)
}

// PermissionError is the sentinel type tests and callers can recover and
// match with errors.As against the panic value.
type PermissionError = permissionViolation

// Keyset holds the complete set of 32-byte secrets (and their derived
// publics) a process is entitled to use. Keys the role is not entitled to
// are left zeroed, never populated in the first place — this is enforced
// structurally in DecodeKeyData/FromMaster, not by an access-control layer on
// top.
type Keyset struct {
	Role  Role
	Modes Mode

	CKey [32]byte // config signing seed (Ed25519)
	AKey [32]byte // derived public of CKey
	DKey [32]byte // data sealed-box secret (Curve25519)
	WKey [32]byte // derived public of DKey
	LKey [32]byte // log sealed-box secret (Curve25519)
	TKey [32]byte // derived public of LKey
	NKey [32]byte // neutral signing seed (repo identity); only ever live in the Master keyset
	VKey [32]byte // derived public of NKey
	SKey [32]byte // per-keyfile signing seed (tag provenance)
	PKey [32]byte // derived public of SKey

	// Badge is this keyset's own identity badge: proof, chaining back to
	// VKey, that PKey belongs to a legitimately issued keyset. Every
	// keyset carries one — including Master, which self-issues it — so
	// any role can attach provenance to a tag signature without needing
	// NKey itself (spec.md §3's tag signing/verification chain).
	Badge Badge
}

// FromMaster derives the full Master keyset from a 32-byte master key.
func FromMaster(master [32]byte) (*Keyset, error) {
	ks := &Keyset{Role: RoleMaster, Modes: RoleMaster.Modes()}

	ks.CKey = deriveSubkey(master, subkeyConfig)
	ks.DKey = deriveSubkey(master, subkeyData)
	ks.LKey = deriveSubkey(master, subkeyLog)
	ks.NKey = deriveSubkey(master, subkeyNeutral)

	if err := ks.derivePublics(); err != nil {
		return nil, err
	}
	if err := ks.generateSigningIdentity(); err != nil {
		return nil, err
	}

	ks.Badge = Badge{Role: RoleMaster, PKey: ks.PKey}
	nkeyPriv := ed25519.NewKeyFromSeed(ks.NKey[:])
	copy(ks.Badge.Sig[:], ed25519.Sign(nkeyPriv, ks.Badge.signedPrefix()))

	return ks, nil
}

func (ks *Keyset) derivePublics() error {
	ks.AKey = ed25519PublicFromSeed(ks.CKey)
	ks.VKey = ed25519PublicFromSeed(ks.NKey)

	var err error
	ks.WKey, err = curve25519Public(ks.DKey)
	if err != nil {
		return err
	}
	ks.TKey, err = curve25519Public(ks.LKey)
	if err != nil {
		return err
	}
	return nil
}

// generateSigningIdentity mints a fresh per-keyfile signing seed. Every
// Keyset — the in-memory Master one included — carries its own SKey/PKey
// pair, signed into a Badge by NKey when the keyfile is exported
// (spec.md §4.B).
func (ks *Keyset) generateSigningIdentity() error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("keyset: generate signing identity: %w", err)
	}
	copy(ks.SKey[:], priv.Seed())
	ks.PKey = ed25519PublicFromSeed(ks.SKey)
	return nil
}

func ed25519PublicFromSeed(seed [32]byte) [32]byte {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var out [32]byte
	copy(out[:], priv.Public().(ed25519.PublicKey))
	return out
}

func curve25519Public(secret [32]byte) ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return out, err
	}
	copy(out[:], pub)
	return out, nil
}

// Require panics with a PermissionError if the keyset lacks any mode in
// want. This is the single enforcement point for spec.md §4.B's "attempting
// an operation without the required mode MUST panic" rule.
func (ks *Keyset) Require(want Mode) {
	if !ks.Modes.Has(want) {
		panic(&permissionViolation{need: want, have: ks.Modes})
	}
}

// Zero overwrites every secret field. Best-effort: Go offers no guaranteed
// secure-zero primitive without cgo.
func (ks *Keyset) Zero() {
	zero(&ks.CKey)
	zero(&ks.AKey)
	zero(&ks.DKey)
	zero(&ks.WKey)
	zero(&ks.LKey)
	zero(&ks.TKey)
	zero(&ks.NKey)
	zero(&ks.VKey)
	zero(&ks.SKey)
	zero(&ks.PKey)
}

func zero(b *[32]byte) {
	for i := range b {
		b[i] = 0
	}
}
