package repository

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"rekkord/keyset"
	"rekkord/sealedbox"
)

const configPath = "rekkord"
const configPayloadSize = 16 + 16 // rid, cid

// identity is the repository's permanent rid paired with its
// currently-active cid (spec.md §3).
type identity struct {
	RID [16]byte
	CID [16]byte
}

func (id identity) marshal() []byte {
	buf := make([]byte, 0, configPayloadSize)
	buf = append(buf, id.RID[:]...)
	buf = append(buf, id.CID[:]...)
	return buf
}

func unmarshalIdentity(raw []byte) (identity, error) {
	if len(raw) != configPayloadSize {
		return identity{}, fmt.Errorf("repository: config payload has wrong size %d", len(raw))
	}
	var id identity
	copy(id.RID[:], raw[0:16])
	copy(id.CID[:], raw[16:32])
	return id, nil
}

// encodeConfig seals id to wkey and signs the sealed ciphertext with
// ckey, producing the on-wire `rekkord` config blob (spec.md §3: "an
// encrypted-and-signed rekkord config blob").
func encodeConfig(ks *keyset.Keyset, id identity) ([]byte, error) {
	ks.Require(keyset.ModeConfig)

	sealed, err := sealedbox.Seal(ks.WKey, id.marshal())
	if err != nil {
		return nil, err
	}

	ckeyPriv := ed25519.NewKeyFromSeed(ks.CKey[:])
	sig := ed25519.Sign(ckeyPriv, sealed)

	return append(sealed, sig...), nil
}

// decodeConfig verifies the blob's ckey signature against akey (always
// present, regardless of role) and, only if the keyset holds dkey, opens
// the sealed identity payload. A keyset without Read mode (WriteOnly)
// verifies authenticity but cannot learn rid/cid — it falls back to the
// zero identity, trading precise stat-cache invalidation for the ability
// to operate without dkey (an explicit, documented trade-off; see
// DESIGN.md).
func decodeConfig(raw []byte, ks *keyset.Keyset) (identity, error) {
	if len(raw) < 64 {
		return identity{}, errors.New("repository: truncated config blob")
	}
	sealed := raw[:len(raw)-64]
	sig := raw[len(raw)-64:]

	if !ed25519.Verify(ed25519.PublicKey(ks.AKey[:]), sealed, sig) {
		return identity{}, ErrAuthenticationFailed
	}

	if ks.Modes.Has(keyset.ModeRead) {
		payload, err := sealedbox.Open(sealed, ks.WKey, ks.DKey)
		if err != nil {
			return identity{}, ErrAuthenticationFailed
		}
		return unmarshalIdentity(payload)
	}
	return identity{}, nil
}
