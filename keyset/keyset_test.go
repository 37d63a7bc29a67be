package keyset

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func genMaster(t *testing.T) *Keyset {
	t.Helper()
	var master [32]byte
	_, err := rand.Read(master[:])
	require.NoError(t, err)
	ks, err := FromMaster(master)
	require.NoError(t, err)
	return ks
}

func TestExportDecodeRoundTrip(t *testing.T) {
	master := genMaster(t)

	for _, role := range []Role{RoleMaster, RoleReadWrite, RoleWriteOnly, RoleLogOnly} {
		if role == RoleMaster {
			continue // only the lesser roles are checked here; an admin key file is the raw master key (LoadKeyFile)
		}
		kd, err := master.Export(role)
		require.NoError(t, err)
		require.Equal(t, role, kd.Badge.Role)

		raw := kd.Marshal()
		require.Len(t, raw, keyDataSize)

		ks, err := DecodeKeyData(raw, master.VKey)
		require.NoError(t, err)
		require.Equal(t, role, ks.Role)
		require.Equal(t, role.Modes(), ks.Modes)

		modes := role.Modes()
		require.Equal(t, modes.Has(ModeConfig), ks.CKey != [32]byte{})
		require.Equal(t, modes.Has(ModeRead), ks.DKey != [32]byte{})
		require.Equal(t, modes.Has(ModeRead) || modes.Has(ModeWrite), ks.WKey != [32]byte{})
		require.Equal(t, modes.Has(ModeLog), ks.LKey != [32]byte{})
		require.Equal(t, modes.Has(ModeLog) || modes.Has(ModeWrite), ks.TKey != [32]byte{})
		require.Equal(t, [32]byte{}, ks.NKey, "nkey must never leave the master keyset")
	}
}

func TestPEMRoundTrip(t *testing.T) {
	master := genMaster(t)
	kd, err := master.Export(RoleReadWrite)
	require.NoError(t, err)

	pem := EncodePEM(kd.Marshal())
	require.Contains(t, string(pem), pemHeader)

	raw, err := DecodePEM(pem)
	require.NoError(t, err)
	require.Equal(t, kd.Marshal(), raw)
}

func TestRoleIsolationPanics(t *testing.T) {
	master := genMaster(t)
	kd, err := master.Export(RoleWriteOnly)
	require.NoError(t, err)
	ks, err := DecodeKeyData(kd.Marshal(), master.VKey)
	require.NoError(t, err)

	require.Panics(t, func() {
		ks.Require(ModeRead)
	})
}

func TestBadgeSignatureRejectsTamper(t *testing.T) {
	master := genMaster(t)
	kd, err := master.Export(RoleReadWrite)
	require.NoError(t, err)
	raw := kd.Marshal()
	raw[10] ^= 0xFF

	_, err = DecodeKeyData(raw, master.VKey)
	require.Error(t, err)
}

func TestLoadMasterKeyFile(t *testing.T) {
	var master [32]byte
	_, err := rand.Read(master[:])
	require.NoError(t, err)

	pem := EncodePEM(master[:])
	ks, err := LoadKeyFile(pem, nil)
	require.NoError(t, err)
	require.Equal(t, RoleMaster, ks.Role)
}
