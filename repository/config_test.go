package repository

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rekkord/keyset"
)

func TestConfigRoundTripMaster(t *testing.T) {
	var mkey [32]byte
	copy(mkey[:], []byte("0123456789abcdef0123456789abcde"))
	master, err := keyset.FromMaster(mkey)
	require.NoError(t, err)

	id := identity{}
	id.RID[0] = 1
	id.CID[0] = 2

	blob, err := encodeConfig(master, id)
	require.NoError(t, err)

	got, err := decodeConfig(blob, master)
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestConfigDecodeAsWriteOnlyReturnsZeroIdentity(t *testing.T) {
	var mkey [32]byte
	copy(mkey[:], []byte("0123456789abcdef0123456789abcde"))
	master, err := keyset.FromMaster(mkey)
	require.NoError(t, err)

	id := identity{}
	id.RID[0] = 9
	id.CID[0] = 8

	blob, err := encodeConfig(master, id)
	require.NoError(t, err)

	kd, err := master.Export(keyset.RoleWriteOnly)
	require.NoError(t, err)
	writeOnly, err := keyset.DecodeKeyData(kd.Marshal(), master.VKey)
	require.NoError(t, err)

	got, err := decodeConfig(blob, writeOnly)
	require.NoError(t, err)
	require.Equal(t, identity{}, got)
}

func TestConfigDecodeRejectsTamperedSignature(t *testing.T) {
	var mkey [32]byte
	copy(mkey[:], []byte("0123456789abcdef0123456789abcde"))
	master, err := keyset.FromMaster(mkey)
	require.NoError(t, err)

	blob, err := encodeConfig(master, identity{})
	require.NoError(t, err)
	blob[len(blob)-1] ^= 0xFF

	_, err = decodeConfig(blob, master)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}
