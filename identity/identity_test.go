package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDerivationDeterministic(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)
	id1 := NodeIDFromPublicKey(keys.Public)
	id2 := keys.NodeID()
	require.Equal(t, id1, id2)
	require.Equal(t, id1.Addr(), keys.Address())
	require.Equal(t, id1.Addr(), AddrForPublicKey(keys.Public))
}

func TestAddressPrefix(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)
	addr := keys.Address()
	require.True(t, addr.IsValid())
	require.Equal(t, byte(AddressPrefix), addr[0])

	partial, bits := addr.NodeIDPrefix()
	require.Equal(t, AddressBits, bits)
	id := keys.NodeID()
	require.Equal(t, id[:AddressSize-1], partial[:AddressSize-1])
}

func TestSignVerify(t *testing.T) {
	keys, err := GenerateKeys()
	require.NoError(t, err)
	msg := []byte("challenge")
	sig := keys.Sign(msg)
	require.True(t, Verify(keys.Public, msg, sig))
	require.False(t, Verify(keys.Public, []byte("tampered"), sig))

	other, err := GenerateKeys()
	require.NoError(t, err)
	require.False(t, Verify(other.Public, msg, sig))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	keys, err := GenerateKeys()
	require.NoError(t, err)
	require.NoError(t, SaveKeys(path, keys))

	loaded, err := LoadKeys(path)
	require.NoError(t, err)
	require.Equal(t, keys.Public, loaded.Public)
	require.Equal(t, keys.NodeID(), loaded.NodeID())
}

func TestLoadCorruptKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(path, []byte("not hex at all\n"), 0o600))

	_, err := LoadKeys(path)
	require.Error(t, err)
	var kle KeyLoadError
	require.ErrorAs(t, err, &kle)
}

func TestLoadMissingKey(t *testing.T) {
	_, err := LoadKeys(filepath.Join(t.TempDir(), "missing"))
	var kle KeyLoadError
	require.ErrorAs(t, err, &kle)
}

func TestLoadOrGenerate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	first, err := LoadOrGenerateKeys(path)
	require.NoError(t, err)
	second, err := LoadOrGenerateKeys(path)
	require.NoError(t, err)
	require.Equal(t, first.Public, second.Public)
}
