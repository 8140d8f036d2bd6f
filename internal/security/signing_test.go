package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureKeyPairGeneratesThenReloads(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	first, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, PublicKeyFile))
	assert.FileExists(t, filepath.Join(dir, PrivateKeyFile))

	second, err := EnsureKeyPair(dir)
	require.NoError(t, err)
	assert.True(t, first.Public.Equal(second.Public))
	assert.Equal(t, first.PublicHex(), second.PublicHex())

	info, err := os.Stat(filepath.Join(dir, PrivateKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsureKeyPairMismatch(t *testing.T) {
	dir := t.TempDir()
	_, err := EnsureKeyPair(dir)
	require.NoError(t, err)

	otherPub, _, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(KeyPair{Public: otherPub}.PublicHex()), 0o644))

	_, err = EnsureKeyPair(dir)
	assert.Error(t, err)
}

func TestSignAndVerify(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	require.NoError(t, err)

	sig := SignData(priv, []byte("block hash"))
	ok, err := VerifySignatureFromHex(KeyPair{Public: pub}.PublicHex(), []byte("block hash"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignature(pub, []byte("other"), sig)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifySignatureFromHex("abcd", []byte("x"), sig)
	assert.Error(t, err)
}

func TestLoadKeyErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(path, []byte("zz"), 0o600))
	_, err := LoadPrivateKey(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("abcd\n"), 0o600))
	_, err = LoadPublicKey(path)
	assert.Error(t, err)
}
