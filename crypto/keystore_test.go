package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.keystore")
	require.NoError(t, SaveNodeKey(path, key, "hunter2"))

	loaded, err := LoadNodeKey(path, "hunter2")
	require.NoError(t, err)
	require.True(t, key.PubKey().Address().Equal(loaded.PubKey().Address()))
}

func TestKeystoreWrongPassphrase(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "node.keystore")
	require.NoError(t, SaveNodeKey(path, key, "correct"))

	_, err = LoadNodeKey(path, "wrong")
	require.Error(t, err)
}

func TestSaveNodeKeyValidation(t *testing.T) {
	require.Error(t, SaveNodeKey("", nil, ""))

	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	require.Error(t, SaveNodeKey("", key, ""))
}
