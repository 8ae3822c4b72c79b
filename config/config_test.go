package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"marketd/crypto"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8545", cfg.RPCAddress)
	require.Equal(t, ":8080", cfg.GatewayAddress)
	require.Equal(t, 10, cfg.ReconcileMaxAttempts)

	// The file and the keystore must both exist afterwards.
	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(cfg.NodeKeystorePath)
	require.NoError(t, err)

	// The generated keystore must decrypt with the ambient passphrase.
	_, err = crypto.LoadNodeKey(cfg.NodeKeystorePath, "")
	require.NoError(t, err)
}

func TestLoadExistingAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
DataDir = "/tmp/custom-data"
RPCAddress = ":9999"

[gateway]
JWTSecret = "s3cret"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-data", cfg.DataDir)
	require.Equal(t, ":9999", cfg.RPCAddress)
	// Unspecified knobs fall back.
	require.Equal(t, ":8080", cfg.GatewayAddress)
	require.Equal(t, 168, cfg.SeenTTLHours)
	require.Equal(t, "s3cret", cfg.Gateway.JWTSecret)
	require.Equal(t, filepath.Join("/tmp/custom-data", "orders.db"), cfg.Gateway.OrderIndexPath)
	require.Equal(t, filepath.Join(dir, "node.keystore"), cfg.NodeKeystorePath)
}

func TestLoadReusesExistingKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	first, err := Load(path)
	require.NoError(t, err)
	key1, err := crypto.LoadNodeKey(first.NodeKeystorePath, "")
	require.NoError(t, err)

	second, err := Load(path)
	require.NoError(t, err)
	key2, err := crypto.LoadNodeKey(second.NodeKeystorePath, "")
	require.NoError(t, err)

	require.True(t, key1.PubKey().Address().Equal(key2.PubKey().Address()))
}
