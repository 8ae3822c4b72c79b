package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	addr := key.PubKey().Address()
	require.Equal(t, MarketPrefix, addr.Prefix())
	require.Len(t, addr.Bytes(), 20)

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.True(t, addr.Equal(decoded))
}

func TestNewAddressRejectsBadLength(t *testing.T) {
	_, err := NewAddress(MarketPrefix, []byte{0x01, 0x02})
	require.Error(t, err)
}

func TestPrivateKeyHexRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	restored, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.True(t, key.PubKey().Address().Equal(restored.PubKey().Address()))
	require.Equal(t, key.PubKey().Hex(), restored.PubKey().Hex())
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	_, err := DecodeAddress("not-a-bech32-address")
	require.Error(t, err)
}
