package infra

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEd25519Keys_RoundTrip(t *testing.T) {
	gen, err := GenerateEd25519Keys()
	require.NoError(t, err)
	assert.True(t, gen.Ephemeral)

	privPEM, err := gen.MarshalPrivatePEM()
	require.NoError(t, err)

	// PEM как есть
	k, err := ParseEd25519Keys(privPEM, gen.PublicPEM)
	require.NoError(t, err)
	assert.False(t, k.Ephemeral)
	assert.True(t, k.Public.Equal(gen.Public))

	// base64(PEM) из ENV, публичный ключ выводится из приватного
	k, err = ParseEd25519Keys([]byte(base64.StdEncoding.EncodeToString(privPEM)), nil)
	require.NoError(t, err)
	assert.Equal(t, gen.PublicPEM, k.PublicPEM)

	pub, err := PublicKeyFromPEM(k.PublicPEM)
	require.NoError(t, err)
	assert.True(t, pub.Equal(gen.Public))
}

func TestParseEd25519Keys_Mismatch(t *testing.T) {
	a, err := GenerateEd25519Keys()
	require.NoError(t, err)
	b, err := GenerateEd25519Keys()
	require.NoError(t, err)
	privPEM, err := a.MarshalPrivatePEM()
	require.NoError(t, err)

	_, err = ParseEd25519Keys(privPEM, b.PublicPEM)
	assert.Error(t, err)

	_, err = ParseEd25519Keys(nil, nil)
	assert.Error(t, err)
}
