package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignatureValidity(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	data := []byte("heartbeat:s1:1700000000")
	signature, err := Sign(privateKey, data)
	require.NoError(t, err)
	assert.True(t, Verify(publicKey, data, signature))
}

func TestSignatureTamperingRejected(t *testing.T) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signature, err := Sign(privateKey, []byte("delete:s1:1700000000"))
	require.NoError(t, err)
	assert.False(t, Verify(publicKey, []byte("delete:s2:1700000000"), signature))
	assert.False(t, Verify(publicKey, []byte("delete:s1:1700000000"), signature[:10]))
	assert.False(t, Verify(publicKey[:5], []byte("delete:s1:1700000000"), signature))
}
