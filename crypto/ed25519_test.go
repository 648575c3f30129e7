package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	message := []byte("shared state v7")
	sig, err := Sign(message, kp.Private)
	require.NoError(t, err)

	ok, err := Verify(message, sig, kp.Public)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyRejectsWrongKeyAndTampering(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)
	other, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	message := []byte("moderator list")
	sig, err := Sign(message, kp.Private)
	require.NoError(t, err)

	ok, err := Verify(message, sig, other.Public)
	require.NoError(t, err)
	assert.False(t, ok, "signature must not verify under a different key")

	tampered := append([]byte{}, message...)
	tampered[0] ^= 1
	ok, err = Verify(tampered, sig, kp.Public)
	require.NoError(t, err)
	assert.False(t, ok, "signature must not verify over tampered bytes")
}

func TestSigningKeyPairFromSeed(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	restored, err := SigningKeyPairFromSeed(kp.Private)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, restored.Public, "seed must deterministically restore the public key")

	var zero [32]byte
	_, err = SigningKeyPairFromSeed(zero)
	assert.Error(t, err)
}

func TestSignRejectsEmptyMessage(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	_, err = Sign(nil, kp.Private)
	assert.Error(t, err)

	_, err = Verify(nil, Signature{}, kp.Public)
	assert.Error(t, err)
}
