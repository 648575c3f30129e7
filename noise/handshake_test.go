package noise

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxgroup/crypto"
)

func newTestPair(t *testing.T) (*crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()
	initiatorKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	responderKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return initiatorKeys, responderKeys
}

func TestHandshakeCompletes(t *testing.T) {
	initiatorKeys, responderKeys := newTestPair(t)

	initiator, err := NewHandshake(initiatorKeys.Private[:], responderKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewHandshake(responderKeys.Private[:], nil, Responder)
	require.NoError(t, err)

	initPayload := []byte("initiator session key material")
	respPayload := []byte("responder session key material")

	msg1, _, complete, err := initiator.WriteMessage(initPayload, nil)
	require.NoError(t, err)
	assert.False(t, complete, "initiator must wait for the response")

	msg2, gotInitPayload, complete, err := responder.WriteMessage(respPayload, msg1)
	require.NoError(t, err)
	assert.True(t, complete, "responder completes after its reply")
	assert.Equal(t, initPayload, gotInitPayload)

	gotRespPayload, complete, err := initiator.ReadMessage(msg2)
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, respPayload, gotRespPayload)

	assert.True(t, initiator.IsComplete())
	assert.True(t, responder.IsComplete())
}

func TestHandshakeAuthenticatesStaticKeys(t *testing.T) {
	initiatorKeys, responderKeys := newTestPair(t)

	initiator, err := NewHandshake(initiatorKeys.Private[:], responderKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewHandshake(responderKeys.Private[:], nil, Responder)
	require.NoError(t, err)

	msg1, _, _, err := initiator.WriteMessage(nil, nil)
	require.NoError(t, err)
	msg2, _, _, err := responder.WriteMessage(nil, msg1)
	require.NoError(t, err)
	_, _, err = initiator.ReadMessage(msg2)
	require.NoError(t, err)

	remoteAtResponder, err := responder.RemoteStaticKey()
	require.NoError(t, err)
	assert.Equal(t, initiatorKeys.Public, remoteAtResponder,
		"responder must learn the initiator's authenticated permanent key")

	remoteAtInitiator, err := initiator.RemoteStaticKey()
	require.NoError(t, err)
	assert.Equal(t, responderKeys.Public, remoteAtInitiator)
}

func TestHandshakeRejectsWrongResponderKey(t *testing.T) {
	initiatorKeys, responderKeys := newTestPair(t)
	wrongKeys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// Initiator expects wrongKeys but talks to responderKeys.
	initiator, err := NewHandshake(initiatorKeys.Private[:], wrongKeys.Public[:], Initiator)
	require.NoError(t, err)
	responder, err := NewHandshake(responderKeys.Private[:], nil, Responder)
	require.NoError(t, err)

	msg1, _, _, err := initiator.WriteMessage(nil, nil)
	require.NoError(t, err)

	_, _, _, err = responder.WriteMessage(nil, msg1)
	assert.Error(t, err, "IK handshake keyed to a different responder must fail")
}

func TestHandshakeValidation(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	_, err = NewHandshake(keys.Private[:8], nil, Responder)
	assert.Error(t, err, "short private key must be rejected")

	_, err = NewHandshake(keys.Private[:], nil, Initiator)
	assert.Error(t, err, "initiator without peer key must be rejected")

	responder, err := NewHandshake(keys.Private[:], nil, Responder)
	require.NoError(t, err)
	_, _, _, err = responder.WriteMessage(nil, nil)
	assert.Error(t, err, "responder without a received message must fail")
}

func TestHandshakeNonceAndTimestamp(t *testing.T) {
	keys, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	a, err := NewHandshake(keys.Private[:], nil, Responder)
	require.NoError(t, err)
	b, err := NewHandshake(keys.Private[:], nil, Responder)
	require.NoError(t, err)

	assert.NotEqual(t, a.Nonce(), b.Nonce(), "handshake nonces must be unique")
	assert.NotZero(t, a.Timestamp())
}
