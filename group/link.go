package group

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/noise"
)

// maxDecryptFailures is the tolerance for undecryptable packets on a
// confirmed link before it is torn down as a sync error. A single bad
// packet is always just dropped.
const maxDecryptFailures = 8

// peerLink is the per-pair connection session: the Noise handshake,
// the ephemeral session keys, the derived symmetric packet key, and the
// reliable-channel bookkeeping. A new handshake rotates everything;
// nothing here is ever persisted.
type peerLink struct {
	state linkState

	handshake   *noise.Handshake
	sessionKeys *crypto.KeyPair
	sessionKey  [32]byte
	keyDerived  bool

	// handshakeType distinguishes a join attempt from a mesh link.
	handshakeType byte

	channel *losslessChannel

	decryptFailures int
}

// newPeerLink creates the link state for one handshake attempt.
// selfEncSK is our permanent encryption private key; peerEncPK is the
// peer's permanent key (nil on the responder side).
func newPeerLink(selfEncSK [32]byte, peerEncPK []byte, role noise.Role, handshakeType byte) (*peerLink, error) {
	sessionKeys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("session key generation failed: %w", err)
	}

	handshake, err := noise.NewHandshake(selfEncSK[:], peerEncPK, role)
	if err != nil {
		crypto.WipeKeyPair(sessionKeys)
		return nil, err
	}

	return &peerLink{
		state:         linkNone,
		handshake:     handshake,
		sessionKeys:   sessionKeys,
		handshakeType: handshakeType,
		channel:       newLosslessChannel(),
	}, nil
}

// handshakePayload builds the Noise payload announcing our session key
// and identity: session_pk(32) ‖ sig_pk(32) ‖ request_type(1).
func (l *peerLink) handshakePayload(sigPK [32]byte) []byte {
	payload := make([]byte, 65)
	copy(payload[:32], l.sessionKeys.Public[:])
	copy(payload[32:64], sigPK[:])
	payload[64] = l.handshakeType
	return payload
}

// parseHandshakePayload splits a received Noise payload.
func parseHandshakePayload(payload []byte) (sessionPK, sigPK [32]byte, handshakeType byte, err error) {
	if len(payload) != 65 {
		return sessionPK, sigPK, 0, fmt.Errorf("%w: handshake payload %d bytes", errMalformed, len(payload))
	}
	copy(sessionPK[:], payload[:32])
	copy(sigPK[:], payload[32:64])
	return sessionPK, sigPK, payload[64], nil
}

// deriveSessionKey computes the symmetric packet key from our session
// private key and the peer's session public key. Both sides arrive at
// the same key.
func (l *peerLink) deriveSessionKey(peerSessionPK [32]byte) error {
	key, err := crypto.DeriveSharedSecret(peerSessionPK, l.sessionKeys.Private)
	if err != nil {
		return err
	}
	l.sessionKey = key
	l.keyDerived = true

	logrus.WithFields(logrus.Fields{
		"function": "deriveSessionKey",
		"package":  "group",
	}).Debug("Derived symmetric session key for peer link")

	return nil
}

// countDecryptFailure records one undecryptable packet and reports
// whether the link crossed the tear-down threshold.
func (l *peerLink) countDecryptFailure() bool {
	l.decryptFailures++
	return l.state == linkConfirmed && l.decryptFailures >= maxDecryptFailures
}

// teardown wipes the link's key material.
func (l *peerLink) teardown() {
	if l.sessionKeys != nil {
		crypto.WipeKeyPair(l.sessionKeys)
	}
	crypto.ZeroBytes(l.sessionKey[:])
	l.keyDerived = false
	l.state = linkFailed
}
