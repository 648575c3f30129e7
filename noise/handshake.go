// Package noise implements the Noise Protocol Framework handshake used
// to establish peer links inside a group.
//
// The IK (Initiator with Knowledge) pattern fits the group topology:
// the initiator always knows the responder's permanent encryption key,
// either from the invite that brought it into the group or from a peer
// announce received during sync. The handshake mutually authenticates
// both permanent keys and carries each side's ephemeral session key in
// its encrypted payload; the session keys then derive the symmetric
// packet key, giving every link forward secrecy.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/flynn/noise"

	"github.com/opd-ai/toxgroup/crypto"
)

var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates the handshake already finished.
	ErrHandshakeComplete = errors.New("handshake already complete")
)

// Role defines whether we initiate or respond to a link handshake.
type Role uint8

const (
	// Initiator starts the handshake (knows the peer's permanent key).
	Initiator Role = iota
	// Responder responds to a handshake initiation.
	Responder
)

// Handshake runs the Noise IK pattern for one peer link.
//
// The zero value is not usable; construct with NewHandshake.
type Handshake struct {
	role       Role
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
	nonce      [32]byte // random, generated at creation
	timestamp  int64    // creation time, unix seconds
}

// NewHandshake creates a new IK handshake for a peer link.
// staticPrivKey is our permanent encryption private key (32 bytes).
// peerPubKey is the peer's permanent encryption public key (32 bytes,
// nil for the responder). role selects the side we play.
func NewHandshake(staticPrivKey []byte, peerPubKey []byte, role Role) (*Handshake, error) {
	if len(staticPrivKey) != 32 {
		return nil, fmt.Errorf("static private key must be 32 bytes, got %d", len(staticPrivKey))
	}
	if role == Initiator && len(peerPubKey) != 32 {
		return nil, fmt.Errorf("initiator requires peer public key (32 bytes), got %d", len(peerPubKey))
	}

	var privateKeyArray [32]byte
	copy(privateKeyArray[:], staticPrivKey)

	keyPair, err := crypto.FromSecretKey(privateKeyArray)
	if err != nil {
		crypto.ZeroBytes(privateKeyArray[:])
		return nil, fmt.Errorf("failed to derive keypair: %w", err)
	}

	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])

	crypto.ZeroBytes(privateKeyArray[:])

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	if role == Initiator {
		config.PeerStatic = make([]byte, 32)
		copy(config.PeerStatic, peerPubKey)
	}

	hs := &Handshake{
		role:      role,
		timestamp: time.Now().Unix(),
	}

	if _, err := rand.Read(hs.nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate handshake nonce: %w", err)
	}

	hs.state, err = noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return hs, nil
}

// WriteMessage produces the next handshake message.
// For the initiator it creates the initial message carrying payload.
// For the responder it first consumes receivedMessage, then creates the
// response. Returns the message to send, the responder's view of the
// received payload, and completion status.
func (hs *Handshake) WriteMessage(payload, receivedMessage []byte) (message, peerPayload []byte, complete bool, err error) {
	if hs.complete {
		return nil, nil, false, ErrHandshakeComplete
	}

	if hs.role == Initiator {
		// -> e, es, s, ss
		message, _, _, err = hs.state.WriteMessage(nil, payload)
		if err != nil {
			return nil, nil, false, fmt.Errorf("initiator write failed: %w", err)
		}
		// Initiator completes only after reading the responder's reply.
		return message, nil, false, nil
	}

	if receivedMessage == nil {
		return nil, nil, false, errors.New("responder requires received message")
	}

	peerPayload, _, _, err = hs.state.ReadMessage(nil, receivedMessage)
	if err != nil {
		return nil, nil, false, fmt.Errorf("responder read failed: %w", err)
	}

	// <- e, ee, se
	var sendCipher, recvCipher *noise.CipherState
	message, sendCipher, recvCipher, err = hs.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, false, fmt.Errorf("responder write failed: %w", err)
	}

	hs.sendCipher = sendCipher
	hs.recvCipher = recvCipher
	hs.complete = true

	return message, peerPayload, true, nil
}

// ReadMessage consumes the responder's reply. Only the initiator calls
// this; it completes the handshake and returns the responder's payload.
func (hs *Handshake) ReadMessage(message []byte) ([]byte, bool, error) {
	if hs.complete {
		return nil, false, ErrHandshakeComplete
	}
	if hs.role != Initiator {
		return nil, false, errors.New("only initiator can read response messages")
	}

	payload, recvCipher, sendCipher, err := hs.state.ReadMessage(nil, message)
	if err != nil {
		return nil, false, fmt.Errorf("initiator read response failed: %w", err)
	}

	hs.recvCipher = recvCipher
	hs.sendCipher = sendCipher
	hs.complete = true
	return payload, true, nil
}

// IsComplete reports whether the handshake has finished.
func (hs *Handshake) IsComplete() bool {
	return hs.complete
}

// RemoteStaticKey returns the peer's permanent encryption public key
// once the handshake authenticated it.
func (hs *Handshake) RemoteStaticKey() ([32]byte, error) {
	var key [32]byte
	if !hs.complete {
		return key, ErrHandshakeNotComplete
	}

	remoteKey := hs.state.PeerStatic()
	if len(remoteKey) != 32 {
		return key, errors.New("remote static key not available")
	}
	copy(key[:], remoteKey)
	return key, nil
}

// Nonce returns the random nonce generated for this handshake. It is
// not carried in the handshake messages.
func (hs *Handshake) Nonce() [32]byte {
	return hs.nonce
}

// Timestamp returns the handshake creation time (unix seconds). It is
// not carried in the handshake messages.
func (hs *Handshake) Timestamp() int64 {
	return hs.timestamp
}
