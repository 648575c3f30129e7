package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// Signature represents an Ed25519 signature.
type Signature [SignatureSize]byte

// SigningKeyPair is an Ed25519 key pair. The public key identifies a
// peer cryptographically within a group; the group's own signing public
// key doubles as the Chat ID.
type SigningKeyPair struct {
	Public [32]byte
	// Private holds the 32-byte Ed25519 seed. The full 64-byte signing
	// key is re-derived on every Sign call and never stored.
	Private [32]byte
}

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, err
	}
	return SigningKeyPairFromSeed(seed)
}

// SigningKeyPairFromSeed reconstructs a signing key pair from a stored
// 32-byte seed.
func SigningKeyPairFromSeed(seed [32]byte) (*SigningKeyPair, error) {
	var zero [32]byte
	if seed == zero {
		return nil, errors.New("zero signing seed")
	}

	priv := ed25519.NewKeyFromSeed(seed[:])
	kp := &SigningKeyPair{Private: seed}
	copy(kp.Public[:], priv[32:])
	return kp, nil
}

// Sign creates an Ed25519 signature for a message using the private key.
func Sign(message []byte, privateKey [32]byte) (Signature, error) {
	if len(message) == 0 {
		return Signature{}, errors.New("empty message")
	}

	// Ed25519 private keys are 64 bytes (32 bytes seed + 32 bytes public key)
	edPrivateKey := ed25519.NewKeyFromSeed(privateKey[:])
	signatureBytes := ed25519.Sign(edPrivateKey, message)

	var signature Signature
	copy(signature[:], signatureBytes)
	return signature, nil
}

// Verify checks if a signature is valid for a message and public key.
func Verify(message []byte, signature Signature, publicKey [32]byte) (bool, error) {
	if len(message) == 0 {
		return false, errors.New("empty message")
	}

	var edPublicKey [ed25519.PublicKeySize]byte
	copy(edPublicKey[:], publicKey[:])

	return ed25519.Verify(edPublicKey[:], message, signature[:]), nil
}
