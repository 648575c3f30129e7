// Package crypto implements the cryptographic primitives used by the
// group-chat engine.
//
// This package handles key generation, authenticated encryption,
// Ed25519 signatures, and the group Chat ID type, using the NaCl
// constructions through Go's x/crypto packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a NaCl crypto_box key pair. Every peer carries a
// permanent encryption pair (used only during handshakes) and each
// connection session derives a fresh ephemeral pair.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random NaCl key pair.
func GenerateKeyPair() (*KeyPair, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "GenerateKeyPair",
		"package":  "crypto",
	})

	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"error":      err.Error(),
			"error_type": "key_generation_failed",
			"operation":  "box.GenerateKey",
		}).Error("Failed to generate cryptographic key pair")
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	logger.WithFields(logrus.Fields{
		"public_key_preview": fmt.Sprintf("%x", keyPair.Public[:8]),
		"operation":          "key_generation_success",
	}).Debug("Cryptographic key pair generated successfully")

	return keyPair, nil
}

// FromSecretKey creates a key pair from an existing private key by
// deriving the matching Curve25519 public key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	var zeroKey [32]byte
	if secretKey == zeroKey {
		return nil, errors.New("zero secret key")
	}

	publicKey, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	keyPair := &KeyPair{Private: secretKey}
	copy(keyPair.Public[:], publicKey)

	return keyPair, nil
}
