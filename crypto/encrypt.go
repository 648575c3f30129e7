package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Nonce is a 24-byte value used for encryption. A fresh nonce is drawn
// for every sealed packet.
type Nonce [24]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "GenerateNonce",
			"package":    "crypto",
			"error":      err.Error(),
			"error_type": "random_generation_failed",
		}).Error("Failed to generate cryptographically secure nonce")
		return Nonce{}, err
	}
	return nonce, nil
}

// MaxMessageSize bounds any single plaintext handled by this package
// (1MB, to prevent excessive memory usage).
const MaxMessageSize = 1024 * 1024

// Encrypt encrypts a message with public-key authenticated encryption
// (NaCl box) from the sender's secret key to the recipient's public key.
func Encrypt(message []byte, nonce Nonce, recipientPK [32]byte, senderSK [32]byte) ([]byte, error) {
	logger := logrus.WithFields(logrus.Fields{
		"function":     "Encrypt",
		"package":      "crypto",
		"message_size": len(message),
		"recipient_pk": recipientPK[:8], // First 8 bytes for privacy
	})

	if len(message) == 0 {
		logger.WithFields(logrus.Fields{
			"error_type": "validation_failed",
			"operation":  "input_validation",
		}).Error("Encryption failed: message cannot be empty")
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		logger.WithFields(logrus.Fields{
			"max_size":   MaxMessageSize,
			"error_type": "validation_failed",
			"operation":  "size_validation",
		}).Error("Encryption failed: message exceeds maximum allowed size")
		return nil, errors.New("message too large")
	}

	encrypted := box.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&recipientPK), (*[32]byte)(&senderSK))

	logger.WithFields(logrus.Fields{
		"encrypted_size": len(encrypted),
		"operation":      "encryption_success",
	}).Debug("Message encrypted successfully with authentication tag")

	return encrypted, nil
}

// EncryptSymmetric encrypts a message using a symmetric session key.
// This is the AEAD used for all group packets after the handshake.
func EncryptSymmetric(message []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, errors.New("empty message")
	}
	if len(message) > MaxMessageSize {
		return nil, errors.New("message too large")
	}

	encrypted := secretbox.Seal(nil, message, (*[24]byte)(&nonce), (*[32]byte)(&key))
	return encrypted, nil
}
