package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptFailed indicates the ciphertext failed authentication.
// Packet-processing code treats this as a silent drop, never a
// caller-visible error.
var ErrDecryptFailed = errors.New("decryption failed: message authentication failed")

// Decrypt decrypts a message using NaCl box public-key authenticated
// encryption.
func Decrypt(ciphertext []byte, nonce Nonce, senderPK [32]byte, recipientSK [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	decrypted, ok := box.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&senderPK), (*[32]byte)(&recipientSK))
	if !ok {
		return nil, ErrDecryptFailed
	}
	return decrypted, nil
}

// DecryptSymmetric decrypts a message using a symmetric session key.
func DecryptSymmetric(ciphertext []byte, nonce Nonce, key [32]byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, errors.New("empty ciphertext")
	}

	out, ok := secretbox.Open(nil, ciphertext, (*[24]byte)(&nonce), (*[32]byte)(&key))
	if !ok {
		return nil, ErrDecryptFailed
	}
	return out, nil
}
