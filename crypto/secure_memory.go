package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// SecureWipe attempts to securely erase the contents of a byte slice
// containing sensitive data. It returns an error if the byte slice is
// nil.
//
// The zeroing uses subtle.XORBytes (x XOR x = 0), a constant-time
// operation the compiler cannot optimize away.
func SecureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	subtle.XORBytes(data, data, data)
	runtime.KeepAlive(data)

	return nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive
// data. Convenience wrapper around SecureWipe that ignores the error.
func ZeroBytes(data []byte) {
	_ = SecureWipe(data)
}

// WipeKeyPair securely erases the private key in a KeyPair. Session key
// pairs are wiped when their link is torn down.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil KeyPair")
	}
	return SecureWipe(kp.Private[:])
}

// WipeSigningKeyPair securely erases the private seed in a
// SigningKeyPair.
func WipeSigningKeyPair(kp *SigningKeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil SigningKeyPair")
	}
	return SecureWipe(kp.Private[:])
}
