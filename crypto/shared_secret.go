package crypto

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// DeriveSharedSecret computes a shared secret between two parties using
// Elliptic Curve Diffie-Hellman (ECDH) on Curve25519.
//
// Both directions produce the same secret, which is what makes it
// usable as the per-pair symmetric session key after a handshake.
func DeriveSharedSecret(peerPublicKey, privateKey [32]byte) ([32]byte, error) {
	var privateKeyCopy [32]byte
	copy(privateKeyCopy[:], privateKey[:])

	sharedSecret, err := curve25519.X25519(privateKeyCopy[:], peerPublicKey[:])
	if err != nil {
		ZeroBytes(privateKeyCopy[:])
		return [32]byte{}, fmt.Errorf("failed to compute shared secret: %w", err)
	}

	var result [32]byte
	copy(result[:], sharedSecret)

	ZeroBytes(privateKeyCopy[:])
	ZeroBytes(sharedSecret)

	return result, nil
}
