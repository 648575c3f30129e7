package crypto

import (
	"encoding/hex"
	"errors"
	"hash/fnv"
)

// ChatID is a group's permanent 32-byte identifier: the public half of
// the group signature key pair generated by the founder at creation.
type ChatID [32]byte

// ChatIDFromString parses a Chat ID from its hexadecimal string
// representation.
func ChatIDFromString(s string) (ChatID, error) {
	if len(s) != 64 {
		return ChatID{}, errors.New("invalid chat ID length")
	}

	data, err := hex.DecodeString(s)
	if err != nil {
		return ChatID{}, err
	}

	var id ChatID
	copy(id[:], data)
	return id, nil
}

// String returns the hexadecimal string representation of the Chat ID.
func (id ChatID) String() string {
	return hex.EncodeToString(id[:])
}

// Hash32 returns the deterministic 32-bit short hash of the Chat ID
// carried in every group packet header so receivers can cheaply drop
// packets addressed to other groups.
func (id ChatID) Hash32() uint32 {
	h := fnv.New32a()
	h.Write(id[:])
	return h.Sum32()
}

// ExtendedPublicKey is a peer's permanent encryption public key
// concatenated with its signing public key (enc-pk ‖ sig-pk, 64 bytes),
// the form in which the founder identity is embedded in shared state.
type ExtendedPublicKey [64]byte

// MakeExtendedPublicKey assembles an extended public key from its two
// halves.
func MakeExtendedPublicKey(encPK, sigPK [32]byte) ExtendedPublicKey {
	var ext ExtendedPublicKey
	copy(ext[:32], encPK[:])
	copy(ext[32:], sigPK[:])
	return ext
}

// EncryptionKey returns the encryption half of the extended key.
func (e ExtendedPublicKey) EncryptionKey() [32]byte {
	var pk [32]byte
	copy(pk[:], e[:32])
	return pk
}

// SignatureKey returns the signing half of the extended key.
func (e ExtendedPublicKey) SignatureKey() [32]byte {
	var pk [32]byte
	copy(pk[:], e[32:])
	return pk
}
