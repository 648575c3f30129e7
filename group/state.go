package group

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/limits"
)

// SharedState is the founder-signed, version-numbered group-wide
// configuration artifact. Only the founder produces new versions; every
// peer verifies the signature against the Chat ID and accepts only
// strictly increasing versions.
type SharedState struct {
	Version   uint32
	Founder   crypto.ExtendedPublicKey
	PeerLimit uint32
	// Name is fixed at creation and never changes afterwards.
	Name      []byte
	Privacy   Privacy
	Password  []byte
	TopicLock bool
	// ModListHash is the SHA-256 of the current moderator list; the
	// list itself travels in a separate packet validated against this
	// hash.
	ModListHash [32]byte
	Signature   crypto.Signature
}

// Wire layout sizes for the shared-state packet.
const (
	sharedStateUnsignedSize = 4 + 64 + 4 + 2 + limits.MaxGroupNameLength + 1 + 2 + limits.MaxPasswordLength + 1 + 32
	sharedStateSize         = sharedStateUnsignedSize + crypto.SignatureSize
)

// marshalUnsigned packs the signed region of the shared state.
func (s *SharedState) marshalUnsigned() []byte {
	buf := make([]byte, sharedStateUnsignedSize)
	pos := 0

	binary.BigEndian.PutUint32(buf[pos:], s.Version)
	pos += 4
	copy(buf[pos:], s.Founder[:])
	pos += 64
	binary.BigEndian.PutUint32(buf[pos:], s.PeerLimit)
	pos += 4
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(s.Name)))
	pos += 2
	copy(buf[pos:], s.Name)
	pos += limits.MaxGroupNameLength
	buf[pos] = byte(s.Privacy)
	pos++
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(s.Password)))
	pos += 2
	copy(buf[pos:], s.Password)
	pos += limits.MaxPasswordLength
	if s.TopicLock {
		buf[pos] = 1
	}
	pos++
	copy(buf[pos:], s.ModListHash[:])

	return buf
}

// marshal packs the full shared-state packet, signature included.
func (s *SharedState) marshal() []byte {
	buf := make([]byte, 0, sharedStateSize)
	buf = append(buf, s.marshalUnsigned()...)
	buf = append(buf, s.Signature[:]...)
	return buf
}

// sign signs the shared state with the group signature key. Founder
// only: nobody else holds this key.
func (s *SharedState) sign(groupKey *crypto.SigningKeyPair) error {
	sig, err := crypto.Sign(s.marshalUnsigned(), groupKey.Private)
	if err != nil {
		return err
	}
	s.Signature = sig
	return nil
}

// verify checks the signature against the Chat ID (the group's public
// signature key).
func (s *SharedState) verify(chatID crypto.ChatID) error {
	ok, err := crypto.Verify(s.marshalUnsigned(), s.Signature, [32]byte(chatID))
	if err != nil {
		return err
	}
	if !ok {
		return errBadSignature
	}
	return nil
}

// parseSharedState unpacks a shared-state packet.
func parseSharedState(data []byte) (*SharedState, error) {
	if len(data) != sharedStateSize {
		return nil, fmt.Errorf("%w: shared state %d bytes", errMalformed, len(data))
	}

	s := &SharedState{}
	pos := 0

	s.Version = binary.BigEndian.Uint32(data[pos:])
	pos += 4
	copy(s.Founder[:], data[pos:])
	pos += 64
	s.PeerLimit = binary.BigEndian.Uint32(data[pos:])
	pos += 4
	nameLen := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	if nameLen > limits.MaxGroupNameLength {
		return nil, fmt.Errorf("%w: name length %d", errMalformed, nameLen)
	}
	s.Name = append([]byte(nil), data[pos:pos+nameLen]...)
	pos += limits.MaxGroupNameLength
	s.Privacy = Privacy(data[pos])
	pos++
	if !s.Privacy.valid() {
		return nil, fmt.Errorf("%w: privacy %d", errMalformed, s.Privacy)
	}
	passLen := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	if passLen > limits.MaxPasswordLength {
		return nil, fmt.Errorf("%w: password length %d", errMalformed, passLen)
	}
	s.Password = append([]byte(nil), data[pos:pos+passLen]...)
	pos += limits.MaxPasswordLength
	s.TopicLock = data[pos] == 1
	pos++
	copy(s.ModListHash[:], data[pos:])
	pos += 32
	copy(s.Signature[:], data[pos:])

	return s, nil
}

// clone returns a deep copy ready for the next version bump.
func (s *SharedState) clone() *SharedState {
	c := *s
	c.Name = append([]byte(nil), s.Name...)
	c.Password = append([]byte(nil), s.Password...)
	return &c
}

// receiveSharedState validates an incoming shared state against the
// Chat ID and the current version. It returns errVersionRegressed when
// the update is stale, which receivers treat as a silent no-op.
func receiveSharedState(current *SharedState, incoming *SharedState, chatID crypto.ChatID) error {
	if err := incoming.verify(chatID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "receiveSharedState",
			"package":  "group",
			"version":  incoming.Version,
		}).Warn("Rejected shared state with bad signature")
		return err
	}

	if current != nil && incoming.Version <= current.Version {
		return errVersionRegressed
	}
	return nil
}

// modListHash computes the SHA-256 over a packed moderator list, the
// value embedded in shared state.
func modListHash(packed []byte) [32]byte {
	return sha256.Sum256(packed)
}
