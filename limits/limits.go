// Package limits provides the centralized size limits of the group
// wire protocol. Keeping them in one place ensures consistent
// validation across the codec, the engine, and persistence.
package limits

import "errors"

const (
	// MaxPacketSize is the largest datagram the group protocol ever
	// produces, headers and AEAD overhead included.
	MaxPacketSize = 1400

	// MinLosslessPacketSize is the smallest valid lossless packet:
	// outer header (61) + AEAD tag (16) + inner type (1) + message id (8).
	MinLosslessPacketSize = 86

	// MinLossyPacketSize is the smallest valid lossy packet: the same
	// layout without the 8-byte message id.
	MinLossyPacketSize = 78

	// OuterHeaderSize is the plaintext prefix of every group packet:
	// outer type (1) + chat-id hash (4) + sender enc-pk (32) + nonce (24).
	OuterHeaderSize = 61

	// MaxPaddingSize bounds the zero padding prepended to the encrypted
	// header to blur short payload lengths.
	MaxPaddingSize = 8

	// MaxGroupNameLength is the maximum group name length, fixed at
	// creation.
	MaxGroupNameLength = 48

	// MaxNickLength is the maximum peer nickname length.
	MaxNickLength = 128

	// MaxPasswordLength is the maximum group password length.
	MaxPasswordLength = 32

	// MaxTopicLength is the maximum topic length.
	MaxTopicLength = 512

	// MaxMessageLength is the maximum plaintext chat message a peer can
	// send; it keeps a sealed message within MaxPacketSize.
	MaxMessageLength = 1289

	// MaxPartMessageLength is the maximum parting message carried by a
	// peer-exit broadcast.
	MaxPartMessageLength = 128

	// MaxCustomPacketLength bounds opaque application packets.
	MaxCustomPacketLength = 1289
)

var (
	// ErrEmpty indicates empty input where content is required.
	ErrEmpty = errors.New("empty input")

	// ErrTooLong indicates input exceeding its protocol limit.
	ErrTooLong = errors.New("input too long")
)

// ValidateSize validates data against the given maximum, rejecting
// empty input.
func ValidateSize(data []byte, maxSize int) error {
	if len(data) == 0 {
		return ErrEmpty
	}
	if len(data) > maxSize {
		return ErrTooLong
	}
	return nil
}

// ValidateSizeAllowEmpty validates data against the given maximum,
// accepting empty input (passwords and topics may be cleared).
func ValidateSizeAllowEmpty(data []byte, maxSize int) error {
	if len(data) > maxSize {
		return ErrTooLong
	}
	return nil
}

// ValidateGroupName validates a group name at creation time.
func ValidateGroupName(name []byte) error {
	return ValidateSize(name, MaxGroupNameLength)
}

// ValidateNick validates a peer nickname.
func ValidateNick(nick []byte) error {
	return ValidateSize(nick, MaxNickLength)
}

// ValidatePassword validates a group password; an empty password means
// the group is not password protected.
func ValidatePassword(password []byte) error {
	return ValidateSizeAllowEmpty(password, MaxPasswordLength)
}

// ValidateTopic validates a topic; clearing the topic is allowed.
func ValidateTopic(topic []byte) error {
	return ValidateSizeAllowEmpty(topic, MaxTopicLength)
}

// ValidateMessage validates an outgoing chat message.
func ValidateMessage(message []byte) error {
	return ValidateSize(message, MaxMessageLength)
}

// ValidatePartMessage validates a parting message; leaving silently is
// allowed.
func ValidatePartMessage(message []byte) error {
	return ValidateSizeAllowEmpty(message, MaxPartMessageLength)
}

// ValidateCustomPacket validates an opaque application packet.
func ValidateCustomPacket(data []byte) error {
	return ValidateSize(data, MaxCustomPacketLength)
}
