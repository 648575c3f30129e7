package group

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/limits"
	"github.com/opd-ai/toxgroup/transport"
)

// Frame layout after the outer type byte:
//
//	[chat_id_hash:4][sender_enc_pk:32][nonce:24]
//	[AEAD{ padding[0..8] ‖ group_packet_type:1 ‖ (message_id:8 if lossless) ‖ payload }]
//
// Padding bytes are zero-valued; their count is drawn fresh per packet
// and recovered implicitly because every group packet type is non-zero.

const (
	codecHashOffset   = 0
	codecSenderOffset = 4
	codecNonceOffset  = 36
	codecSealedOffset = 60
)

// sealPacket frames, pads, and encrypts one group packet for a link
// keyed by sessionKey. messageID is included only for lossless outer
// packets.
func sealPacket(outer transport.PacketType, idHash uint32, senderPK, sessionKey [32]byte,
	inner packetType, messageID uint64, payload []byte,
) (*transport.Packet, error) {
	lossless := outer == transport.PacketGroupLossless

	plainLen := 1 + len(payload)
	if lossless {
		plainLen += 8
	}

	padding, err := paddingLength(1 + codecSealedOffset + plainLen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}

	total := 1 + codecSealedOffset + padding + plainLen + secretboxOverhead
	if total > limits.MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, total)
	}

	plaintext := make([]byte, padding+plainLen)
	pos := padding
	plaintext[pos] = byte(inner)
	pos++
	if lossless {
		binary.BigEndian.PutUint64(plaintext[pos:], messageID)
		pos += 8
	}
	copy(plaintext[pos:], payload)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}

	sealed, err := crypto.EncryptSymmetric(plaintext, nonce, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptFailed, err)
	}

	data := make([]byte, codecSealedOffset+len(sealed))
	binary.BigEndian.PutUint32(data[codecHashOffset:], idHash)
	copy(data[codecSenderOffset:], senderPK[:])
	copy(data[codecNonceOffset:], nonce[:])
	copy(data[codecSealedOffset:], sealed)

	return &transport.Packet{PacketType: outer, Data: data}, nil
}

// secretboxOverhead is the NaCl secretbox authentication tag.
const secretboxOverhead = 16

// paddingLength draws a uniform pad count, shortened if the packet is
// close to the size ceiling.
func paddingLength(baseLen int) (int, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	padding := int(b[0]) % (limits.MaxPaddingSize + 1)
	if space := limits.MaxPacketSize - baseLen - secretboxOverhead; padding > space {
		if space < 0 {
			space = 0
		}
		padding = space
	}
	return padding, nil
}

// openedPacket is the result of decrypting and unframing a group
// packet.
type openedPacket struct {
	senderPK  [32]byte
	inner     packetType
	messageID uint64 // only set for lossless packets
	payload   []byte
}

// openPacket authenticates and unframes one received group packet.
// keyFor resolves the session key for the claimed sender; it returns
// false when no link with that peer exists.
func openPacket(outer transport.PacketType, idHash uint32, data []byte,
	keyFor func(senderPK [32]byte) ([32]byte, bool),
) (*openedPacket, error) {
	lossless := outer == transport.PacketGroupLossless

	minLen := limits.MinLossyPacketSize - 1
	if lossless {
		minLen = limits.MinLosslessPacketSize - 1
	}
	if len(data) < minLen {
		return nil, fmt.Errorf("%w: %d bytes", errMalformed, len(data)+1)
	}

	if got := binary.BigEndian.Uint32(data[codecHashOffset:]); got != idHash {
		return nil, fmt.Errorf("%w: hash %08x", ErrBadChatID, got)
	}

	var senderPK [32]byte
	copy(senderPK[:], data[codecSenderOffset:codecNonceOffset])

	sessionKey, ok := keyFor(senderPK)
	if !ok {
		return nil, fmt.Errorf("%w: no session for sender", crypto.ErrDecryptFailed)
	}

	var nonce crypto.Nonce
	copy(nonce[:], data[codecNonceOffset:codecSealedOffset])

	plaintext, err := crypto.DecryptSymmetric(data[codecSealedOffset:], nonce, sessionKey)
	if err != nil {
		return nil, err
	}

	// Skip zero padding; the packet type is the first non-zero byte.
	pos := 0
	for pos < len(plaintext) && plaintext[pos] == 0 {
		pos++
	}
	if pos > limits.MaxPaddingSize || pos >= len(plaintext) {
		return nil, fmt.Errorf("%w: bad padding", errMalformed)
	}

	opened := &openedPacket{
		senderPK: senderPK,
		inner:    packetType(plaintext[pos]),
	}
	pos++

	if lossless {
		if len(plaintext)-pos < 8 {
			return nil, fmt.Errorf("%w: truncated message id", errMalformed)
		}
		opened.messageID = binary.BigEndian.Uint64(plaintext[pos:])
		pos += 8
	}

	opened.payload = plaintext[pos:]

	logrus.WithFields(logrus.Fields{
		"function":     "openPacket",
		"package":      "group",
		"inner_type":   fmt.Sprintf("0x%02x", byte(opened.inner)),
		"payload_size": len(opened.payload),
	}).Trace("Opened group packet")

	return opened, nil
}
