package transport

import (
	"errors"
	"fmt"
)

// PacketType identifies the outer type of a datagram, the single
// plaintext byte at offset zero. The group protocol claims the 0x5a
// range; everything else on a shared socket belongs to other
// subsystems and is ignored here.
type PacketType byte

const (
	// PacketGroupHandshake carries one Noise handshake message for a
	// peer link.
	PacketGroupHandshake PacketType = 0x5a

	// PacketGroupLossless carries a sealed group packet with an 8-byte
	// message id, delivered reliably and in order.
	PacketGroupLossless PacketType = 0x5b

	// PacketGroupLossy carries a sealed group packet with no message
	// id, delivered best-effort.
	PacketGroupLossy PacketType = 0x5c
)

// MaxDatagramSize is the largest datagram any subsystem may hand to a
// transport.
const MaxDatagramSize = 1400

var (
	// ErrPacketTooLarge indicates a datagram over MaxDatagramSize.
	ErrPacketTooLarge = errors.New("packet exceeds maximum datagram size")

	// ErrPacketTooShort indicates a datagram without even a type byte.
	ErrPacketTooShort = errors.New("packet too short")
)

// Packet is one framed datagram: the outer type byte plus everything
// after it.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts the packet to its wire form.
func (p *Packet) Serialize() ([]byte, error) {
	if len(p.Data)+1 > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(p.Data)+1)
	}

	buf := make([]byte, 1+len(p.Data))
	buf[0] = byte(p.PacketType)
	copy(buf[1:], p.Data)
	return buf, nil
}

// ParsePacket parses a received datagram into a Packet. The data slice
// is copied so the caller may reuse its read buffer.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}

	payload := make([]byte, len(data)-1)
	copy(payload, data[1:])

	return &Packet{
		PacketType: PacketType(data[0]),
		Data:       payload,
	}, nil
}
