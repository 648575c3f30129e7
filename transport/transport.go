// Package transport implements the datagram boundary between the group
// engine and the underlying network layer.
//
// The engine is transport-agnostic: it addresses peers by net.Addr,
// hands fully framed packets to a Transport, and registers one handler
// per outer packet type at startup. The DHT/onion machinery that
// discovers those addresses lives outside this module; anything that
// can move a datagram (UDP socket, TCP relay tunnel, test loopback)
// can implement Transport.
package transport

import "net"

// PacketHandler processes one incoming packet. Handlers receive the
// parsed packet and the source address. Returning an error causes the
// packet to be logged and dropped; it never tears down the transport.
type PacketHandler func(packet *Packet, addr net.Addr) error

// Transport is the interface the group engine talks through. All
// implementations must be safe for concurrent use.
type Transport interface {
	// Send transmits a packet to the specified network address.
	Send(packet *Packet, addr net.Addr) error

	// Close shuts down the transport and releases all resources.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler associates a handler function with an outer
	// packet type, replacing any previous handler for that type.
	RegisterHandler(packetType PacketType, handler PacketHandler)
}
