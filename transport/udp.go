package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// UDPTransport implements Transport over a UDP socket. It runs a
// packet processing loop that continuously reads from the socket and
// dispatches datagrams to registered handlers by outer packet type.
//
// Example:
//
//	tp, err := NewUDPTransport(":33445")
//	if err != nil {
//	    panic(err)
//	}
//	defer tp.Close()
//
//	tp.RegisterHandler(PacketGroupLossy, func(packet *Packet, addr net.Addr) error {
//	    // process packet
//	    return nil
//	})
type UDPTransport struct {
	conn       net.PacketConn
	listenAddr net.Addr
	handlers   map[PacketType]PacketHandler
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewUDPTransport creates a UDP transport bound to listenAddr (for
// example ":33445" or "127.0.0.1:0") and starts its read loop.
func NewUDPTransport(listenAddr string) (Transport, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &UDPTransport{
		conn:       conn,
		listenAddr: conn.LocalAddr(),
		handlers:   make(map[PacketType]PacketHandler),
		ctx:        ctx,
		cancel:     cancel,
	}

	t.wg.Add(1)
	go t.processIncomingPackets()

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPTransport",
		"package":  "transport",
		"address":  t.listenAddr.String(),
	}).Info("UDP transport listening")

	return t, nil
}

// processIncomingPackets reads datagrams until the context is
// cancelled, parsing each one and dispatching it to its handler.
func (t *UDPTransport) processIncomingPackets() {
	defer t.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		// Short deadline so shutdown is noticed promptly.
		if err := t.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return
		}

		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPackets",
				"package":  "transport",
				"error":    err.Error(),
			}).Debug("UDP read failed")
			continue
		}

		packet, err := ParsePacket(buf[:n])
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processIncomingPackets",
				"package":  "transport",
				"error":    err.Error(),
				"from":     addr.String(),
				"size":     n,
			}).Debug("Dropping malformed datagram")
			continue
		}

		t.dispatch(packet, addr)
	}
}

// dispatch routes one parsed packet to its registered handler, if any.
func (t *UDPTransport) dispatch(packet *Packet, addr net.Addr) {
	t.mu.RLock()
	handler, ok := t.handlers[packet.PacketType]
	t.mu.RUnlock()

	if !ok {
		return
	}

	if err := handler(packet, addr); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "dispatch",
			"package":     "transport",
			"packet_type": packet.PacketType,
			"from":        addr.String(),
			"error":       err.Error(),
		}).Debug("Packet handler reported error; packet dropped")
	}
}

// Send transmits a packet to the given address.
func (t *UDPTransport) Send(packet *Packet, addr net.Addr) error {
	data, err := packet.Serialize()
	if err != nil {
		return err
	}

	_, err = t.conn.WriteTo(data, addr)
	return err
}

// RegisterHandler associates a handler with an outer packet type.
func (t *UDPTransport) RegisterHandler(packetType PacketType, handler PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

// LocalAddr returns the bound local address.
func (t *UDPTransport) LocalAddr() net.Addr {
	return t.listenAddr
}

// Close shuts down the read loop and closes the socket.
func (t *UDPTransport) Close() error {
	t.cancel()
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
