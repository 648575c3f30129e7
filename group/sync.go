package group

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/opd-ai/toxgroup/limits"
)

// pingData is the version vector every confirmed link exchanges
// periodically. Receivers compare it componentwise against their own
// state to decide whether they are out of sync.
type pingData struct {
	PeerListChecksum uint16
	PeerCount        uint16
	StateVersion     uint32
	SanctionsVersion uint32
	TopicVersion     uint32
	// Addr optionally announces our own reachable endpoint.
	Addr *net.UDPAddr
}

// Address family discriminators on the wire.
const (
	familyIPv4 byte = 0x02
	familyIPv6 byte = 0x0a
)

// marshal packs a ping payload.
func (p *pingData) marshal() []byte {
	buf := make([]byte, 16, 16+1+16+2)
	binary.BigEndian.PutUint16(buf[0:], p.PeerListChecksum)
	binary.BigEndian.PutUint16(buf[2:], p.PeerCount)
	binary.BigEndian.PutUint32(buf[4:], p.StateVersion)
	binary.BigEndian.PutUint32(buf[8:], p.SanctionsVersion)
	binary.BigEndian.PutUint32(buf[12:], p.TopicVersion)

	if p.Addr == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendIPPort(buf, p.Addr)
}

// parsePing unpacks a ping payload.
func parsePing(data []byte) (*pingData, error) {
	if len(data) < 17 {
		return nil, fmt.Errorf("%w: ping %d bytes", errMalformed, len(data))
	}

	p := &pingData{
		PeerListChecksum: binary.BigEndian.Uint16(data[0:]),
		PeerCount:        binary.BigEndian.Uint16(data[2:]),
		StateVersion:     binary.BigEndian.Uint32(data[4:]),
		SanctionsVersion: binary.BigEndian.Uint32(data[8:]),
		TopicVersion:     binary.BigEndian.Uint32(data[12:]),
	}

	if data[16] == 1 {
		addr, _, err := parseIPPort(data[17:])
		if err != nil {
			return nil, err
		}
		p.Addr = addr
	}
	return p, nil
}

// appendIPPort packs family(1) ‖ ip(4|16) ‖ port(2).
func appendIPPort(buf []byte, addr *net.UDPAddr) []byte {
	if ip4 := addr.IP.To4(); ip4 != nil {
		buf = append(buf, familyIPv4)
		buf = append(buf, ip4...)
	} else {
		buf = append(buf, familyIPv6)
		buf = append(buf, addr.IP.To16()...)
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], uint16(addr.Port))
	return append(buf, port[:]...)
}

// parseIPPort unpacks an ip:port, returning the consumed byte count.
func parseIPPort(data []byte) (*net.UDPAddr, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("%w: empty ip-port", errMalformed)
	}

	var ipLen int
	switch data[0] {
	case familyIPv4:
		ipLen = 4
	case familyIPv6:
		ipLen = 16
	default:
		return nil, 0, fmt.Errorf("%w: address family %d", errMalformed, data[0])
	}

	if len(data) < 1+ipLen+2 {
		return nil, 0, fmt.Errorf("%w: truncated ip-port", errMalformed)
	}

	ip := make(net.IP, ipLen)
	copy(ip, data[1:1+ipLen])
	port := binary.BigEndian.Uint16(data[1+ipLen:])

	return &net.UDPAddr{IP: ip, Port: int(port)}, 1 + ipLen + 2, nil
}

// syncRequestData carries the artifacts a peer is missing plus the
// group password, so only members can pull state.
type syncRequestData struct {
	Flags    uint16
	Password []byte
}

// marshal packs a sync request { flags:2, password:32 } with the password
// zero-padded to its fixed field.
func (s *syncRequestData) marshal() []byte {
	buf := make([]byte, 2+limits.MaxPasswordLength)
	binary.BigEndian.PutUint16(buf, s.Flags)
	copy(buf[2:], s.Password)
	return buf
}

// parseSyncRequest unpacks a sync request.
func parseSyncRequest(data []byte) (*syncRequestData, error) {
	if len(data) != 2+limits.MaxPasswordLength {
		return nil, fmt.Errorf("%w: sync request %d bytes", errMalformed, len(data))
	}
	s := &syncRequestData{Flags: binary.BigEndian.Uint16(data)}
	s.Password = append([]byte(nil), data[2:]...)
	return s, nil
}

// passwordField zero-pads a password to its fixed wire field for
// constant-shape comparison.
func passwordField(password []byte) [limits.MaxPasswordLength]byte {
	var field [limits.MaxPasswordLength]byte
	copy(field[:], password)
	return field
}

// TCPRelay describes one relay endpoint a peer can be reached through
// when direct datagrams fail.
type TCPRelay struct {
	Addr *net.UDPAddr
	PK   [32]byte
}

// peerAnnounce is the packed description of one peer, carried in sync
// responses, sufficient to initiate a handshake with it.
type peerAnnounce struct {
	EncPK  [32]byte
	Addr   *net.UDPAddr
	Relays []TCPRelay
}

// Announce flag bits.
const (
	announceFlagAddr   byte = 1 << 0
	announceFlagRelays byte = 1 << 1
)

// marshal packs a peer announce:
// pk(32) ‖ flags(1) ‖ [ip-port] ‖ [count(1) ‖ relays].
func (a *peerAnnounce) marshal() []byte {
	buf := make([]byte, 0, 33+19+1+len(a.Relays)*51)
	buf = append(buf, a.EncPK[:]...)

	var flags byte
	if a.Addr != nil {
		flags |= announceFlagAddr
	}
	if len(a.Relays) > 0 {
		flags |= announceFlagRelays
	}
	buf = append(buf, flags)

	if a.Addr != nil {
		buf = appendIPPort(buf, a.Addr)
	}
	if len(a.Relays) > 0 {
		buf = append(buf, byte(len(a.Relays)))
		for _, r := range a.Relays {
			buf = appendIPPort(buf, r.Addr)
			buf = append(buf, r.PK[:]...)
		}
	}
	return buf
}

// parseAnnounce unpacks a peer announce.
func parseAnnounce(data []byte) (*peerAnnounce, error) {
	if len(data) < 33 {
		return nil, fmt.Errorf("%w: announce %d bytes", errMalformed, len(data))
	}

	a := &peerAnnounce{}
	copy(a.EncPK[:], data)
	flags := data[32]
	pos := 33

	if flags&announceFlagAddr != 0 {
		addr, n, err := parseIPPort(data[pos:])
		if err != nil {
			return nil, err
		}
		a.Addr = addr
		pos += n
	}

	if flags&announceFlagRelays != 0 {
		if pos >= len(data) {
			return nil, fmt.Errorf("%w: truncated relay count", errMalformed)
		}
		count := int(data[pos])
		pos++
		for i := 0; i < count; i++ {
			addr, n, err := parseIPPort(data[pos:])
			if err != nil {
				return nil, err
			}
			pos += n
			if len(data) < pos+32 {
				return nil, fmt.Errorf("%w: truncated relay key", errMalformed)
			}
			var relay TCPRelay
			relay.Addr = addr
			copy(relay.PK[:], data[pos:])
			pos += 32
			a.Relays = append(a.Relays, relay)
		}
	}

	return a, nil
}

// marshalRelayList packs a TCP_RELAYS payload: count(1) ‖ relays.
func marshalRelayList(relays []TCPRelay) []byte {
	buf := []byte{byte(len(relays))}
	for _, r := range relays {
		buf = appendIPPort(buf, r.Addr)
		buf = append(buf, r.PK[:]...)
	}
	return buf
}

// parseRelayList unpacks a TCP_RELAYS payload.
func parseRelayList(data []byte) ([]TCPRelay, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty relay list", errMalformed)
	}
	count := int(data[0])
	pos := 1

	var relays []TCPRelay
	for i := 0; i < count; i++ {
		addr, n, err := parseIPPort(data[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		if len(data) < pos+32 {
			return nil, fmt.Errorf("%w: truncated relay key", errMalformed)
		}
		var relay TCPRelay
		relay.Addr = addr
		copy(relay.PK[:], data[pos:])
		pos += 32
		relays = append(relays, relay)
	}
	return relays, nil
}
