package group

import (
	"net"
	"sync"

	"github.com/opd-ai/toxgroup/transport"
)

// memBus is a deterministic in-memory network shared by test
// transports. Sends enqueue; flush drains the queue in FIFO order so
// packet processing never reenters the sender's engine lock.
type memBus struct {
	mu        sync.Mutex
	endpoints map[string]*memTransport
	queue     []memDelivery
	// drop selectively discards packets, simulating loss/partitions.
	drop func(from, to string, packet *transport.Packet) bool
}

type memDelivery struct {
	to     string
	from   net.Addr
	packet *transport.Packet
}

func newMemBus() *memBus {
	return &memBus{endpoints: make(map[string]*memTransport)}
}

// endpoint creates a transport addressed by a fake UDP address.
func (b *memBus) endpoint(lastOctet byte) *memTransport {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, lastOctet), Port: 33445}
	t := &memTransport{
		bus:      b,
		addr:     addr,
		handlers: make(map[transport.PacketType]transport.PacketHandler),
	}
	b.mu.Lock()
	b.endpoints[addr.String()] = t
	b.mu.Unlock()
	return t
}

// flush delivers queued packets until the network is quiescent.
func (b *memBus) flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		delivery := b.queue[0]
		b.queue = b.queue[1:]
		endpoint := b.endpoints[delivery.to]
		b.mu.Unlock()

		if endpoint == nil {
			continue
		}
		endpoint.deliver(delivery.packet, delivery.from)
	}
}

// memTransport implements transport.Transport over the bus.
type memTransport struct {
	bus      *memBus
	addr     net.Addr
	mu       sync.RWMutex
	handlers map[transport.PacketType]transport.PacketHandler
	closed   bool
}

func (t *memTransport) Send(packet *transport.Packet, addr net.Addr) error {
	// Serialize and reparse so tests exercise the same framing as the
	// real transport.
	wire, err := packet.Serialize()
	if err != nil {
		return err
	}
	parsed, err := transport.ParsePacket(wire)
	if err != nil {
		return err
	}

	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	if t.bus.drop != nil && t.bus.drop(t.addr.String(), addr.String(), parsed) {
		return nil
	}
	t.bus.queue = append(t.bus.queue, memDelivery{to: addr.String(), from: t.addr, packet: parsed})
	return nil
}

func (t *memTransport) deliver(packet *transport.Packet, from net.Addr) {
	t.mu.RLock()
	handler := t.handlers[packet.PacketType]
	closed := t.closed
	t.mu.RUnlock()

	if closed || handler == nil {
		return
	}
	_ = handler(packet, from)
}

func (t *memTransport) RegisterHandler(packetType transport.PacketType, handler transport.PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[packetType] = handler
}

func (t *memTransport) LocalAddr() net.Addr {
	return t.addr
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// testPeerPair spins up a founder and one joined member over a shared
// bus and flushes until both links confirm.
type testPeerPair struct {
	bus *memBus

	mgrA, mgrB   *Manager
	gidA, gidB   uint32
	chatA, chatB *Chat
}

func newTestPeerPair(t testingT, groupName, nickA, nickB string) *testPeerPair {
	bus := newMemBus()

	mgrA := NewManager(bus.endpoint(1))
	mgrB := NewManager(bus.endpoint(2))

	gidA, err := mgrA.CreateGroup(PrivacyPrivate, []byte(groupName), []byte(nickA))
	requireNoError(t, err)
	chatA, err := mgrA.Get(gidA)
	requireNoError(t, err)

	cookie, err := chatA.InviteFriend()
	requireNoError(t, err)

	gidB, err := mgrB.AcceptInvite(cookie, []byte(nickB), nil)
	requireNoError(t, err)
	chatB, err := mgrB.Get(gidB)
	requireNoError(t, err)

	bus.flush()

	return &testPeerPair{
		bus:  bus,
		mgrA: mgrA, mgrB: mgrB,
		gidA: gidA, gidB: gidB,
		chatA: chatA, chatB: chatB,
	}
}

// peerIDOf returns the id the chat assigned to its single peer.
func peerIDOf(t testingT, chat *Chat) uint32 {
	peers := chat.PeerList()
	if len(peers) != 1 {
		t.Fatalf("expected exactly one confirmed peer, got %d", len(peers))
	}
	return peers[0].ID
}

// testingT is the subset of *testing.T the helpers need.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

func requireNoError(t testingT, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
