package group

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/limits"
	"github.com/opd-ai/toxgroup/transport"
)

// Manager owns every group engine sharing one transport. It registers
// the three outer packet handlers once and routes incoming frames to
// the right Chat by chat-id hash. Each Chat's state stays private to
// that Chat; the manager only routes.
type Manager struct {
	mu sync.Mutex

	tp           transport.Transport
	timeProvider crypto.TimeProvider
	callbacks    Callbacks

	groups map[uint32]*Chat
	nextID uint32
}

// NewManager creates a group manager on a transport and registers its
// packet handlers.
func NewManager(tp transport.Transport) *Manager {
	m := &Manager{
		tp:           tp,
		timeProvider: crypto.DefaultTimeProvider{},
		groups:       make(map[uint32]*Chat),
	}

	tp.RegisterHandler(transport.PacketGroupHandshake, m.makeHandler((*Chat).handleHandshake))
	tp.RegisterHandler(transport.PacketGroupLossless, m.makeHandler((*Chat).handleLossless))
	tp.RegisterHandler(transport.PacketGroupLossy, m.makeHandler((*Chat).handleLossy))

	return m
}

// SetTimeProvider injects a deterministic clock for testing. It
// applies to groups created afterwards.
func (m *Manager) SetTimeProvider(tp crypto.TimeProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	m.timeProvider = tp
}

// SetCallbacks installs the upcall surface. Call before creating or
// joining groups.
func (m *Manager) SetCallbacks(callbacks Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = callbacks
}

// makeHandler builds one transport handler that fans a frame to every
// group whose chat-id hash matches. Hash collisions between groups are
// harmless: the AEAD of the wrong group rejects the packet.
func (m *Manager) makeHandler(fn func(*Chat, []byte, net.Addr)) transport.PacketHandler {
	return func(packet *transport.Packet, addr net.Addr) error {
		for _, chat := range m.snapshot() {
			if chat.matchesHash(packet.Data) {
				fn(chat, packet.Data, addr)
			}
		}
		return nil
	}
}

// snapshot copies the group list so handlers never hold the manager
// lock while a Chat processes a packet.
func (m *Manager) snapshot() []*Chat {
	m.mu.Lock()
	defer m.mu.Unlock()
	chats := make([]*Chat, 0, len(m.groups))
	for _, chat := range m.groups {
		chats = append(chats, chat)
	}
	return chats
}

// CreateGroup founds a new group and returns its group id.
func (m *Manager) CreateGroup(privacy Privacy, name, nick []byte) (uint32, error) {
	if err := limits.ValidateGroupName(name); err != nil {
		return 0, validateLimit(err)
	}
	if err := limits.ValidateNick(nick); err != nil {
		return 0, validateLimit(err)
	}
	if !privacy.valid() {
		return 0, ErrInvalidPrivacyState
	}

	m.mu.Lock()
	groupID := m.nextID
	m.nextID++
	callbacks := &m.callbacks
	timeProvider := m.timeProvider
	m.mu.Unlock()

	chat, err := createChat(groupID, privacy, name, nick, m.tp, timeProvider, callbacks)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.groups[groupID] = chat
	m.mu.Unlock()
	return groupID, nil
}

// JoinByChatID joins an existing group through bootstrap peers the
// lookup layer resolved for this Chat ID.
func (m *Manager) JoinByChatID(chatID crypto.ChatID, password, nick []byte, bootstrap []PeerAddress) (uint32, error) {
	if chatID == (crypto.ChatID{}) {
		return 0, ErrBadChatID
	}
	if err := limits.ValidateNick(nick); err != nil {
		return 0, validateLimit(err)
	}
	if err := limits.ValidatePassword(password); err != nil {
		return 0, ErrTooLong
	}

	m.mu.Lock()
	for _, chat := range m.groups {
		if chat.chatID == chatID {
			m.mu.Unlock()
			return 0, ErrDuplicate
		}
	}
	groupID := m.nextID
	m.nextID++
	callbacks := &m.callbacks
	timeProvider := m.timeProvider
	m.mu.Unlock()

	chat, err := joinChat(groupID, chatID, password, nick, bootstrap, m.tp, timeProvider, callbacks)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.groups[groupID] = chat
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "JoinByChatID",
		"package":  "group",
		"group_id": groupID,
		"chat_id":  chatID.String()[:16],
	}).Info("Joining group")

	return groupID, nil
}

// AcceptInvite consumes an invite cookie received from a friend:
// { chat_id:32, inviter_enc_pk:32, inviter ip-port }.
func (m *Manager) AcceptInvite(cookie, nick, password []byte) (uint32, error) {
	if len(cookie) < 64 {
		return 0, ErrBadInvite
	}

	var chatID crypto.ChatID
	copy(chatID[:], cookie[:32])

	var inviterPK [32]byte
	copy(inviterPK[:], cookie[32:64])

	var bootstrap []PeerAddress
	if len(cookie) > 64 {
		addr, _, err := parseIPPort(cookie[64:])
		if err != nil {
			return 0, ErrBadInvite
		}
		bootstrap = append(bootstrap, PeerAddress{EncPK: inviterPK, Addr: addr})
	}

	return m.JoinByChatID(chatID, password, nick, bootstrap)
}

// Get resolves a group id.
func (m *Manager) Get(groupID uint32) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chat, ok := m.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return chat, nil
}

// Leave leaves a group and forgets it.
func (m *Manager) Leave(groupID uint32, partMessage []byte) error {
	chat, err := m.Get(groupID)
	if err != nil {
		return err
	}
	if err := chat.Leave(partMessage); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.groups, groupID)
	m.mu.Unlock()
	return nil
}

// Iterate drives every group's timer work once. Call roughly every
// IterationInterval.
func (m *Manager) Iterate() {
	for _, chat := range m.snapshot() {
		chat.iterate()
	}
}

// GroupIDs lists the ids of all managed groups.
func (m *Manager) GroupIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	return ids
}
