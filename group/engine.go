package group

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/noise"
	"github.com/opd-ai/toxgroup/transport"
)

// Timing constants of the engine's cooperative loop.
const (
	// IterationInterval is the nominal tick the caller should drive
	// Iterate at.
	IterationInterval = 40 * time.Millisecond

	pingInterval       = 12 * time.Second
	confirmedTimeout   = 72 * time.Second
	unconfirmedTimeout = 30 * time.Second
)

// SelfPeerID is the peer-id value upcalls use when an event concerns
// the local peer itself (for example being kicked).
const SelfPeerID = ^uint32(0)

// PeerAddress is a lookup result handed in by the surrounding
// application: where a peer with a given permanent encryption key can
// be reached. The DHT/onion machinery that produces these lives
// outside this module.
type PeerAddress struct {
	EncPK [32]byte
	Addr  net.Addr
}

// Chat is one group engine instance: it owns the peer table, the
// replicated signed state, and every link's channel bookkeeping. All
// mutation happens under a single mutex, driven either by transport
// handlers or by Iterate.
type Chat struct {
	mu sync.Mutex

	groupID uint32
	chatID  crypto.ChatID
	idHash  uint32

	// Permanent per-group identity; survives restarts while we remain
	// in the group.
	selfEnc *crypto.KeyPair
	selfSig *crypto.SigningKeyPair

	// groupKeys is the group signature key pair; only the founder
	// holds it, and its loss (founder exit) is permanent.
	groupKeys *crypto.SigningKeyPair

	state     *SharedState
	mods      *moderatorList
	sanctions *sanctionsList
	topicInfo *TopicInfo

	peers *peerTable

	selfNick   string
	selfStatus PeerStatus

	connected bool
	// joining marks a join in progress: set until the first peer-info
	// exchange confirms us into the mesh.
	joining      bool
	joinPassword []byte

	selfAddr *net.UDPAddr
	relays   []TCPRelay

	tp           transport.Transport
	timeProvider crypto.TimeProvider
	callbacks    *Callbacks

	// dirty marks unsaved state changes for the persistence hook.
	dirty bool
}

// newChatCommon builds the parts shared by create, join, and load.
func newChatCommon(groupID uint32, tp transport.Transport, timeProvider crypto.TimeProvider, callbacks *Callbacks) (*Chat, error) {
	selfEnc, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	selfSig, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}

	return &Chat{
		groupID:      groupID,
		selfEnc:      selfEnc,
		selfSig:      selfSig,
		sanctions:    newSanctionsList(),
		mods:         &moderatorList{},
		peers:        newPeerTable(),
		tp:           tp,
		timeProvider: timeProvider,
		callbacks:    callbacks,
	}, nil
}

// createChat founds a new group: generates the group key pair, signs
// shared-state version 1, and starts connected with an empty mesh.
func createChat(groupID uint32, privacy Privacy, name, nick []byte,
	tp transport.Transport, timeProvider crypto.TimeProvider, callbacks *Callbacks,
) (*Chat, error) {
	c, err := newChatCommon(groupID, tp, timeProvider, callbacks)
	if err != nil {
		return nil, err
	}

	c.groupKeys, err = crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}
	c.chatID = crypto.ChatID(c.groupKeys.Public)
	c.idHash = c.chatID.Hash32()

	c.state = &SharedState{
		Version:     1,
		Founder:     crypto.MakeExtendedPublicKey(c.selfEnc.Public, c.selfSig.Public),
		PeerLimit:   defaultPeerLimit,
		Name:        append([]byte(nil), name...),
		Privacy:     privacy,
		ModListHash: c.mods.hash(),
	}
	if err := c.state.sign(c.groupKeys); err != nil {
		return nil, err
	}

	c.selfNick = string(nick)
	c.connected = true
	c.dirty = true

	logrus.WithFields(logrus.Fields{
		"function": "createChat",
		"package":  "group",
		"group_id": groupID,
		"chat_id":  c.chatID.String()[:16],
		"privacy":  privacy,
	}).Info("Created new group")

	return c, nil
}

// defaultPeerLimit is the peer cap a fresh group starts with.
const defaultPeerLimit = 100

// joinChat prepares a Chat joining an existing group via bootstrap
// addresses; the shared state arrives from the mesh after the first
// confirmed link.
func joinChat(groupID uint32, chatID crypto.ChatID, password, nick []byte, bootstrap []PeerAddress,
	tp transport.Transport, timeProvider crypto.TimeProvider, callbacks *Callbacks,
) (*Chat, error) {
	c, err := newChatCommon(groupID, tp, timeProvider, callbacks)
	if err != nil {
		return nil, err
	}

	c.chatID = chatID
	c.idHash = chatID.Hash32()
	c.selfNick = string(nick)
	c.joinPassword = append([]byte(nil), password...)
	c.joining = true
	c.connected = true

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range bootstrap {
		if err := c.initiateHandshake(addr.EncPK, addr.Addr, handshakeInviteRequest); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "joinChat",
				"package":  "group",
				"group_id": groupID,
				"error":    err.Error(),
			}).Warn("Bootstrap handshake failed to start")
		}
	}

	return c, nil
}

// selfRole derives our current role from the replicated artifacts.
func (c *Chat) selfRole() Role {
	if c.groupKeys != nil {
		return RoleFounder
	}
	if c.state != nil && c.state.Founder.SignatureKey() == c.selfSig.Public {
		return RoleFounder
	}
	if c.sanctions.sanctioned(c.selfEnc.Public) {
		return RoleObserver
	}
	if c.mods.contains(c.selfSig.Public) {
		return RoleModerator
	}
	return RoleUser
}

// roleOf derives a peer's role the same way.
func (c *Chat) roleOf(peer *Peer) Role {
	if c.state != nil && peer.SigPK == c.state.Founder.SignatureKey() {
		return RoleFounder
	}
	if c.sanctions.sanctioned(peer.EncPK) {
		return RoleObserver
	}
	if c.mods.contains(peer.SigPK) {
		return RoleModerator
	}
	return RoleUser
}

// recomputeRoles re-derives every peer's role after a moderation or
// state change.
func (c *Chat) recomputeRoles() {
	c.peers.forEach(func(p *Peer) {
		p.Role = c.roleOf(p)
	})
}

// isAuthority reports whether a signature key is currently the founder
// or a moderator, the validity condition for sanctions and topics.
func (c *Chat) isAuthority(sigPK [32]byte) bool {
	if c.state != nil && sigPK == c.state.Founder.SignatureKey() {
		return true
	}
	return c.mods.contains(sigPK)
}

// initiateHandshake starts an outgoing link to a peer. Caller holds mu.
func (c *Chat) initiateHandshake(peerEncPK [32]byte, addr net.Addr, handshakeType byte) error {
	if peerEncPK == c.selfEnc.Public {
		return ErrSelf
	}
	if existing := c.peers.byEncKey(peerEncPK); existing != nil && existing.link != nil &&
		existing.link.state != linkFailed && existing.link.state != linkNone {
		return nil // handshake already in flight or link alive
	}

	link, err := newPeerLink(c.selfEnc.Private, peerEncPK[:], noise.Initiator, handshakeType)
	if err != nil {
		return err
	}

	msg, _, _, err := link.handshake.WriteMessage(link.handshakePayload(c.selfSig.Public), nil)
	if err != nil {
		link.teardown()
		return err
	}
	link.state = linkHandshakeSent

	peer := c.peers.byEncKey(peerEncPK)
	if peer == nil {
		peer = &Peer{
			EncPK:     peerEncPK,
			Addr:      addr,
			Role:      RoleUser,
			createdAt: c.timeProvider.Now(),
		}
		c.peers.add(peer)
	} else {
		peer.Addr = addr
		peer.createdAt = c.timeProvider.Now()
		peer.exchangedInfo = 0
	}
	peer.link = link

	return c.sendHandshakeFrame(peer, handshakeStepInit, msg)
}

// Handshake frame step discriminators (byte after the sender key).
const (
	handshakeStepInit     byte = 1
	handshakeStepResponse byte = 2
)

// sendHandshakeFrame frames a Noise message:
// [chat_id_hash:4][sender_enc_pk:32][step:1][noise message].
func (c *Chat) sendHandshakeFrame(peer *Peer, step byte, noiseMsg []byte) error {
	data := make([]byte, 4+32+1+len(noiseMsg))
	packUint32(data, c.idHash)
	copy(data[4:], c.selfEnc.Public[:])
	data[36] = step
	copy(data[37:], noiseMsg)

	return c.tp.Send(&transport.Packet{
		PacketType: transport.PacketGroupHandshake,
		Data:       data,
	}, peer.Addr)
}

// sendLosslessTo seals and sends one lossless packet on a link,
// tracking it for retransmission until acked.
func (c *Chat) sendLosslessTo(peer *Peer, inner packetType, payload []byte) error {
	link := peer.link
	if link == nil || !link.keyDerived {
		return ErrNotConnected
	}

	id := link.channel.nextID()
	frame, err := sealPacket(transport.PacketGroupLossless, c.idHash, c.selfEnc.Public,
		link.sessionKey, inner, id, payload)
	if err != nil {
		return err
	}

	link.channel.track(id, frame, c.timeProvider.Now())
	return c.tp.Send(frame, peer.Addr)
}

// sendLossyTo seals and sends one best-effort packet on a link.
func (c *Chat) sendLossyTo(peer *Peer, inner packetType, payload []byte) error {
	link := peer.link
	if link == nil || !link.keyDerived {
		return ErrNotConnected
	}

	frame, err := sealPacket(transport.PacketGroupLossy, c.idHash, c.selfEnc.Public,
		link.sessionKey, inner, 0, payload)
	if err != nil {
		return err
	}
	return c.tp.Send(frame, peer.Addr)
}

// broadcastLossless fans one packet out to every confirmed peer,
// sealed per link. Broadcast is sender-driven: one copy per peer.
func (c *Chat) broadcastLossless(inner packetType, payload []byte) {
	for _, peer := range c.peers.confirmed() {
		if err := c.sendLosslessTo(peer, inner, payload); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "broadcastLossless",
				"package":    "group",
				"group_id":   c.groupID,
				"peer_id":    peer.ID,
				"inner_type": fmt.Sprintf("0x%02x", byte(inner)),
				"error":      err.Error(),
			}).Debug("Broadcast send failed for peer")
		}
	}
}

// broadcastEvent wraps a payload in a broadcast envelope and fans it
// out.
func (c *Chat) broadcastEvent(subtype broadcastType, payload []byte) {
	ts := uint64(c.timeProvider.Now().Unix())
	c.broadcastLossless(packetBroadcast, marshalBroadcast(subtype, ts, payload))
}

// sendAllStateTo pushes every replicated artifact to one peer, in the
// order receivers require: shared state authorizes the moderator list,
// which authorizes sanctions.
func (c *Chat) sendAllStateTo(peer *Peer) {
	if c.state != nil {
		_ = c.sendLosslessTo(peer, packetSharedState, c.state.marshal())
		_ = c.sendLosslessTo(peer, packetModList, c.mods.marshal())
		_ = c.sendLosslessTo(peer, packetSanctionsList, c.sanctions.marshal())
	}
	if c.topicInfo != nil {
		_ = c.sendLosslessTo(peer, packetTopic, c.topicInfo.marshal())
	}
}

// sendPeerAnnouncesTo sends one sync response per confirmed peer other
// than the recipient, so it can mesh with everyone.
func (c *Chat) sendPeerAnnouncesTo(peer *Peer) {
	for _, other := range c.peers.confirmed() {
		if other.ID == peer.ID {
			continue
		}
		announce := peerAnnounce{EncPK: other.EncPK}
		if udp, ok := other.Addr.(*net.UDPAddr); ok {
			announce.Addr = udp
		}
		_ = c.sendLosslessTo(peer, packetSyncResponse, announce.marshal())
	}
}

// removePeer drops a peer, wipes its link, and reports it upward.
func (c *Chat) removePeer(peer *Peer, reason ExitReason, partMessage []byte) {
	wasConfirmed := peer.Confirmed()
	if peer.link != nil {
		peer.link.teardown()
	}
	c.peers.remove(peer.ID)

	logrus.WithFields(logrus.Fields{
		"function": "removePeer",
		"package":  "group",
		"group_id": c.groupID,
		"peer_id":  peer.ID,
		"reason":   reason,
	}).Info("Peer removed from group")

	if wasConfirmed && c.callbacks.OnPeerExit != nil {
		c.callbacks.OnPeerExit(c.groupID, peer.ID, reason, partMessage)
	}
}

// confirmPeer finishes the handshake tail: the peer now counts toward
// the list and checksum, and a fresh joiner receives the full state.
func (c *Chat) confirmPeer(peer *Peer) {
	if peer.Confirmed() {
		return
	}
	peer.link.state = linkConfirmed
	peer.Role = c.roleOf(peer)
	peer.LastPing = c.timeProvider.Now()

	logrus.WithFields(logrus.Fields{
		"function": "confirmPeer",
		"package":  "group",
		"group_id": c.groupID,
		"peer_id":  peer.ID,
		"nick":     peer.Nick,
	}).Info("Peer confirmed")

	if peer.pendingJoin {
		peer.pendingJoin = false
		c.sendAllStateTo(peer)
		c.sendPeerAnnouncesTo(peer)
	}

	if c.callbacks.OnPeerJoin != nil {
		c.callbacks.OnPeerJoin(c.groupID, peer.ID)
	}

	if c.joining {
		c.joining = false
		c.dirty = true
		if c.callbacks.OnSelfJoin != nil {
			c.callbacks.OnSelfJoin(c.groupID)
		}
	}
}

// iterate advances timers: handshake expiry, pings, retransmits, and
// peer eviction. Called by Manager.Iterate.
func (c *Chat) iterate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}

	now := c.timeProvider.Now()

	var evict []*Peer
	var evictReason []ExitReason

	c.peers.forEach(func(peer *Peer) {
		link := peer.link
		if link == nil {
			return
		}

		if link.state != linkConfirmed {
			if now.Sub(peer.createdAt) > unconfirmedTimeout {
				evict = append(evict, peer)
				evictReason = append(evictReason, ExitTimeout)
			}
			return
		}

		if now.Sub(peer.LastPing) > confirmedTimeout {
			evict = append(evict, peer)
			evictReason = append(evictReason, ExitTimeout)
			return
		}

		if now.Sub(peer.lastSentPing) >= pingInterval {
			peer.lastSentPing = now
			_ = c.sendLossyTo(peer, packetPing, c.buildPing().marshal())
		}

		due, failed := link.channel.duePackets(now)
		if failed {
			evict = append(evict, peer)
			evictReason = append(evictReason, ExitSyncError)
			return
		}
		for _, frame := range due {
			_ = c.tp.Send(frame, peer.Addr)
		}

		for _, id := range link.channel.missingIDs(now) {
			_ = c.sendLossyTo(peer, packetMessageAck, marshalAck(id, ackReq))
		}
	})

	for i, peer := range evict {
		c.removePeer(peer, evictReason[i], nil)
	}
}

// buildPing assembles our current version vector. Caller holds mu.
func (c *Chat) buildPing() *pingData {
	ping := &pingData{
		PeerListChecksum: c.peers.checksum(c.selfEnc.Public),
		PeerCount:        uint16(c.peers.confirmedCount() + 1), // plus self
		SanctionsVersion: c.sanctions.credentials.Version,
		Addr:             c.selfAddr,
	}
	if c.state != nil {
		ping.StateVersion = c.state.Version
	}
	if c.topicInfo != nil {
		ping.TopicVersion = c.topicInfo.Version
	}
	return ping
}

// packUint32 writes a big-endian uint32 at the start of buf.
func packUint32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}
