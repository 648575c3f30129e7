package group

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/limits"
)

// SendMessage broadcasts a normal or action message to every confirmed
// peer. Observers hold read-only membership and are refused.
func (c *Chat) SendMessage(kind MessageType, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if !kind.valid() {
		return ErrInvalidRole
	}
	if err := validateLimit(limits.ValidateMessage(message)); err != nil {
		return err
	}
	if !c.selfRole().canSend() {
		return ErrPermissionDenied
	}

	subtype := broadcastPlainMessage
	if kind == MessageAction {
		subtype = broadcastActionMessage
	}
	c.broadcastEvent(subtype, message)
	return nil
}

// SendPrivate sends a message to exactly one peer over its link.
func (c *Chat) SendPrivate(peerID uint32, kind MessageType, message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if err := validateLimit(limits.ValidateMessage(message)); err != nil {
		return err
	}
	peer := c.peers.get(peerID)
	if peer == nil || !peer.Confirmed() {
		return ErrPeerNotFound
	}
	if !c.selfRole().canSend() {
		return ErrPermissionDenied
	}

	ts := uint64(c.timeProvider.Now().Unix())
	payload := marshalBroadcast(broadcastPrivateMessage, ts, privateMessagePayload(kind, message))
	return c.sendLosslessTo(peer, packetBroadcast, payload)
}

// SendCustom broadcasts opaque application bytes, reliably or lossily.
func (c *Chat) SendCustom(reliable bool, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrNotConnected
	}
	if err := validateLimit(limits.ValidateCustomPacket(data)); err != nil {
		return err
	}

	for _, peer := range c.peers.confirmed() {
		if reliable {
			_ = c.sendLosslessTo(peer, packetCustom, data)
		} else {
			_ = c.sendLossyTo(peer, packetCustom, data)
		}
	}
	return nil
}

// SetRole changes a peer's role, enforcing the hierarchical
// permission lattice and producing the signed artifacts the change
// requires.
func (c *Chat) SetRole(peerID uint32, newRole Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	if !newRole.valid() || newRole == RoleFounder {
		return ErrInvalidRole
	}
	peer := c.peers.get(peerID)
	if peer == nil || !peer.Confirmed() {
		return ErrPeerNotFound
	}

	caller := c.selfRole()
	current := peer.Role
	if current == newRole {
		return nil
	}
	if !caller.canAssign(current, newRole) {
		return ErrPermissionDenied
	}

	// Moderator membership changes require the founder, who is the
	// only holder of the group key that authorizes the new list hash.
	if (current == RoleModerator || newRole == RoleModerator) && c.groupKeys == nil {
		return ErrPermissionDenied
	}

	if current == RoleModerator {
		if err := c.demoteModerator(peer); err != nil {
			return err
		}
	}
	if current == RoleObserver && newRole > RoleObserver {
		if err := c.unsetObserver(peer); err != nil {
			return err
		}
	}

	switch newRole {
	case RoleModerator:
		return c.promoteModerator(peer)
	case RoleObserver:
		return c.setObserver(peer)
	case RoleUser:
		peer.Role = RoleUser
		return nil
	default:
		return ErrInvalidRole
	}
}

// promoteModerator adds the peer to the moderator list and publishes
// state before list, so receivers can validate the hash chain.
func (c *Chat) promoteModerator(peer *Peer) error {
	c.mods.add(peer.SigPK)
	if err := c.bumpSharedState(func(s *SharedState) {
		s.ModListHash = c.mods.hash()
	}); err != nil {
		c.mods.remove(peer.SigPK)
		return err
	}

	c.broadcastLossless(packetModList, c.mods.marshal())
	c.broadcastEvent(broadcastSetMod, setModPayload(modFlagPromote, peer.SigPK))
	peer.Role = RoleModerator
	return nil
}

// demoteModerator removes the peer from the moderator list and
// restores the "signed by a currently authoritative key" invariant:
// the founder re-signs the demoted moderator's sanctions entries and,
// if needed, the topic.
func (c *Chat) demoteModerator(peer *Peer) error {
	if !c.mods.remove(peer.SigPK) {
		return nil
	}

	if err := c.bumpSharedState(func(s *SharedState) {
		s.ModListHash = c.mods.hash()
	}); err != nil {
		c.mods.add(peer.SigPK)
		return err
	}
	c.broadcastLossless(packetModList, c.mods.marshal())

	resigned, err := c.sanctions.resignEntriesBy(peer.SigPK, c.selfSig)
	if err != nil {
		return err
	}
	if resigned {
		c.broadcastLossless(packetSanctionsList, c.sanctions.marshal())
	}

	if c.topicInfo != nil && c.topicInfo.SetterPK == peer.SigPK {
		resignedTopic := &TopicInfo{
			Version: c.topicInfo.Version + 1,
			Topic:   append([]byte(nil), c.topicInfo.Topic...),
		}
		if err := resignedTopic.sign(c.selfSig); err != nil {
			return err
		}
		c.topicInfo = resignedTopic
		c.broadcastLossless(packetTopic, resignedTopic.marshal())
	}

	c.broadcastEvent(broadcastSetMod, setModPayload(modFlagDemote, peer.SigPK))
	peer.Role = c.roleOf(peer)
	return nil
}

// setObserver appends a signed sanctions entry demoting the peer.
func (c *Chat) setObserver(peer *Peer) error {
	entry := &SanctionEntry{
		Type:        sanctionObserver,
		Timestamp:   uint64(c.timeProvider.Now().Unix()),
		TargetEncPK: peer.EncPK,
	}
	if err := entry.sign(c.selfSig); err != nil {
		return err
	}
	if err := c.sanctions.addEntry(entry, c.selfSig); err != nil {
		return err
	}

	creds := c.sanctions.credentials
	c.broadcastEvent(broadcastSetObserver,
		setObserverPayload(observerFlagSet, peer.EncPK, peer.SigPK, entry, &creds))
	peer.Role = RoleObserver
	return nil
}

// unsetObserver lifts the peer's sanction.
func (c *Chat) unsetObserver(peer *Peer) error {
	removed, err := c.sanctions.removeTarget(peer.EncPK, c.selfSig)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	creds := c.sanctions.credentials
	c.broadcastEvent(broadcastSetObserver,
		setObserverPayload(observerFlagUnset, peer.EncPK, peer.SigPK, nil, &creds))
	peer.Role = c.roleOf(peer)
	return nil
}

// Kick removes a peer from the group.
func (c *Chat) Kick(peerID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	peer := c.peers.get(peerID)
	if peer == nil {
		return ErrPeerNotFound
	}
	if !c.selfRole().canKick(peer.Role) {
		return ErrPermissionDenied
	}

	c.broadcastEvent(broadcastKickPeer, append([]byte(nil), peer.EncPK[:]...))
	c.removePeer(peer, ExitKick, nil)
	return nil
}

// ToggleIgnore suppresses or restores a peer's message upcalls
// locally; nothing is sent on the wire.
func (c *Chat) ToggleIgnore(peerID uint32, ignore bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	peer := c.peers.get(peerID)
	if peer == nil {
		return ErrPeerNotFound
	}
	peer.Ignored = ignore
	return nil
}

// SetTopic signs and broadcasts a new topic version under the current
// topic-lock policy.
func (c *Chat) SetTopic(topic []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	if err := limits.ValidateTopic(topic); err != nil {
		return ErrTooLong
	}

	locked := c.state != nil && c.state.TopicLock
	if !c.selfRole().canSetTopic(locked) {
		return ErrPermissionDenied
	}

	var version uint32 = 1
	if c.topicInfo != nil {
		version = c.topicInfo.Version + 1
	}
	info := &TopicInfo{
		Version: version,
		Topic:   append([]byte(nil), topic...),
	}
	if err := info.sign(c.selfSig); err != nil {
		return fmt.Errorf("topic signing failed: %w", err)
	}

	c.topicInfo = info
	c.dirty = true
	c.broadcastLossless(packetTopic, info.marshal())

	if c.callbacks.OnTopicChange != nil {
		c.callbacks.OnTopicChange(c.groupID, SelfPeerID, info.Topic)
	}
	return nil
}

// bumpSharedState clones, mutates, re-signs, and broadcasts the shared
// state under the founder's group key.
func (c *Chat) bumpSharedState(mutate func(*SharedState)) error {
	if c.groupKeys == nil {
		return ErrNotFounder
	}

	next := c.state.clone()
	next.Version++
	mutate(next)
	if err := next.sign(c.groupKeys); err != nil {
		return err
	}

	c.state = next
	c.dirty = true
	c.broadcastLossless(packetSharedState, next.marshal())

	logrus.WithFields(logrus.Fields{
		"function": "bumpSharedState",
		"package":  "group",
		"group_id": c.groupID,
		"version":  next.Version,
	}).Info("Published new shared state")

	return nil
}

// SetPassword changes the group password. Founder only.
func (c *Chat) SetPassword(password []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	if err := limits.ValidatePassword(password); err != nil {
		return ErrTooLong
	}
	if c.groupKeys == nil {
		return ErrNotFounder
	}

	err := c.bumpSharedState(func(s *SharedState) {
		s.Password = append([]byte(nil), password...)
	})
	if err == nil && c.callbacks.OnPasswordChange != nil {
		c.callbacks.OnPasswordChange(c.groupID, password)
	}
	return err
}

// SetPrivacy changes the group's privacy state. Founder only.
func (c *Chat) SetPrivacy(privacy Privacy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	if !privacy.valid() {
		return ErrInvalidPrivacyState
	}
	if c.groupKeys == nil {
		return ErrNotFounder
	}

	err := c.bumpSharedState(func(s *SharedState) {
		s.Privacy = privacy
	})
	if err == nil && c.callbacks.OnPrivacyChange != nil {
		c.callbacks.OnPrivacyChange(c.groupID, privacy)
	}
	return err
}

// SetPeerLimit changes the group's peer cap. Founder only.
func (c *Chat) SetPeerLimit(limit uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	if c.groupKeys == nil {
		return ErrNotFounder
	}

	err := c.bumpSharedState(func(s *SharedState) {
		s.PeerLimit = limit
	})
	if err == nil && c.callbacks.OnPeerLimitChange != nil {
		c.callbacks.OnPeerLimitChange(c.groupID, limit)
	}
	return err
}

// SetTopicLock toggles the topic-lock flag. Founder only.
func (c *Chat) SetTopicLock(locked bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrDisconnected
	}
	if c.groupKeys == nil {
		return ErrNotFounder
	}

	return c.bumpSharedState(func(s *SharedState) {
		s.TopicLock = locked
	})
}

// SetNick changes our nickname and announces it.
func (c *Chat) SetNick(nick []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := limits.ValidateNick(nick); err != nil {
		return validateLimit(err)
	}

	c.selfNick = string(nick)
	c.dirty = true
	if c.connected {
		c.broadcastEvent(broadcastNick, nick)
	}
	return nil
}

// SetStatus changes our availability and announces it.
func (c *Chat) SetStatus(status PeerStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !status.valid() {
		return ErrInvalidRole
	}
	c.selfStatus = status
	if c.connected {
		c.broadcastEvent(broadcastStatus, []byte{byte(status)})
	}
	return nil
}

// Disconnect tears down every link but keeps the group's state and
// identity so Reconnect can rebuild the mesh.
func (c *Chat) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return ErrAlreadyDisconnected
	}
	c.disconnectLocked()
	return nil
}

// disconnectLocked drops all links while retaining peer addresses.
func (c *Chat) disconnectLocked() {
	c.peers.forEach(func(peer *Peer) {
		if peer.link != nil {
			peer.link.teardown()
			peer.link = nil
		}
		peer.exchangedInfo = 0
	})
	c.connected = false
}

// Reconnect re-initiates handshakes to every remembered peer.
func (c *Chat) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}
	c.connected = true

	var targets []PeerAddress
	c.peers.forEach(func(peer *Peer) {
		if peer.Addr != nil {
			targets = append(targets, PeerAddress{EncPK: peer.EncPK, Addr: peer.Addr})
		}
	})

	for _, target := range targets {
		if err := c.initiateHandshake(target.EncPK, target.Addr, handshakePeerExchange); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Reconnect",
				"package":  "group",
				"group_id": c.groupID,
				"error":    err.Error(),
			}).Debug("Reconnect handshake failed to start")
		}
	}
	return nil
}

// Leave announces departure with an optional part message and tears
// the group down permanently. The founder's group key dies with it.
func (c *Chat) Leave(partMessage []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := limits.ValidatePartMessage(partMessage); err != nil {
		return ErrTooLong
	}

	if c.connected {
		c.broadcastEvent(broadcastPeerExit, partMessage)
		c.disconnectLocked()
	}

	crypto.WipeKeyPair(c.selfEnc)
	crypto.WipeSigningKeyPair(c.selfSig)
	if c.groupKeys != nil {
		crypto.WipeSigningKeyPair(c.groupKeys)
	}
	return nil
}

// InviteFriend produces an invite cookie for out-of-band delivery to a
// friend: the Chat ID, our permanent key, and our reachable address.
func (c *Chat) InviteFriend() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, ErrDisconnected
	}

	cookie := make([]byte, 0, 64+19)
	cookie = append(cookie, c.chatID[:]...)
	cookie = append(cookie, c.selfEnc.Public[:]...)
	if c.selfAddr != nil {
		cookie = appendIPPort(cookie, c.selfAddr)
	} else if udp, ok := c.tp.LocalAddr().(*net.UDPAddr); ok {
		cookie = appendIPPort(cookie, udp)
	}
	return cookie, nil
}

// Accessors.

// ChatID returns the group's permanent identifier.
func (c *Chat) ChatID() crypto.ChatID {
	return c.chatID
}

// Name returns the group name fixed at creation.
func (c *Chat) Name() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	return append([]byte(nil), c.state.Name...)
}

// Topic returns the current topic bytes.
func (c *Chat) Topic() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.topicInfo == nil {
		return nil
	}
	return append([]byte(nil), c.topicInfo.Topic...)
}

// SelfRole returns our current role.
func (c *Chat) SelfRole() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfRole()
}

// SelfNick returns our current nickname.
func (c *Chat) SelfNick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfNick
}

// PeerCount returns the number of confirmed peers, excluding self.
func (c *Chat) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.confirmedCount()
}

// GetPeer returns a snapshot of one peer.
func (c *Chat) GetPeer(peerID uint32) (*Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	peer := c.peers.get(peerID)
	if peer == nil {
		return nil, ErrPeerNotFound
	}
	snapshot := *peer
	snapshot.link = nil
	return &snapshot, nil
}

// PeerList returns snapshots of all confirmed peers.
func (c *Chat) PeerList() []*Peer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var list []*Peer
	for _, peer := range c.peers.confirmed() {
		snapshot := *peer
		snapshot.link = nil
		list = append(list, &snapshot)
	}
	return list
}

// Connected reports whether the group mesh is active.
func (c *Chat) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// validateLimit maps limits-package sentinel errors to engine errors.
func validateLimit(err error) error {
	switch err {
	case nil:
		return nil
	case limits.ErrEmpty:
		return ErrEmpty
	case limits.ErrTooLong:
		return ErrTooLong
	default:
		return err
	}
}

// matchesHash reports whether a frame's chat-id hash addresses this
// group; Manager uses it to route shared-socket traffic.
func (c *Chat) matchesHash(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return uint32(data[0])<<24|uint32(data[1])<<16|uint32(data[2])<<8|uint32(data[3]) == c.idHash
}
