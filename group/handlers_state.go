package group

import (
	"bytes"
	"errors"
	"fmt"
)

// handleSharedState applies an incoming founder-signed shared state.
// Stale versions are silent no-ops; bad signatures are dropped.
func (c *Chat) handleSharedState(payload []byte) {
	incoming, err := parseSharedState(payload)
	if err != nil {
		c.dropPacket("handleSharedState", err)
		return
	}

	if err := receiveSharedState(c.state, incoming, c.chatID); err != nil {
		if !errors.Is(err, errVersionRegressed) {
			c.dropPacket("handleSharedState", err)
		}
		return
	}

	previous := c.state
	c.state = incoming
	c.dirty = true
	c.recomputeRoles()

	if previous == nil {
		return
	}
	if !bytes.Equal(previous.Password, incoming.Password) && c.callbacks.OnPasswordChange != nil {
		c.callbacks.OnPasswordChange(c.groupID, incoming.Password)
	}
	if previous.Privacy != incoming.Privacy && c.callbacks.OnPrivacyChange != nil {
		c.callbacks.OnPrivacyChange(c.groupID, incoming.Privacy)
	}
	if previous.PeerLimit != incoming.PeerLimit && c.callbacks.OnPeerLimitChange != nil {
		c.callbacks.OnPeerLimitChange(c.groupID, incoming.PeerLimit)
	}
}

// handleModList applies a moderator list validated against the
// already-accepted shared-state hash.
func (c *Chat) handleModList(payload []byte) {
	if c.state == nil {
		return
	}

	list, err := parseModList(payload)
	if err != nil {
		c.dropPacket("handleModList", err)
		return
	}

	if err := validateModList(list, c.state.ModListHash); err != nil {
		c.dropPacket("handleModList", err)
		return
	}

	c.mods = list
	c.dirty = true
	c.recomputeRoles()
}

// handleSanctionsList replaces the sanctions list when the incoming
// credentials supersede ours and every entry verifies under a
// currently authoritative key.
func (c *Chat) handleSanctionsList(payload []byte) {
	list, err := parseSanctionsList(payload)
	if err != nil {
		c.dropPacket("handleSanctionsList", err)
		return
	}

	if !list.credentials.supersedes(&c.sanctions.credentials) {
		return
	}

	if err := list.validate(c.isAuthority); err != nil {
		c.dropPacket("handleSanctionsList", err)
		return
	}

	c.sanctions = list
	c.recomputeRoles()
}

// handleTopic applies a topic update under the current topic-lock
// policy. Queued updates are re-validated against the policy in force
// at delivery time, not the one when they were sent.
func (c *Chat) handleTopic(payload []byte) {
	incoming, err := parseTopicInfo(payload)
	if err != nil {
		c.dropPacket("handleTopic", err)
		return
	}

	if !c.topicSetterAllowed(incoming.SetterPK) {
		c.dropPacket("handleTopic", fmt.Errorf("%w: setter not permitted", errBadSignature))
		return
	}
	if err := incoming.verify(); err != nil {
		c.dropPacket("handleTopic", err)
		return
	}
	if !incoming.supersedes(c.topicInfo) {
		return
	}

	c.topicInfo = incoming
	c.dirty = true

	if c.callbacks.OnTopicChange != nil {
		peerID := SelfPeerID
		if peer := c.peers.bySigKey(incoming.SetterPK); peer != nil {
			peerID = peer.ID
		}
		c.callbacks.OnTopicChange(c.groupID, peerID, incoming.Topic)
	}
}

// topicSetterAllowed applies the topic-lock policy to a setter key.
func (c *Chat) topicSetterAllowed(setterPK [32]byte) bool {
	locked := c.state != nil && c.state.TopicLock

	if c.isAuthority(setterPK) {
		return true
	}
	if locked {
		return false
	}

	// Unlocked: any non-observer member may set the topic.
	if setterPK == c.selfSig.Public {
		return c.selfRole().canSetTopic(false)
	}
	peer := c.peers.bySigKey(setterPK)
	return peer != nil && !c.sanctions.sanctioned(peer.EncPK)
}

// handleBroadcast dispatches one broadcast envelope.
func (c *Chat) handleBroadcast(peer *Peer, payload []byte) {
	envelope, err := parseBroadcast(payload)
	if err != nil {
		c.dropPacket("handleBroadcast", err)
		return
	}

	switch envelope.Subtype {
	case broadcastPlainMessage, broadcastActionMessage:
		c.handleChatMessage(peer, envelope)
	case broadcastPrivateMessage:
		c.handlePrivateMessage(peer, envelope.Payload)
	case broadcastNick:
		c.handleNickChange(peer, envelope.Payload)
	case broadcastStatus:
		c.handleStatusChange(peer, envelope.Payload)
	case broadcastPeerExit:
		c.removePeer(peer, ExitQuit, envelope.Payload)
	case broadcastKickPeer:
		c.handleKick(peer, envelope.Payload)
	case broadcastSetMod:
		c.handleSetMod(peer, envelope.Payload)
	case broadcastSetObserver:
		c.handleSetObserver(peer, envelope.Payload)
	default:
		c.dropPacket("handleBroadcast", fmt.Errorf("%w: broadcast subtype %d", errMalformed, envelope.Subtype))
	}
}

// handleChatMessage delivers a group message, enforcing the observer
// write restriction and the local ignore flag.
func (c *Chat) handleChatMessage(peer *Peer, envelope *broadcastEnvelope) {
	if !peer.Role.canSend() {
		c.dropPacket("handleChatMessage", fmt.Errorf("%w: observer sent message", errBadSignature))
		return
	}
	if peer.Ignored || c.callbacks.OnMessage == nil {
		return
	}

	kind := MessageNormal
	if envelope.Subtype == broadcastActionMessage {
		kind = MessageAction
	}
	c.callbacks.OnMessage(c.groupID, peer.ID, kind, envelope.Payload)
}

// handlePrivateMessage delivers a direct message sent only to us.
func (c *Chat) handlePrivateMessage(peer *Peer, payload []byte) {
	if !peer.Role.canSend() {
		return
	}

	kind, message, err := parsePrivateMessage(payload)
	if err != nil {
		c.dropPacket("handlePrivateMessage", err)
		return
	}
	if peer.Ignored || c.callbacks.OnPrivateMessage == nil {
		return
	}
	c.callbacks.OnPrivateMessage(c.groupID, peer.ID, kind, message)
}

// handleNickChange applies a peer's new nickname.
func (c *Chat) handleNickChange(peer *Peer, payload []byte) {
	if len(payload) == 0 || len(payload) > 128 {
		return
	}
	peer.Nick = string(payload)
	if c.callbacks.OnNickChange != nil {
		c.callbacks.OnNickChange(c.groupID, peer.ID, peer.Nick)
	}
}

// handleStatusChange applies a peer's new status.
func (c *Chat) handleStatusChange(peer *Peer, payload []byte) {
	if len(payload) != 1 || !PeerStatus(payload[0]).valid() {
		return
	}
	peer.Status = PeerStatus(payload[0])
	if c.callbacks.OnStatusChange != nil {
		c.callbacks.OnStatusChange(c.groupID, peer.ID, peer.Status)
	}
}

// handleKick removes the kicked peer, or tears us out of the group if
// we are the target.
func (c *Chat) handleKick(sender *Peer, payload []byte) {
	if len(payload) != 32 {
		c.dropPacket("handleKick", errMalformed)
		return
	}
	var target [32]byte
	copy(target[:], payload)

	if target == c.selfEnc.Public {
		if !sender.Role.canKick(c.selfRole()) {
			c.dropPacket("handleKick", ErrPermissionDenied)
			return
		}
		c.disconnectLocked()
		if c.callbacks.OnPeerExit != nil {
			c.callbacks.OnPeerExit(c.groupID, SelfPeerID, ExitKick, nil)
		}
		return
	}

	peer := c.peers.byEncKey(target)
	if peer == nil {
		return
	}
	if !sender.Role.canKick(peer.Role) {
		c.dropPacket("handleKick", ErrPermissionDenied)
		return
	}

	if c.callbacks.OnModerationEvent != nil {
		c.callbacks.OnModerationEvent(c.groupID, sender.ID, peer.ID, ModEventKicked)
	}
	c.removePeer(peer, ExitKick, nil)
}

// handleSetMod reacts to a founder's moderator promotion or demotion
// notification. The authoritative list travels separately (shared
// state first, then mod list); this broadcast only verifies the sender
// and surfaces the event.
func (c *Chat) handleSetMod(sender *Peer, payload []byte) {
	if c.state == nil || sender.SigPK != c.state.Founder.SignatureKey() {
		c.dropPacket("handleSetMod", fmt.Errorf("%w: set-mod not from founder", errBadSignature))
		return
	}

	flag, targetSigPK, err := parseSetMod(payload)
	if err != nil {
		c.dropPacket("handleSetMod", err)
		return
	}

	c.recomputeRoles()

	if c.callbacks.OnModerationEvent == nil {
		return
	}
	targetID := SelfPeerID
	if peer := c.peers.bySigKey(targetSigPK); peer != nil {
		targetID = peer.ID
	} else if targetSigPK != c.selfSig.Public {
		return
	}

	event := ModEventPromotedModerator
	if flag == modFlagDemote {
		event = ModEventDemotedModerator
	}
	c.callbacks.OnModerationEvent(c.groupID, sender.ID, targetID, event)
}

// handleSetObserver applies a sanctions change: verify the sender's
// authority, the entry signature, and the credentials chain, then
// update the list atomically.
func (c *Chat) handleSetObserver(sender *Peer, payload []byte) {
	if sender.Role < RoleModerator {
		c.dropPacket("handleSetObserver", ErrPermissionDenied)
		return
	}

	data, err := parseSetObserver(payload)
	if err != nil {
		c.dropPacket("handleSetObserver", err)
		return
	}

	if !data.Credentials.supersedes(&c.sanctions.credentials) {
		return
	}
	if err := data.Credentials.verify(); err != nil {
		c.dropPacket("handleSetObserver", err)
		return
	}
	if !c.isAuthority(data.Credentials.SigPK) {
		c.dropPacket("handleSetObserver", fmt.Errorf("%w: modifier not authoritative", errBadSignature))
		return
	}

	if data.Flag == observerFlagSet {
		if data.Entry.Sanctioner != sender.SigPK || !c.isAuthority(data.Entry.Sanctioner) {
			c.dropPacket("handleSetObserver", fmt.Errorf("%w: sanctioner not authoritative", errBadSignature))
			return
		}
		if err := data.Entry.verify(); err != nil {
			c.dropPacket("handleSetObserver", err)
			return
		}
		target := c.peers.byEncKey(data.TargetEncPK)
		if target != nil && !sender.Role.outranks(target.Role) {
			c.dropPacket("handleSetObserver", ErrPermissionDenied)
			return
		}
		c.sanctions.entries = append(c.sanctions.entries, data.Entry)
	} else {
		kept := c.sanctions.entries[:0]
		for _, e := range c.sanctions.entries {
			if e.TargetEncPK != data.TargetEncPK {
				kept = append(kept, e)
			}
		}
		c.sanctions.entries = kept
	}

	// The credentials hash covers the sender's whole list; if ours
	// diverged, keep the credentials anyway and let the next ping's
	// version vector trigger a full sanctions sync.
	if c.sanctions.computeHash(data.Credentials.Version) != data.Credentials.Hash {
		c.dropPacket("handleSetObserver", errHashMismatch)
	}
	c.sanctions.credentials = *data.Credentials
	c.recomputeRoles()

	if c.callbacks.OnModerationEvent == nil {
		return
	}
	targetID := SelfPeerID
	if peer := c.peers.byEncKey(data.TargetEncPK); peer != nil {
		targetID = peer.ID
	}
	event := ModEventObserverSet
	if data.Flag == observerFlagUnset {
		event = ModEventObserverUnset
	}
	c.callbacks.OnModerationEvent(c.groupID, sender.ID, targetID, event)
}
