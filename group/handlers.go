package group

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxgroup/limits"
	"github.com/opd-ai/toxgroup/noise"
	"github.com/opd-ai/toxgroup/transport"
)

// dropPacket logs an integrity failure at Warn. Such errors never
// reach callers: the packet is dropped and processing continues.
func (c *Chat) dropPacket(function string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": function,
		"package":  "group",
		"group_id": c.groupID,
		"error":    err.Error(),
	}).Warn("Dropping group packet")
}

// handleHandshake processes one outer-handshake datagram:
// [chat_id_hash:4][sender_enc_pk:32][step:1][noise message].
func (c *Chat) handleHandshake(data []byte, addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	if len(data) < 38 {
		c.dropPacket("handleHandshake", fmt.Errorf("%w: %d bytes", errMalformed, len(data)))
		return
	}
	if binary.BigEndian.Uint32(data) != c.idHash {
		return // not our group
	}

	var senderPK [32]byte
	copy(senderPK[:], data[4:36])
	step := data[36]
	noiseMsg := data[37:]

	switch step {
	case handshakeStepInit:
		c.handleHandshakeInit(senderPK, noiseMsg, addr)
	case handshakeStepResponse:
		c.handleHandshakeResponse(senderPK, noiseMsg)
	default:
		c.dropPacket("handleHandshake", fmt.Errorf("%w: step %d", errMalformed, step))
	}
}

// handleHandshakeInit responds to a handshake initiation: consume the
// initiator's Noise message, learn its session and signature keys, and
// reply with ours.
func (c *Chat) handleHandshakeInit(senderPK [32]byte, noiseMsg []byte, addr net.Addr) {
	link, err := newPeerLink(c.selfEnc.Private, nil, noise.Responder, 0)
	if err != nil {
		c.dropPacket("handleHandshakeInit", err)
		return
	}

	reply, initPayload, _, err := link.handshake.WriteMessage(link.handshakePayload(c.selfSig.Public), noiseMsg)
	if err != nil {
		link.teardown()
		c.dropPacket("handleHandshakeInit", err)
		return
	}

	// The Noise IK exchange authenticated the initiator's permanent
	// key; it must match the one claimed in the plaintext header.
	remotePK, err := link.handshake.RemoteStaticKey()
	if err != nil || remotePK != senderPK {
		link.teardown()
		c.dropPacket("handleHandshakeInit", errBadSignature)
		return
	}

	sessionPK, sigPK, handshakeType, err := parseHandshakePayload(initPayload)
	if err != nil {
		link.teardown()
		c.dropPacket("handleHandshakeInit", err)
		return
	}
	link.handshakeType = handshakeType

	if err := link.deriveSessionKey(sessionPK); err != nil {
		link.teardown()
		c.dropPacket("handleHandshakeInit", err)
		return
	}
	link.state = linkHandshakeAcked

	peer := c.peers.byEncKey(senderPK)
	if peer == nil {
		peer = &Peer{
			EncPK:     senderPK,
			Addr:      addr,
			Role:      RoleUser,
			createdAt: c.timeProvider.Now(),
		}
		c.peers.add(peer)
	} else {
		// A fresh handshake rotates the session; old link state dies.
		if peer.link != nil {
			peer.link.teardown()
		}
		peer.Addr = addr
		peer.createdAt = c.timeProvider.Now()
		peer.exchangedInfo = 0
	}
	peer.link = link
	peer.pendingJoin = handshakeType == handshakeInviteRequest
	c.peers.setSigPK(peer, sigPK)

	if err := c.sendHandshakeFrame(peer, handshakeStepResponse, reply); err != nil {
		c.dropPacket("handleHandshakeInit", err)
	}
}

// handleHandshakeResponse completes an initiated handshake and starts
// the invite or peer-info exchange.
func (c *Chat) handleHandshakeResponse(senderPK [32]byte, noiseMsg []byte) {
	peer := c.peers.byEncKey(senderPK)
	if peer == nil || peer.link == nil || peer.link.state != linkHandshakeSent {
		return
	}
	link := peer.link

	respPayload, _, err := link.handshake.ReadMessage(noiseMsg)
	if err != nil {
		c.dropPacket("handleHandshakeResponse", err)
		return
	}

	sessionPK, sigPK, _, err := parseHandshakePayload(respPayload)
	if err != nil {
		c.dropPacket("handleHandshakeResponse", err)
		return
	}
	c.peers.setSigPK(peer, sigPK)

	if err := link.deriveSessionKey(sessionPK); err != nil {
		c.dropPacket("handleHandshakeResponse", err)
		return
	}
	link.state = linkHandshakeAcked

	// Lossless ack that the handshake response arrived, then start the
	// join or mesh exchange.
	_ = c.sendLosslessTo(peer, packetHandshakeResponseAck, nil)

	if link.handshakeType == handshakeInviteRequest {
		_ = c.sendLosslessTo(peer, packetInviteRequest, c.inviteRequestPayload())
	} else {
		_ = c.sendLosslessTo(peer, packetPeerInfoRequest, nil)
		c.sendOwnPeerInfo(peer)
	}
}

// inviteRequestPayload packs { name_len:2, name, password:32 } with our
// nickname and the join password.
func (c *Chat) inviteRequestPayload() []byte {
	nick := []byte(c.selfNick)
	buf := make([]byte, 2+len(nick)+limits.MaxPasswordLength)
	binary.BigEndian.PutUint16(buf, uint16(len(nick)))
	copy(buf[2:], nick)
	copy(buf[2+len(nick):], c.joinPassword)
	return buf
}

// sendOwnPeerInfo sends our PEER_INFO_RESPONSE on a link and records
// that half of the exchange.
func (c *Chat) sendOwnPeerInfo(peer *Peer) {
	password := c.joinPassword
	if c.state != nil {
		password = c.state.Password
	}

	nick := []byte(c.selfNick)
	if len(nick) > limits.MaxNickLength {
		nick = nick[:limits.MaxNickLength]
	}

	buf := make([]byte, limits.MaxPasswordLength+2+limits.MaxNickLength+1+1)
	copy(buf, password)
	pos := limits.MaxPasswordLength
	binary.BigEndian.PutUint16(buf[pos:], uint16(len(nick)))
	pos += 2
	copy(buf[pos:], nick)
	pos += limits.MaxNickLength
	buf[pos] = byte(c.selfStatus)
	buf[pos+1] = byte(c.selfRole())

	if err := c.sendLosslessTo(peer, packetPeerInfoResponse, buf); err == nil {
		peer.exchangedInfo |= peerInfoSent
		c.maybeConfirm(peer)
	}
}

// maybeConfirm promotes a link once both peer-info halves completed.
func (c *Chat) maybeConfirm(peer *Peer) {
	if peer.link == nil || peer.link.state == linkConfirmed {
		return
	}
	if peer.exchangedInfo&peerInfoSent != 0 && peer.exchangedInfo&peerInfoReceived != 0 {
		c.confirmPeer(peer)
	} else if peer.exchangedInfo != 0 {
		peer.link.state = linkPeerInfoExchanged
	}
}

// handleLossless processes one outer-lossless datagram.
func (c *Chat) handleLossless(data []byte, addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}

	opened, err := openPacket(transport.PacketGroupLossless, c.idHash, data, c.sessionKeyFor)
	if err != nil {
		c.noteOpenFailure("handleLossless", err, data)
		return
	}

	peer := c.peers.byEncKey(opened.senderPK)
	if peer == nil || peer.link == nil {
		return
	}
	peer.Addr = addr

	deliverable, ack := peer.link.channel.receive(opened, c.timeProvider.Now())
	if ack.send {
		_ = c.sendLossyTo(peer, packetMessageAck, marshalAck(ack.id, ack.ackType))
	}

	for _, pkt := range deliverable {
		c.processLossless(peer, pkt)
		// Processing may have removed the peer; stop delivering if so.
		if c.peers.get(peer.ID) == nil {
			break
		}
	}
}

// handleLossy processes one outer-lossy datagram.
func (c *Chat) handleLossy(data []byte, addr net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}

	opened, err := openPacket(transport.PacketGroupLossy, c.idHash, data, c.sessionKeyFor)
	if err != nil {
		c.noteOpenFailure("handleLossy", err, data)
		return
	}

	peer := c.peers.byEncKey(opened.senderPK)
	if peer == nil || peer.link == nil {
		return
	}
	peer.Addr = addr

	switch opened.inner {
	case packetPing:
		c.handlePing(peer, opened.payload)
	case packetMessageAck:
		c.handleMessageAck(peer, opened.payload)
	case packetInviteResponseReject:
		c.handleInviteReject(peer, opened.payload)
	case packetCustom:
		if !peer.Ignored && c.callbacks.OnCustomPacket != nil {
			c.callbacks.OnCustomPacket(c.groupID, peer.ID, opened.payload)
		}
	default:
		c.dropPacket("handleLossy", fmt.Errorf("%w: lossy type 0x%02x", errMalformed, byte(opened.inner)))
	}
}

// sessionKeyFor resolves the AEAD key for a claimed sender.
func (c *Chat) sessionKeyFor(senderPK [32]byte) ([32]byte, bool) {
	peer := c.peers.byEncKey(senderPK)
	if peer == nil || peer.link == nil || !peer.link.keyDerived {
		return [32]byte{}, false
	}
	return peer.link.sessionKey, true
}

// noteOpenFailure drops an unopenable packet and applies the
// repeated-decrypt-failure teardown policy.
func (c *Chat) noteOpenFailure(function string, err error, data []byte) {
	c.dropPacket(function, err)

	if len(data) < codecNonceOffset {
		return
	}
	var senderPK [32]byte
	copy(senderPK[:], data[codecSenderOffset:codecNonceOffset])

	peer := c.peers.byEncKey(senderPK)
	if peer == nil || peer.link == nil {
		return
	}
	if peer.link.countDecryptFailure() {
		c.removePeer(peer, ExitSyncError, nil)
	}
}

// processLossless dispatches one in-order lossless packet.
func (c *Chat) processLossless(peer *Peer, pkt *openedPacket) {
	switch pkt.inner {
	case packetHandshakeResponseAck:
		// The initiator confirmed our handshake response; the invite
		// or peer-info exchange follows on the same channel.
	case packetInviteRequest:
		c.handleInviteRequest(peer, pkt.payload)
	case packetInviteResponse:
		c.handleInviteResponse(peer)
	case packetPeerInfoRequest:
		c.sendOwnPeerInfo(peer)
	case packetPeerInfoResponse:
		c.handlePeerInfoResponse(peer, pkt.payload)
	case packetBroadcast:
		c.handleBroadcast(peer, pkt.payload)
	case packetSharedState:
		c.handleSharedState(pkt.payload)
	case packetModList:
		c.handleModList(pkt.payload)
	case packetSanctionsList:
		c.handleSanctionsList(pkt.payload)
	case packetTopic:
		c.handleTopic(pkt.payload)
	case packetSyncRequest:
		c.handleSyncRequest(peer, pkt.payload)
	case packetSyncResponse:
		c.handleSyncResponse(pkt.payload)
	case packetCustom:
		if !peer.Ignored && c.callbacks.OnCustomPacket != nil {
			c.callbacks.OnCustomPacket(c.groupID, peer.ID, pkt.payload)
		}
	case packetTCPRelays:
		if relays, err := parseRelayList(pkt.payload); err == nil {
			c.storePeerRelays(peer, relays)
		}
	case packetFriendInvite:
		c.handleFriendInvite(peer, pkt.payload)
	default:
		c.dropPacket("processLossless", fmt.Errorf("%w: lossless type 0x%02x", errMalformed, byte(pkt.inner)))
	}
}

// handleInviteRequest validates a join attempt against password, nick
// uniqueness, peer limit, and the sanctions list.
func (c *Chat) handleInviteRequest(peer *Peer, payload []byte) {
	if c.state == nil {
		c.rejectInvite(peer, rejectInviteFailed)
		return
	}
	if len(payload) < 2+limits.MaxPasswordLength {
		c.rejectInvite(peer, rejectInviteFailed)
		return
	}

	nickLen := int(binary.BigEndian.Uint16(payload))
	if nickLen == 0 || nickLen > limits.MaxNickLength || len(payload) != 2+nickLen+limits.MaxPasswordLength {
		c.rejectInvite(peer, rejectInviteFailed)
		return
	}
	nick := string(payload[2 : 2+nickLen])
	password := payload[2+nickLen:]

	if passwordField(c.state.Password) != passwordField(password) {
		c.rejectInvite(peer, rejectInvalidPassword)
		return
	}
	if c.peers.nickTaken(nick) || nick == c.selfNick {
		c.rejectInvite(peer, rejectNickTaken)
		return
	}
	if uint32(c.peers.confirmedCount()+1) >= c.state.PeerLimit {
		c.rejectInvite(peer, rejectGroupFull)
		return
	}
	if c.sanctions.sanctioned(peer.EncPK) {
		c.rejectInvite(peer, rejectInviteFailed)
		return
	}

	peer.Nick = nick
	_ = c.sendLosslessTo(peer, packetInviteResponse, nil)
	_ = c.sendLosslessTo(peer, packetPeerInfoRequest, nil)
	c.sendOwnPeerInfo(peer)
}

// rejectInvite sends a lossy rejection and drops the link.
func (c *Chat) rejectInvite(peer *Peer, reason rejectReason) {
	_ = c.sendLossyTo(peer, packetInviteResponseReject, []byte{byte(reason)})
	c.removePeer(peer, ExitDisconnected, nil)
}

// handleInviteResponse continues the join on the accepted side.
func (c *Chat) handleInviteResponse(peer *Peer) {
	_ = c.sendLosslessTo(peer, packetPeerInfoRequest, nil)
	c.sendOwnPeerInfo(peer)
}

// handleInviteReject surfaces an asynchronous join failure.
func (c *Chat) handleInviteReject(peer *Peer, payload []byte) {
	if len(payload) != 1 {
		return
	}
	reason := rejectReason(payload[0])

	c.removePeer(peer, ExitDisconnected, nil)

	if c.joining && c.callbacks.OnJoinFail != nil {
		c.callbacks.OnJoinFail(c.groupID, reason.joinFailReason())
	}
}

// handlePeerInfoResponse records the peer's presented identity:
// { password:32, name_len:2, name:128, status:1, role:1 }.
func (c *Chat) handlePeerInfoResponse(peer *Peer, payload []byte) {
	expected := limits.MaxPasswordLength + 2 + limits.MaxNickLength + 1 + 1
	if len(payload) != expected {
		c.dropPacket("handlePeerInfoResponse", fmt.Errorf("%w: peer info %d bytes", errMalformed, len(payload)))
		return
	}

	pos := limits.MaxPasswordLength
	nickLen := int(binary.BigEndian.Uint16(payload[pos:]))
	pos += 2
	if nickLen > limits.MaxNickLength {
		c.dropPacket("handlePeerInfoResponse", fmt.Errorf("%w: nick length %d", errMalformed, nickLen))
		return
	}
	nick := string(payload[pos : pos+nickLen])
	pos += limits.MaxNickLength
	status := PeerStatus(payload[pos])
	if !status.valid() {
		status = StatusActive
	}

	peer.Nick = nick
	peer.Status = status
	peer.exchangedInfo |= peerInfoReceived
	c.maybeConfirm(peer)
}

// handlePing updates liveness and triggers sync when the peer's
// version vector says we are behind.
func (c *Chat) handlePing(peer *Peer, payload []byte) {
	if !peer.Confirmed() {
		return
	}

	ping, err := parsePing(payload)
	if err != nil {
		c.dropPacket("handlePing", err)
		return
	}

	peer.LastPing = c.timeProvider.Now()

	ours := c.buildPing()
	var flags uint16

	if ping.StateVersion > ours.StateVersion || ping.SanctionsVersion > ours.SanctionsVersion {
		flags |= syncFlagState
	}
	if ping.TopicVersion > ours.TopicVersion {
		flags |= syncFlagTopic
	}
	if ping.PeerListChecksum != ours.PeerListChecksum && ping.PeerCount >= ours.PeerCount {
		flags |= syncFlagPeerList
	}

	if flags == 0 {
		return
	}

	password := c.joinPassword
	if c.state != nil {
		password = c.state.Password
	}
	req := syncRequestData{Flags: flags, Password: password}
	_ = c.sendLosslessTo(peer, packetSyncRequest, req.marshal())
}

// handleMessageAck applies an ack to the link's send window.
func (c *Chat) handleMessageAck(peer *Peer, payload []byte) {
	id, ackType, err := parseAck(payload)
	if err != nil {
		c.dropPacket("handleMessageAck", err)
		return
	}

	switch ackType {
	case ackRecv:
		peer.link.channel.ackReceived(id)
	case ackReq:
		if frame := peer.link.channel.retransmitRequested(id, c.timeProvider.Now()); frame != nil {
			_ = c.tp.Send(frame, peer.Addr)
		}
	}
}

// handleSyncRequest serves the artifacts the peer asked for, in the
// order receivers validate them.
func (c *Chat) handleSyncRequest(peer *Peer, payload []byte) {
	if !peer.Confirmed() {
		return
	}

	req, err := parseSyncRequest(payload)
	if err != nil {
		c.dropPacket("handleSyncRequest", err)
		return
	}

	if c.state != nil && passwordField(c.state.Password) != passwordField(req.Password) {
		c.dropPacket("handleSyncRequest", errBadSignature)
		return
	}

	if req.Flags&syncFlagState != 0 && c.state != nil {
		_ = c.sendLosslessTo(peer, packetSharedState, c.state.marshal())
		_ = c.sendLosslessTo(peer, packetModList, c.mods.marshal())
		_ = c.sendLosslessTo(peer, packetSanctionsList, c.sanctions.marshal())
	}
	if req.Flags&syncFlagTopic != 0 && c.topicInfo != nil {
		_ = c.sendLosslessTo(peer, packetTopic, c.topicInfo.marshal())
	}
	if req.Flags&syncFlagPeerList != 0 {
		c.sendPeerAnnouncesTo(peer)
	}
}

// handleSyncResponse meshes with a newly learned peer.
func (c *Chat) handleSyncResponse(payload []byte) {
	announce, err := parseAnnounce(payload)
	if err != nil {
		c.dropPacket("handleSyncResponse", err)
		return
	}

	if announce.EncPK == c.selfEnc.Public {
		return
	}
	if existing := c.peers.byEncKey(announce.EncPK); existing != nil {
		return
	}
	if announce.Addr == nil {
		return // relay-only announces need the relay layer
	}

	if err := c.initiateHandshake(announce.EncPK, announce.Addr, handshakePeerExchange); err != nil {
		c.dropPacket("handleSyncResponse", err)
	}
}

// storePeerRelays keeps the latest relay list a peer advertised.
func (c *Chat) storePeerRelays(peer *Peer, relays []TCPRelay) {
	// Relay connectivity is owned by the transport layer; the engine
	// only remembers the announcement for future announces.
	_ = peer
	_ = relays
}

// handleFriendInvite processes the in-band invite flow riding a
// confirmed link.
func (c *Chat) handleFriendInvite(peer *Peer, payload []byte) {
	if len(payload) < 1 {
		return
	}
	switch payload[0] {
	case friendInviteOffer:
		_ = c.sendLosslessTo(peer, packetFriendInvite, []byte{friendInviteAccepted})
	case friendInviteAccepted:
		_ = c.sendLosslessTo(peer, packetFriendInvite, []byte{friendInviteConfirmation})
	case friendInviteConfirmation:
		// Invite settled; nothing further to do on this link.
	}
}
