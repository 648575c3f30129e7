package group

// packetType is the inner group packet type, the first non-padding
// byte of every decrypted packet. All values are non-zero so the
// decoder can skip padding unambiguously.
type packetType byte

// Lossy packet types.
const (
	packetPing                 packetType = 0x01
	packetMessageAck           packetType = 0x02
	packetInviteResponseReject packetType = 0x03
)

// Lossless packet types.
const (
	packetTCPRelays            packetType = 0xf1
	packetCustom               packetType = 0xf2
	packetBroadcast            packetType = 0xf3
	packetPeerInfoRequest      packetType = 0xf4
	packetPeerInfoResponse     packetType = 0xf5
	packetInviteRequest        packetType = 0xf6
	packetInviteResponse       packetType = 0xf7
	packetSyncRequest          packetType = 0xf8
	packetSyncResponse         packetType = 0xf9
	packetTopic                packetType = 0xfa
	packetSharedState          packetType = 0xfb
	packetModList              packetType = 0xfc
	packetSanctionsList        packetType = 0xfd
	packetFriendInvite         packetType = 0xfe
	packetHandshakeResponseAck packetType = 0xff
)

// isLossless reports whether the inner type rides the reliable channel.
func (t packetType) isLossless() bool {
	return t >= packetTCPRelays
}

// broadcastType is the subtype of a packetBroadcast payload.
type broadcastType byte

const (
	broadcastStatus broadcastType = iota
	broadcastNick
	broadcastPlainMessage
	broadcastActionMessage
	broadcastPrivateMessage
	broadcastPeerExit
	broadcastKickPeer
	broadcastSetMod
	broadcastSetObserver
)

// Message-ack subtypes (packetMessageAck payload byte 8).
const (
	ackRecv byte = 0 // the identified packet was received
	ackReq  byte = 1 // the identified packet is missing, resend it
)

// Invite rejection reasons (packetInviteResponseReject payload).
type rejectReason byte

const (
	rejectNickTaken rejectReason = iota
	rejectGroupFull
	rejectInvalidPassword
	rejectInviteFailed
)

// joinFailReason maps a wire rejection to the upcall enumeration.
func (r rejectReason) joinFailReason() JoinFailReason {
	switch r {
	case rejectNickTaken:
		return JoinFailNameTaken
	case rejectGroupFull:
		return JoinFailPeerLimit
	case rejectInvalidPassword:
		return JoinFailInvalidPassword
	default:
		return JoinFailUnknown
	}
}

// Sync request flag bits.
const (
	syncFlagPeerList uint16 = 1 << 0
	syncFlagTopic    uint16 = 1 << 2
	syncFlagState    uint16 = 1 << 4
)

// Handshake request discriminators carried in the Noise payload.
const (
	handshakeInviteRequest byte = 0 // joining the group through this peer
	handshakePeerExchange  byte = 1 // building a mesh link between members
)

// Friend-invite subtypes (packetFriendInvite payload byte 0).
const (
	friendInviteOffer        byte = 0
	friendInviteAccepted     byte = 1
	friendInviteConfirmation byte = 2
)

// SetMod flag values inside broadcastSetMod payloads.
const (
	modFlagPromote byte = 0
	modFlagDemote  byte = 1
)

// SetObserver flag values inside broadcastSetObserver payloads.
const (
	observerFlagSet   byte = 1
	observerFlagUnset byte = 0
)
