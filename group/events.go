package group

// MessageType distinguishes ordinary messages from /me-style actions.
type MessageType uint8

const (
	// MessageNormal is an ordinary chat message.
	MessageNormal MessageType = iota
	// MessageAction is an action ("/me") message.
	MessageAction
)

// valid reports whether the byte decodes to a defined message type.
func (m MessageType) valid() bool {
	return m <= MessageAction
}

// ModerationEvent describes a role transition observed by the
// application.
type ModerationEvent uint8

const (
	// ModEventPromotedModerator means a peer became moderator.
	ModEventPromotedModerator ModerationEvent = iota
	// ModEventDemotedModerator means a peer lost moderator.
	ModEventDemotedModerator
	// ModEventObserverSet means a peer was sanctioned to observer.
	ModEventObserverSet
	// ModEventObserverUnset means a peer's sanction was lifted.
	ModEventObserverUnset
	// ModEventKicked means a peer was removed from the group.
	ModEventKicked
)

// Callbacks is the upcall surface the surrounding application plugs
// into the engine. Every field is optional; nil callbacks are skipped.
// Upcalls run while the engine holds the group's lock, on whichever
// goroutine delivered the packet or called Iterate, and must not call
// back into the engine.
type Callbacks struct {
	OnMessage          func(groupID, peerID uint32, kind MessageType, message []byte)
	OnPrivateMessage   func(groupID, peerID uint32, kind MessageType, message []byte)
	OnCustomPacket     func(groupID, peerID uint32, data []byte)
	OnPeerJoin         func(groupID, peerID uint32)
	OnPeerExit         func(groupID, peerID uint32, reason ExitReason, partMessage []byte)
	OnModerationEvent  func(groupID, sourcePeerID, targetPeerID uint32, event ModerationEvent)
	OnNickChange       func(groupID, peerID uint32, nick string)
	OnStatusChange     func(groupID, peerID uint32, status PeerStatus)
	OnTopicChange      func(groupID, peerID uint32, topic []byte)
	OnPasswordChange   func(groupID uint32, password []byte)
	OnPrivacyChange    func(groupID uint32, privacy Privacy)
	OnPeerLimitChange  func(groupID uint32, limit uint32)
	OnSelfJoin         func(groupID uint32)
	OnJoinFail         func(groupID uint32, reason JoinFailReason)
}
