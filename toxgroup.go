package toxgroup

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/group"
	"github.com/opd-ai/toxgroup/transport"
)

// Node is the top-level handle integrating the transport layer and the
// group manager. It is safe for concurrent use; the iteration loop may
// run in a dedicated goroutine.
type Node struct {
	mu      sync.Mutex
	tp      transport.Transport
	groups  *group.Manager
	running bool

	callbacks group.Callbacks
}

// New creates a Node from options, starting the UDP transport and
// restoring any saved groups.
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}
	if !options.UDPEnabled {
		return nil, errors.New("no transport enabled; use NewWithTransport")
	}

	tp, err := transport.NewUDPTransport(options.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport start failed: %w", err)
	}

	node, err := NewWithTransport(tp, options)
	if err != nil {
		tp.Close()
		return nil, err
	}
	return node, nil
}

// NewWithTransport creates a Node on a caller-provided transport, the
// hook for relayed or test transports.
func NewWithTransport(tp transport.Transport, options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}

	node := &Node{
		tp:      tp,
		groups:  group.NewManager(tp),
		running: true,
	}
	if options.TimeProvider != nil {
		node.groups.SetTimeProvider(options.TimeProvider)
	}

	if len(options.Savedata) > 0 {
		if err := node.loadSavedata(options.Savedata); err != nil {
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewWithTransport",
		"package":  "toxgroup",
		"address":  tp.LocalAddr().String(),
	}).Info("Node created")

	return node, nil
}

// Iterate drives all group engines once. Call roughly every
// IterationInterval.
func (n *Node) Iterate() {
	n.groups.Iterate()
}

// IterationInterval returns the recommended pause between Iterate
// calls.
func (n *Node) IterationInterval() time.Duration {
	return group.IterationInterval
}

// IsRunning reports whether the node is alive.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Kill shuts the node down and closes its transport.
func (n *Node) Kill() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return
	}
	n.running = false
	n.tp.Close()
}

// installCallbacks pushes the accumulated callback set down to the
// manager.
func (n *Node) installCallbacks() {
	n.groups.SetCallbacks(n.callbacks)
}

// OnGroupMessage registers the group message upcall.
func (n *Node) OnGroupMessage(fn func(groupID, peerID uint32, kind group.MessageType, message []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnMessage = fn
	n.installCallbacks()
}

// OnGroupPrivateMessage registers the private message upcall.
func (n *Node) OnGroupPrivateMessage(fn func(groupID, peerID uint32, kind group.MessageType, message []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnPrivateMessage = fn
	n.installCallbacks()
}

// OnGroupCustomPacket registers the custom packet upcall.
func (n *Node) OnGroupCustomPacket(fn func(groupID, peerID uint32, data []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnCustomPacket = fn
	n.installCallbacks()
}

// OnGroupPeerJoin registers the peer join upcall.
func (n *Node) OnGroupPeerJoin(fn func(groupID, peerID uint32)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnPeerJoin = fn
	n.installCallbacks()
}

// OnGroupPeerExit registers the peer exit upcall.
func (n *Node) OnGroupPeerExit(fn func(groupID, peerID uint32, reason group.ExitReason, partMessage []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnPeerExit = fn
	n.installCallbacks()
}

// OnGroupModerationEvent registers the moderation upcall.
func (n *Node) OnGroupModerationEvent(fn func(groupID, sourcePeerID, targetPeerID uint32, event group.ModerationEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnModerationEvent = fn
	n.installCallbacks()
}

// OnGroupTopicChange registers the topic change upcall.
func (n *Node) OnGroupTopicChange(fn func(groupID, peerID uint32, topic []byte)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnTopicChange = fn
	n.installCallbacks()
}

// OnGroupSelfJoin registers the self join upcall.
func (n *Node) OnGroupSelfJoin(fn func(groupID uint32)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnSelfJoin = fn
	n.installCallbacks()
}

// OnGroupJoinFail registers the join failure upcall.
func (n *Node) OnGroupJoinFail(fn func(groupID uint32, reason group.JoinFailReason)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.callbacks.OnJoinFail = fn
	n.installCallbacks()
}

// GroupNew creates a new group and returns its group number.
func (n *Node) GroupNew(privacy group.Privacy, name, nick string) (uint32, error) {
	return n.groups.CreateGroup(privacy, []byte(name), []byte(nick))
}

// GroupJoin joins a group by Chat ID using bootstrap peer addresses
// resolved by the lookup layer.
func (n *Node) GroupJoin(chatID crypto.ChatID, password, nick string, bootstrap []group.PeerAddress) (uint32, error) {
	return n.groups.JoinByChatID(chatID, []byte(password), []byte(nick), bootstrap)
}

// GroupInviteAccept consumes an invite cookie received from a friend.
// friendID identifies the inviting friend to the surrounding
// application and is recorded only for logging.
func (n *Node) GroupInviteAccept(friendID uint32, cookie []byte, nick, password string) (uint32, error) {
	logrus.WithFields(logrus.Fields{
		"function":  "GroupInviteAccept",
		"package":   "toxgroup",
		"friend_id": friendID,
	}).Debug("Accepting group invite")

	return n.groups.AcceptInvite(cookie, []byte(nick), []byte(password))
}

// GroupInviteFriend produces an invite cookie for out-of-band delivery.
func (n *Node) GroupInviteFriend(groupID uint32) ([]byte, error) {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return nil, err
	}
	return chat.InviteFriend()
}

// GroupSendMessage broadcasts a message to a group.
func (n *Node) GroupSendMessage(groupID uint32, kind group.MessageType, message string) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SendMessage(kind, []byte(message))
}

// GroupSendPrivateMessage sends a message to a single group peer.
func (n *Node) GroupSendPrivateMessage(groupID, peerID uint32, kind group.MessageType, message string) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SendPrivate(peerID, kind, []byte(message))
}

// GroupSendCustomPacket broadcasts opaque application bytes.
func (n *Node) GroupSendCustomPacket(groupID uint32, reliable bool, data []byte) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SendCustom(reliable, data)
}

// GroupSetRole changes a peer's role.
func (n *Node) GroupSetRole(groupID, peerID uint32, role group.Role) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SetRole(peerID, role)
}

// GroupKickPeer removes a peer from a group.
func (n *Node) GroupKickPeer(groupID, peerID uint32) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.Kick(peerID)
}

// GroupToggleIgnore suppresses or restores a peer's messages locally.
func (n *Node) GroupToggleIgnore(groupID, peerID uint32, ignore bool) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.ToggleIgnore(peerID, ignore)
}

// GroupSetTopic sets the group topic.
func (n *Node) GroupSetTopic(groupID uint32, topic string) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SetTopic([]byte(topic))
}

// GroupSetPassword changes the group password. Founder only.
func (n *Node) GroupSetPassword(groupID uint32, password string) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SetPassword([]byte(password))
}

// GroupSetPrivacy changes the group privacy state. Founder only.
func (n *Node) GroupSetPrivacy(groupID uint32, privacy group.Privacy) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SetPrivacy(privacy)
}

// GroupSetPeerLimit changes the group peer cap. Founder only.
func (n *Node) GroupSetPeerLimit(groupID, limit uint32) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SetPeerLimit(limit)
}

// GroupSetTopicLock toggles the topic lock. Founder only.
func (n *Node) GroupSetTopicLock(groupID uint32, locked bool) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SetTopicLock(locked)
}

// GroupSelfSetNick changes our nickname in a group.
func (n *Node) GroupSelfSetNick(groupID uint32, nick string) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SetNick([]byte(nick))
}

// GroupSelfSetStatus changes our availability in a group.
func (n *Node) GroupSelfSetStatus(groupID uint32, status group.PeerStatus) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.SetStatus(status)
}

// GroupReconnect rebuilds a disconnected group's mesh.
func (n *Node) GroupReconnect(groupID uint32) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.Reconnect()
}

// GroupDisconnect tears down a group's links while keeping its state.
func (n *Node) GroupDisconnect(groupID uint32) error {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return err
	}
	return chat.Disconnect()
}

// GroupLeave leaves a group permanently, with an optional parting
// message.
func (n *Node) GroupLeave(groupID uint32, partMessage string) error {
	return n.groups.Leave(groupID, []byte(partMessage))
}

// GroupChatID returns a group's permanent identifier.
func (n *Node) GroupChatID(groupID uint32) (crypto.ChatID, error) {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return crypto.ChatID{}, err
	}
	return chat.ChatID(), nil
}

// GroupPeerList returns snapshots of a group's confirmed peers.
func (n *Node) GroupPeerList(groupID uint32) ([]*group.Peer, error) {
	chat, err := n.groups.Get(groupID)
	if err != nil {
		return nil, err
	}
	return chat.PeerList(), nil
}

// GroupList returns the ids of all groups.
func (n *Node) GroupList() []uint32 {
	return n.groups.GroupIDs()
}

// GetSavedata packs every group for restart:
// { count:2, (len:4, record)... }.
func (n *Node) GetSavedata() []byte {
	ids := n.groups.GroupIDs()

	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(ids)))
	for _, id := range ids {
		chat, err := n.groups.Get(id)
		if err != nil {
			continue
		}
		record := chat.Savedata()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(record)))
		buf = append(buf, record...)
	}
	return buf
}

// loadSavedata restores groups packed by GetSavedata.
func (n *Node) loadSavedata(data []byte) error {
	if len(data) < 2 {
		return errors.New("truncated savedata")
	}
	count := int(binary.BigEndian.Uint16(data))
	pos := 2

	for i := 0; i < count; i++ {
		if len(data) < pos+4 {
			return errors.New("truncated savedata record header")
		}
		recordLen := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if len(data) < pos+recordLen {
			return errors.New("truncated savedata record")
		}
		if _, err := n.groups.LoadGroup(data[pos : pos+recordLen]); err != nil {
			return fmt.Errorf("restoring group %d: %w", i, err)
		}
		pos += recordLen
	}
	return nil
}
