package toxgroup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxgroup/group"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	options := NewOptions()
	options.ListenAddr = "127.0.0.1:0"
	node, err := New(options)
	require.NoError(t, err)
	t.Cleanup(node.Kill)
	return node
}

func TestNewNodeLifecycle(t *testing.T) {
	node := newTestNode(t)

	assert.True(t, node.IsRunning())
	assert.Equal(t, 40*time.Millisecond, node.IterationInterval())
	node.Iterate()

	node.Kill()
	assert.False(t, node.IsRunning())
	node.Kill() // idempotent
}

func TestGroupNewAndAccessors(t *testing.T) {
	node := newTestNode(t)

	groupID, err := node.GroupNew(group.PrivacyPrivate, "Utah Data Center", "Winslow")
	require.NoError(t, err)

	chatID, err := node.GroupChatID(groupID)
	require.NoError(t, err)
	assert.Len(t, chatID.String(), 64)

	peers, err := node.GroupPeerList(groupID)
	require.NoError(t, err)
	assert.Empty(t, peers, "a fresh group has no confirmed peers")

	assert.Equal(t, []uint32{groupID}, node.GroupList())

	cookie, err := node.GroupInviteFriend(groupID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(cookie), 64)
}

func TestGroupOperationsRequireExistingGroup(t *testing.T) {
	node := newTestNode(t)

	assert.ErrorIs(t, node.GroupSendMessage(99, group.MessageNormal, "x"), group.ErrGroupNotFound)
	assert.ErrorIs(t, node.GroupSetTopic(99, "t"), group.ErrGroupNotFound)
	assert.ErrorIs(t, node.GroupKickPeer(99, 0), group.ErrGroupNotFound)
	assert.ErrorIs(t, node.GroupReconnect(99), group.ErrGroupNotFound)
	assert.ErrorIs(t, node.GroupLeave(99, ""), group.ErrGroupNotFound)
	_, err := node.GroupInviteAccept(0, []byte("short"), "nick", "")
	assert.ErrorIs(t, err, group.ErrBadInvite)
}

func TestFounderOperations(t *testing.T) {
	node := newTestNode(t)

	groupID, err := node.GroupNew(group.PrivacyPublic, "ops", "founder")
	require.NoError(t, err)

	require.NoError(t, node.GroupSetPassword(groupID, "hunter2"))
	require.NoError(t, node.GroupSetPrivacy(groupID, group.PrivacyPrivate))
	require.NoError(t, node.GroupSetPeerLimit(groupID, 12))
	require.NoError(t, node.GroupSetTopicLock(groupID, true))
	require.NoError(t, node.GroupSetTopic(groupID, "founder sets topics"))
	require.NoError(t, node.GroupSelfSetNick(groupID, "renamed"))
	require.NoError(t, node.GroupSelfSetStatus(groupID, group.StatusAway))
}

func TestSavedataRoundTripAcrossNodes(t *testing.T) {
	node := newTestNode(t)

	groupID, err := node.GroupNew(group.PrivacyPrivate, "persisted", "keeper")
	require.NoError(t, err)
	require.NoError(t, node.GroupSetTopic(groupID, "carried over"))

	chatIDBefore, err := node.GroupChatID(groupID)
	require.NoError(t, err)

	data := node.GetSavedata()
	node.Kill()

	options := NewOptions()
	options.ListenAddr = "127.0.0.1:0"
	options.Savedata = data
	restored, err := New(options)
	require.NoError(t, err)
	defer restored.Kill()

	ids := restored.GroupList()
	require.Len(t, ids, 1)

	chatIDAfter, err := restored.GroupChatID(ids[0])
	require.NoError(t, err)
	assert.Equal(t, chatIDBefore, chatIDAfter, "group identity survives restart")

	// The restored founder still holds the group keys.
	require.NoError(t, restored.GroupSetPeerLimit(ids[0], 7))
}

func TestLoadSavedataRejectsGarbage(t *testing.T) {
	options := NewOptions()
	options.ListenAddr = "127.0.0.1:0"
	options.Savedata = []byte{0, 5, 1}
	_, err := New(options)
	assert.Error(t, err)
}
