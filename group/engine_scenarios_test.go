package group

import (
	"fmt"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Invite, message, ignore, private and custom traffic over one pair of
// peers, end to end through the in-memory bus.
func TestScenarioInviteMessageIgnorePrivateCustom(t *testing.T) {
	type received struct {
		kind MessageType
		text string
	}

	var atA, atB []received
	var customAtB []string

	bus := newMemBus()
	mgrA := NewManager(bus.endpoint(1))
	mgrA.SetCallbacks(Callbacks{
		OnMessage: func(groupID, peerID uint32, kind MessageType, message []byte) {
			atA = append(atA, received{kind, string(message)})
		},
	})
	mgrB := NewManager(bus.endpoint(2))
	mgrB.SetCallbacks(Callbacks{
		OnMessage: func(groupID, peerID uint32, kind MessageType, message []byte) {
			atB = append(atB, received{kind, string(message)})
		},
		OnPrivateMessage: func(groupID, peerID uint32, kind MessageType, message []byte) {
			atB = append(atB, received{kind, "private:" + string(message)})
		},
		OnCustomPacket: func(groupID, peerID uint32, data []byte) {
			customAtB = append(customAtB, string(data))
		},
	})

	gidA, err := mgrA.CreateGroup(PrivacyPrivate, []byte("Utah Data Center"), []byte("Winslow"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)

	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)
	gidB, err := mgrB.AcceptInvite(cookie, []byte("Thomas"), nil)
	require.NoError(t, err)
	chatB, _ := mgrB.Get(gidB)

	bus.flush()
	require.Equal(t, 1, chatA.PeerCount(), "A must see B confirmed")
	require.Equal(t, 1, chatB.PeerCount(), "B must see A confirmed")

	idBatA := peerIDOf(t, chatA)

	// B sends a normal message; A receives it.
	require.NoError(t, chatB.SendMessage(MessageNormal, []byte("Where is it I've read...")))
	bus.flush()
	require.Len(t, atA, 1)
	assert.Equal(t, received{MessageNormal, "Where is it I've read..."}, atA[0])

	// A ignores B; B's next message must not reach A's upcall.
	require.NoError(t, chatA.ToggleIgnore(idBatA, true))
	require.NoError(t, chatB.SendMessage(MessageNormal, []byte("Am I bothering you?")))
	bus.flush()
	assert.Len(t, atA, 1, "ignored peer's message upcall must not fire")

	require.NoError(t, chatA.ToggleIgnore(idBatA, false))

	// A sends a private action to B.
	require.NoError(t, chatA.SendPrivate(idBatA, MessageAction, []byte("Don't spill yer beans")))
	bus.flush()
	require.Len(t, atB, 1)
	assert.Equal(t, received{MessageAction, "private:Don't spill yer beans"}, atB[0])

	// A sends a reliable and a lossy custom packet; B receives both.
	require.NoError(t, chatA.SendCustom(true, []byte("Why'd ya spill yer beans?")))
	require.NoError(t, chatA.SendCustom(false, []byte("Why'd ya spill yer beans?")))
	bus.flush()
	assert.Len(t, customAtB, 2)

	// Teardown.
	assert.NoError(t, mgrB.Leave(gidB, []byte("bye")))
	bus.flush()
	assert.NoError(t, mgrA.Leave(gidA, nil))
}

// Lossless ordering under load: 1001 messages delivered in exactly the
// order they were sent.
func TestScenarioLosslessOrderingUnderLoad(t *testing.T) {
	var got []int

	bus := newMemBus()
	mgrA := NewManager(bus.endpoint(1))
	mgrB := NewManager(bus.endpoint(2))
	mgrB.SetCallbacks(Callbacks{
		OnMessage: func(groupID, peerID uint32, kind MessageType, message []byte) {
			n, err := strconv.Atoi(string(message))
			require.NoError(t, err)
			got = append(got, n)
		},
	})

	gidA, err := mgrA.CreateGroup(PrivacyPublic, []byte("load"), []byte("A"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)
	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)
	_, err = mgrB.AcceptInvite(cookie, []byte("B"), nil)
	require.NoError(t, err)
	bus.flush()
	require.Equal(t, 1, chatA.PeerCount())

	const total = 1001
	for i := 0; i < total; i++ {
		require.NoError(t, chatA.SendMessage(MessageNormal, []byte(fmt.Sprintf("%d", i))))
	}
	bus.flush()

	require.Len(t, got, total)
	for i, n := range got {
		require.Equal(t, i, n, "delivery must preserve send order")
	}
}

// Founder promotes a moderator, the moderator sanctions a peer, the
// founder demotes the moderator, and a late joiner still accepts the
// re-signed sanction.
func TestScenarioDemotionResignsSanctions(t *testing.T) {
	bus := newMemBus()

	mgrA := NewManager(bus.endpoint(1)) // founder
	mgrC := NewManager(bus.endpoint(3)) // future moderator
	mgrD := NewManager(bus.endpoint(4)) // future observer
	mgrE := NewManager(bus.endpoint(5)) // late joiner

	gidA, err := mgrA.CreateGroup(PrivacyPublic, []byte("moderated"), []byte("A"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)

	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)

	gidC, err := mgrC.AcceptInvite(cookie, []byte("C"), nil)
	require.NoError(t, err)
	chatC, _ := mgrC.Get(gidC)
	bus.flush()

	gidD, err := mgrD.AcceptInvite(cookie, []byte("D"), nil)
	require.NoError(t, err)
	chatD, _ := mgrD.Get(gidD)
	bus.flush()

	// The mesh is complete: C and D learned each other via announces.
	require.Equal(t, 2, chatA.PeerCount())
	require.Equal(t, 2, chatC.PeerCount())
	require.Equal(t, 2, chatD.PeerCount())

	// A promotes C to moderator.
	var idCatA uint32
	for _, p := range chatA.PeerList() {
		if p.Nick == "C" {
			idCatA = p.ID
		}
	}
	require.NoError(t, chatA.SetRole(idCatA, RoleModerator))
	bus.flush()
	assert.Equal(t, RoleModerator, chatC.SelfRole())

	// C sanctions D to observer.
	var idDatC uint32
	for _, p := range chatC.PeerList() {
		if p.Nick == "D" {
			idDatC = p.ID
		}
	}
	require.NoError(t, chatC.SetRole(idDatC, RoleObserver))
	bus.flush()
	assert.Equal(t, RoleObserver, chatD.SelfRole())
	assert.ErrorIs(t, chatD.SendMessage(MessageNormal, []byte("hi")), ErrPermissionDenied)

	// A demotes C back to user: A re-signs C's sanctions entries.
	require.NoError(t, chatA.SetRole(idCatA, RoleUser))
	bus.flush()
	assert.Equal(t, RoleUser, chatC.SelfRole())
	assert.Equal(t, RoleObserver, chatD.SelfRole(), "D's sanction survives the demotion")

	// E joins late and accepts the sanctions list: every entry is now
	// signed by the founder, a currently authoritative key.
	gidE, err := mgrE.AcceptInvite(cookie, []byte("E"), nil)
	require.NoError(t, err)
	chatE, _ := mgrE.Get(gidE)
	bus.flush()

	require.Equal(t, 3, chatE.PeerCount())
	for _, p := range chatE.PeerList() {
		if p.Nick == "D" {
			assert.Equal(t, RoleObserver, p.Role, "late joiner must see D sanctioned")
		}
	}
}

// Kick removes the target everywhere and refuses underprivileged
// callers.
func TestScenarioKick(t *testing.T) {
	var exitsAtB []ExitReason

	bus := newMemBus()
	mgrA := NewManager(bus.endpoint(1))
	mgrB := NewManager(bus.endpoint(2))
	mgrB.SetCallbacks(Callbacks{
		OnPeerExit: func(groupID, peerID uint32, reason ExitReason, partMessage []byte) {
			exitsAtB = append(exitsAtB, reason)
		},
	})

	gidA, err := mgrA.CreateGroup(PrivacyPublic, []byte("kicks"), []byte("A"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)
	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)
	gidB, err := mgrB.AcceptInvite(cookie, []byte("B"), nil)
	require.NoError(t, err)
	chatB, _ := mgrB.Get(gidB)
	bus.flush()

	// B (a user) cannot kick the founder.
	idAatB := peerIDOf(t, chatB)
	assert.ErrorIs(t, chatB.Kick(idAatB), ErrPermissionDenied)

	// The founder kicks B; B observes its own removal.
	idBatA := peerIDOf(t, chatA)
	require.NoError(t, chatA.Kick(idBatA))
	bus.flush()

	assert.Equal(t, 0, chatA.PeerCount())
	assert.False(t, chatB.Connected())
	require.Len(t, exitsAtB, 1)
	assert.Equal(t, ExitKick, exitsAtB[0])
}

// Topic setting respects the topic lock and versions converge.
func TestScenarioTopic(t *testing.T) {
	pair := newTestPeerPair(t, "topics", "A", "B")

	// Founder sets the topic under the default unlocked policy.
	require.NoError(t, pair.chatA.SetTopic([]byte("first topic")))
	pair.bus.flush()
	assert.Equal(t, []byte("first topic"), pair.chatB.Topic())

	// A user can set the topic while unlocked.
	require.NoError(t, pair.chatB.SetTopic([]byte("second topic")))
	pair.bus.flush()
	assert.Equal(t, []byte("second topic"), pair.chatA.Topic())

	// Founder locks the topic: the user is refused locally.
	require.NoError(t, pair.chatA.SetTopicLock(true))
	pair.bus.flush()
	assert.ErrorIs(t, pair.chatB.SetTopic([]byte("third")), ErrPermissionDenied)

	// The founder still can.
	require.NoError(t, pair.chatA.SetTopic([]byte("founder topic")))
	pair.bus.flush()
	assert.Equal(t, []byte("founder topic"), pair.chatB.Topic())
}

// Founder-only state operations propagate and are refused to others.
func TestScenarioSharedStateOperations(t *testing.T) {
	var passwordsAtB [][]byte
	var privaciesAtB []Privacy
	var limitsAtB []uint32

	bus := newMemBus()
	mgrA := NewManager(bus.endpoint(1))
	mgrB := NewManager(bus.endpoint(2))
	mgrB.SetCallbacks(Callbacks{
		OnPasswordChange: func(groupID uint32, password []byte) {
			passwordsAtB = append(passwordsAtB, append([]byte(nil), password...))
		},
		OnPrivacyChange: func(groupID uint32, privacy Privacy) {
			privaciesAtB = append(privaciesAtB, privacy)
		},
		OnPeerLimitChange: func(groupID uint32, limit uint32) {
			limitsAtB = append(limitsAtB, limit)
		},
	})

	gidA, err := mgrA.CreateGroup(PrivacyPublic, []byte("state ops"), []byte("A"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)
	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)
	gidB, err := mgrB.AcceptInvite(cookie, []byte("B"), nil)
	require.NoError(t, err)
	chatB, _ := mgrB.Get(gidB)
	bus.flush()
	require.Equal(t, 1, chatB.PeerCount())

	// Non-founder is refused.
	assert.ErrorIs(t, chatB.SetPassword([]byte("nope")), ErrNotFounder)
	assert.ErrorIs(t, chatB.SetPrivacy(PrivacyPrivate), ErrNotFounder)
	assert.ErrorIs(t, chatB.SetPeerLimit(5), ErrNotFounder)

	require.NoError(t, chatA.SetPassword([]byte("hunter2")))
	require.NoError(t, chatA.SetPrivacy(PrivacyPrivate))
	require.NoError(t, chatA.SetPeerLimit(42))
	bus.flush()

	require.Len(t, passwordsAtB, 1)
	assert.Equal(t, []byte("hunter2"), passwordsAtB[0])
	assert.Equal(t, []Privacy{PrivacyPrivate}, privaciesAtB)
	assert.Equal(t, []uint32{42}, limitsAtB)
}

// A wrong password join is rejected asynchronously with the specific
// reason.
func TestScenarioJoinRejectedWrongPassword(t *testing.T) {
	var failures []JoinFailReason

	bus := newMemBus()
	mgrA := NewManager(bus.endpoint(1))
	mgrB := NewManager(bus.endpoint(2))
	mgrB.SetCallbacks(Callbacks{
		OnJoinFail: func(groupID uint32, reason JoinFailReason) {
			failures = append(failures, reason)
		},
	})

	gidA, err := mgrA.CreateGroup(PrivacyPrivate, []byte("guarded"), []byte("A"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)
	require.NoError(t, chatA.SetPassword([]byte("right")))

	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)
	_, err = mgrB.AcceptInvite(cookie, []byte("B"), []byte("wrong"))
	require.NoError(t, err, "join itself starts; the rejection is asynchronous")
	bus.flush()

	require.Len(t, failures, 1)
	assert.Equal(t, JoinFailInvalidPassword, failures[0])
	assert.Equal(t, 0, chatA.PeerCount())
}

// Duplicate nicknames are refused at the invite gate.
func TestScenarioJoinRejectedNickTaken(t *testing.T) {
	var failures []JoinFailReason

	bus := newMemBus()
	mgrA := NewManager(bus.endpoint(1))
	mgrB := NewManager(bus.endpoint(2))
	mgrC := NewManager(bus.endpoint(3))
	mgrC.SetCallbacks(Callbacks{
		OnJoinFail: func(groupID uint32, reason JoinFailReason) {
			failures = append(failures, reason)
		},
	})

	gidA, err := mgrA.CreateGroup(PrivacyPublic, []byte("nicks"), []byte("A"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)
	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)

	_, err = mgrB.AcceptInvite(cookie, []byte("Thomas"), nil)
	require.NoError(t, err)
	bus.flush()
	require.Equal(t, 1, chatA.PeerCount())

	_, err = mgrC.AcceptInvite(cookie, []byte("Thomas"), nil)
	require.NoError(t, err)
	bus.flush()

	require.Len(t, failures, 1)
	assert.Equal(t, JoinFailNameTaken, failures[0])
	assert.Equal(t, 1, chatA.PeerCount())
}

// A sanctioned key is refused at the invite gate: the responder
// rejects the INVITE_REQUEST and drops the link, like the password,
// nickname, and peer-limit gates.
func TestScenarioSanctionedPeerInviteRejected(t *testing.T) {
	var failures []JoinFailReason

	bus := newMemBus()
	mgrA := NewManager(bus.endpoint(1))
	mgrB := NewManager(bus.endpoint(2))
	mgrB.SetCallbacks(Callbacks{
		OnJoinFail: func(groupID uint32, reason JoinFailReason) {
			failures = append(failures, reason)
		},
	})

	gidA, err := mgrA.CreateGroup(PrivacyPublic, []byte("sanctioned"), []byte("A"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)
	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)

	gidB, err := mgrB.AcceptInvite(cookie, []byte("B"), nil)
	require.NoError(t, err)
	chatB, _ := mgrB.Get(gidB)
	bus.flush()
	require.Equal(t, 1, chatA.PeerCount())

	idB := peerIDOf(t, chatA)
	require.NoError(t, chatA.SetRole(idB, RoleObserver))
	bus.flush()
	require.Equal(t, RoleObserver, chatB.SelfRole())

	// B tears its link down and retries the invite path with the same
	// permanent key, which is now in A's sanctions list.
	chatB.mu.Lock()
	peerA := chatB.peers.byEncKey(chatA.selfEnc.Public)
	require.NotNil(t, peerA)
	peerA.link.teardown()
	chatB.joining = true
	err = chatB.initiateHandshake(chatA.selfEnc.Public, chatA.tp.LocalAddr(), handshakeInviteRequest)
	chatB.mu.Unlock()
	require.NoError(t, err)
	bus.flush()

	require.Len(t, failures, 1)
	assert.Equal(t, JoinFailUnknown, failures[0])
	assert.Equal(t, 0, chatA.PeerCount(), "sanctioned key refused at the invite gate")
}

// Three-way mesh: the second joiner learns the first through peer
// announces and all checksums agree.
func TestScenarioMeshConvergence(t *testing.T) {
	bus := newMemBus()
	mgrA := NewManager(bus.endpoint(1))
	mgrB := NewManager(bus.endpoint(2))
	mgrC := NewManager(bus.endpoint(3))

	gidA, err := mgrA.CreateGroup(PrivacyPublic, []byte("mesh"), []byte("A"))
	require.NoError(t, err)
	chatA, _ := mgrA.Get(gidA)
	cookie, err := chatA.InviteFriend()
	require.NoError(t, err)

	gidB, err := mgrB.AcceptInvite(cookie, []byte("B"), nil)
	require.NoError(t, err)
	chatB, _ := mgrB.Get(gidB)
	bus.flush()

	gidC, err := mgrC.AcceptInvite(cookie, []byte("C"), nil)
	require.NoError(t, err)
	chatC, _ := mgrC.Get(gidC)
	bus.flush()

	require.Equal(t, 2, chatA.PeerCount())
	require.Equal(t, 2, chatB.PeerCount())
	require.Equal(t, 2, chatC.PeerCount())

	sumA := chatA.peers.checksum(chatA.selfEnc.Public)
	sumB := chatB.peers.checksum(chatB.selfEnc.Public)
	sumC := chatC.peers.checksum(chatC.selfEnc.Public)
	assert.Equal(t, sumA, sumB, "in-sync peers share the peer-list checksum")
	assert.Equal(t, sumB, sumC)

	// Shared state versions converged too.
	assert.Equal(t, chatA.state.Version, chatB.state.Version)
	assert.Equal(t, chatA.state.Version, chatC.state.Version)
}
