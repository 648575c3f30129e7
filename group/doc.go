// Package group implements the decentralized group-chat engine.
//
// A group is a self-governing mesh of peers identified only by keys:
// there is no central server, no relay, and no membership authority
// beyond the founder's signature. Every pair of confirmed members runs
// an authenticated, forward-secret 1-to-1 link over a best-effort
// datagram transport; on top of those links the engine provides a
// reliable ordered channel, an explicit lossy channel, and convergent
// replication of the group's signed state (shared state, moderator
// list, sanctions list, topic).
//
// # Structure
//
// Each group is one [Chat] instance, a single-threaded state machine
// driven by [Manager.Iterate]. Incoming datagrams enter through the
// handshake/lossless/lossy handlers that [Manager] registers with the
// transport; outgoing traffic fans out one sealed copy per confirmed
// peer. All mutable state is owned by the Chat that created it.
//
// # Roles
//
// The role lattice is strictly hierarchical: Founder > Moderator >
// User > Observer. Moderator membership is carried by the founder-signed
// moderator list, observer status by the signed sanctions list. Every
// artifact a peer accepts is validated against a currently authoritative
// key; when the founder demotes a moderator, everything that moderator
// signed is re-signed by the founder before it is re-broadcast.
//
// Example:
//
//	mgr := group.NewManager(tp)
//	mgr.SetCallbacks(group.Callbacks{
//	    OnMessage: func(groupID, peerID uint32, kind group.MessageType, message []byte) {
//	        fmt.Printf("<%d> %s\n", peerID, message)
//	    },
//	})
//
//	groupID, err := mgr.CreateGroup(group.PrivacyPrivate, []byte("Utah Data Center"), []byte("Winslow"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for {
//	    mgr.Iterate()
//	    time.Sleep(group.IterationInterval)
//	}
package group
