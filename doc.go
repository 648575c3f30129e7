// Package toxgroup implements a serverless peer-to-peer group-chat
// engine.
//
// A group is a self-governing mesh of peers identified only by keys:
// no central server, no relay, no membership authority beyond the
// founding peer's signature. Every pair of confirmed members speaks
// over an authenticated, forward-secret 1-to-1 link carrying a
// reliable ordered channel and a best-effort lossy channel, and the
// group's shared state, moderator list, sanctions list, and topic
// replicate convergently across partitions and rejoins.
//
// # Getting Started
//
// Create a node, register callbacks, and drive its event loop:
//
//	options := toxgroup.NewOptions()
//	options.ListenAddr = ":33445"
//
//	node, err := toxgroup.New(options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer node.Kill()
//
//	node.OnGroupMessage(func(groupID, peerID uint32, kind group.MessageType, message []byte) {
//	    fmt.Printf("message in %d: %s\n", groupID, message)
//	})
//
//	groupID, err := node.GroupNew(group.PrivacyPublic, "Go Hackers", "alice")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	for node.IsRunning() {
//	    node.Iterate()
//	    time.Sleep(node.IterationInterval())
//	}
//
// # Joining
//
// Groups are joined either by Chat ID plus bootstrap addresses the
// lookup layer resolved, or through an invite cookie received from a
// friend:
//
//	groupID, err := node.GroupJoin(chatID, "password", "bob", bootstrap)
//	groupID, err := node.GroupInviteAccept(friendID, cookie, "bob", "password")
//
// # Persistence
//
//	data := node.GetSavedata()
//	// later:
//	options.Savedata = data
//	restored, err := toxgroup.New(options)
//
// The engine persists group identity keys, the founder's group key
// pair, shared state, the moderator list, nickname, and topic. The
// sanctions list intentionally resets when a group empties.
package toxgroup
