package group

import (
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/limits"
	"github.com/opd-ai/toxgroup/transport"
)

// Saved-group record framing.
const (
	saveMagic   = "TGRP"
	saveVersion = uint16(1)
)

// Savedata packs one group for restart: identity keys, the group key
// pair (founder only), shared state, moderator list, nickname, topic,
// and whether to reconnect on load. The sanctions list is deliberately
// absent: it resets when the group empties.
func (c *Chat) Savedata() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, 0, 512)
	buf = append(buf, saveMagic...)
	buf = binary.BigEndian.AppendUint16(buf, saveVersion)

	buf = append(buf, c.chatID[:]...)
	buf = append(buf, c.selfEnc.Private[:]...)
	buf = append(buf, c.selfSig.Private[:]...)

	if c.groupKeys != nil {
		buf = append(buf, 1)
		buf = append(buf, c.groupKeys.Private[:]...)
	} else {
		buf = append(buf, 0)
	}

	if c.state != nil {
		buf = append(buf, 1)
		buf = append(buf, c.state.marshal()...)
	} else {
		buf = append(buf, 0)
	}

	mods := c.mods.marshal()
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(mods)))
	buf = append(buf, mods...)

	nick := []byte(c.selfNick)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(nick)))
	buf = append(buf, nick...)

	if c.topicInfo != nil {
		topic := c.topicInfo.marshal()
		buf = append(buf, 1)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(topic)))
		buf = append(buf, topic...)
	} else {
		buf = append(buf, 0)
	}

	if c.connected {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	c.dirty = false
	return buf
}

// loadChat restores a Chat from a saved record. The restored group
// starts disconnected unless the record's connect flag is set, in
// which case it comes up connected with an empty peer set; no
// handshake is started on load.
func loadChat(groupID uint32, data []byte, deps chatDeps) (*Chat, error) {
	r := saveReader{data: data}

	if string(r.take(4)) != saveMagic {
		return nil, fmt.Errorf("%w: bad savedata magic", ErrBadInvite)
	}
	if r.uint16() != saveVersion {
		return nil, fmt.Errorf("%w: unsupported savedata version", ErrBadInvite)
	}

	var chatID crypto.ChatID
	copy(chatID[:], r.take(32))

	var encPriv, sigSeed [32]byte
	copy(encPriv[:], r.take(32))
	copy(sigSeed[:], r.take(32))

	selfEnc, err := crypto.FromSecretKey(encPriv)
	if err != nil {
		return nil, err
	}
	selfSig, err := crypto.SigningKeyPairFromSeed(sigSeed)
	if err != nil {
		return nil, err
	}

	c := &Chat{
		groupID:      groupID,
		chatID:       chatID,
		idHash:       chatID.Hash32(),
		selfEnc:      selfEnc,
		selfSig:      selfSig,
		sanctions:    newSanctionsList(),
		mods:         &moderatorList{},
		peers:        newPeerTable(),
		tp:           deps.tp,
		timeProvider: deps.timeProvider,
		callbacks:    deps.callbacks,
	}

	if r.byte() == 1 {
		var groupSeed [32]byte
		copy(groupSeed[:], r.take(32))
		c.groupKeys, err = crypto.SigningKeyPairFromSeed(groupSeed)
		if err != nil {
			return nil, err
		}
		if crypto.ChatID(c.groupKeys.Public) != chatID {
			return nil, fmt.Errorf("%w: group key does not match chat ID", ErrBadInvite)
		}
	}

	if r.byte() == 1 {
		state, err := parseSharedState(r.take(sharedStateSize))
		if err != nil {
			return nil, err
		}
		c.state = state
	}

	mods, err := parseModList(r.take(int(r.uint16())))
	if err != nil {
		return nil, err
	}
	c.mods = mods

	nick := r.take(int(r.uint16()))
	if len(nick) > limits.MaxNickLength {
		return nil, fmt.Errorf("%w: saved nick too long", ErrBadInvite)
	}
	c.selfNick = string(nick)

	if r.byte() == 1 {
		topic, err := parseTopicInfo(r.take(int(r.uint16())))
		if err != nil {
			return nil, err
		}
		c.topicInfo = topic
	}

	c.connected = r.byte() == 1

	if r.failed {
		return nil, fmt.Errorf("%w: truncated savedata", ErrBadInvite)
	}
	return c, nil
}

// chatDeps bundles the engine dependencies a restored Chat needs.
type chatDeps struct {
	tp           transport.Transport
	timeProvider crypto.TimeProvider
	callbacks    *Callbacks
}

// LoadGroup restores one saved group into the manager and returns its
// new group id.
func (m *Manager) LoadGroup(data []byte) (uint32, error) {
	m.mu.Lock()
	groupID := m.nextID
	m.nextID++
	deps := chatDeps{tp: m.tp, timeProvider: m.timeProvider, callbacks: &m.callbacks}
	m.mu.Unlock()

	chat, err := loadChat(groupID, data, deps)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.groups[groupID] = chat
	m.mu.Unlock()
	return groupID, nil
}

// saveReader is a cursor over a saved record that records truncation
// instead of panicking.
type saveReader struct {
	data   []byte
	pos    int
	failed bool
}

func (r *saveReader) take(n int) []byte {
	if r.failed || n < 0 || r.pos+n > len(r.data) {
		r.failed = true
		return make([]byte, max(n, 0))
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out
}

func (r *saveReader) uint16() uint16 {
	b := r.take(2)
	return binary.BigEndian.Uint16(b)
}

func (r *saveReader) byte() byte {
	return r.take(1)[0]
}
