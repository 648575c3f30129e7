package group

import (
	"encoding/binary"
	"sort"
	"time"

	"github.com/opd-ai/toxgroup/transport"
)

// Retransmission schedule for unacked lossless packets.
const (
	retransmitBase     = time.Second
	retransmitCap      = 16 * time.Second
	retransmitAttempts = 10

	// ackRequestInterval rate-limits ACK_REQ: at most one request per
	// (peer, message id) per second.
	ackRequestInterval = time.Second
)

// pendingPacket is one sent-but-unacked lossless packet in the send
// window.
type pendingPacket struct {
	frame    *transport.Packet
	lastSent time.Time
	interval time.Duration
	attempts int
}

// losslessChannel provides per-link reliable ordered delivery. The
// send and receive sides are independent: the sender numbers outgoing
// packets from 1 and retransmits until acked; the receiver delivers in
// order, buffering anything that arrives early.
type losslessChannel struct {
	sendNext   uint64
	sendWindow map[uint64]*pendingPacket

	recvNext   uint64
	recvBuffer map[uint64]*openedPacket

	// lastAckReq tracks when we last requested each missing id.
	lastAckReq map[uint64]time.Time
}

func newLosslessChannel() *losslessChannel {
	return &losslessChannel{
		sendNext:   1,
		sendWindow: make(map[uint64]*pendingPacket),
		recvNext:   1,
		recvBuffer: make(map[uint64]*openedPacket),
		lastAckReq: make(map[uint64]time.Time),
	}
}

// nextID hands out the next outgoing message id.
func (c *losslessChannel) nextID() uint64 {
	id := c.sendNext
	c.sendNext++
	return id
}

// track places a sealed frame in the send window until it is acked.
func (c *losslessChannel) track(id uint64, frame *transport.Packet, now time.Time) {
	c.sendWindow[id] = &pendingPacket{
		frame:    frame,
		lastSent: now,
		interval: retransmitBase,
		attempts: 1,
	}
}

// ackReceived removes an acked packet from the send window.
func (c *losslessChannel) ackReceived(id uint64) {
	delete(c.sendWindow, id)
}

// retransmitRequested returns the frame for a peer-requested resend, if
// it is still in the send window.
func (c *losslessChannel) retransmitRequested(id uint64, now time.Time) *transport.Packet {
	pending, ok := c.sendWindow[id]
	if !ok {
		return nil
	}
	pending.lastSent = now
	pending.attempts++
	return pending.frame
}

// duePackets returns the frames whose retransmit timer expired,
// advancing each packet's backoff. The second result reports whether
// the attempt ceiling was hit, which fails the link.
func (c *losslessChannel) duePackets(now time.Time) ([]*transport.Packet, bool) {
	var due []*transport.Packet
	for _, pending := range c.sendWindow {
		if now.Sub(pending.lastSent) < pending.interval {
			continue
		}
		if pending.attempts >= retransmitAttempts {
			return nil, true
		}
		pending.lastSent = now
		pending.attempts++
		pending.interval *= 2
		if pending.interval > retransmitCap {
			pending.interval = retransmitCap
		}
		due = append(due, pending.frame)
	}
	return due, false
}

// ackDecision tells the caller which ack to send after receive().
type ackDecision struct {
	send    bool
	ackType byte
	id      uint64
}

// receive processes one incoming lossless packet and returns the
// packets now deliverable in order plus the ack to send.
//
//   - id == recvNext: deliver it and drain any buffered successors.
//   - id > recvNext: buffer it and request the missing id, rate-limited.
//   - id < recvNext: duplicate; re-ack so the sender stops resending.
func (c *losslessChannel) receive(pkt *openedPacket, now time.Time) ([]*openedPacket, ackDecision) {
	id := pkt.messageID

	switch {
	case id == c.recvNext:
		deliverable := []*openedPacket{pkt}
		c.recvNext++
		delete(c.lastAckReq, id)
		for {
			next, ok := c.recvBuffer[c.recvNext]
			if !ok {
				break
			}
			delete(c.recvBuffer, c.recvNext)
			delete(c.lastAckReq, c.recvNext)
			deliverable = append(deliverable, next)
			c.recvNext++
		}
		return deliverable, ackDecision{send: true, ackType: ackRecv, id: id}

	case id > c.recvNext:
		if _, dup := c.recvBuffer[id]; !dup {
			c.recvBuffer[id] = pkt
		}
		if last, ok := c.lastAckReq[c.recvNext]; !ok || now.Sub(last) >= ackRequestInterval {
			c.lastAckReq[c.recvNext] = now
			return nil, ackDecision{send: true, ackType: ackReq, id: c.recvNext}
		}
		return nil, ackDecision{}

	default:
		// Old id: covers duplicated retransmits whose ack was lost.
		return nil, ackDecision{send: true, ackType: ackRecv, id: id}
	}
}

// missingIDs returns gap ids eligible for an ACK_REQ on the timer path,
// in ascending order.
func (c *losslessChannel) missingIDs(now time.Time) []uint64 {
	if len(c.recvBuffer) == 0 {
		return nil
	}

	var maxBuffered uint64
	for id := range c.recvBuffer {
		if id > maxBuffered {
			maxBuffered = id
		}
	}

	var missing []uint64
	for id := c.recvNext; id < maxBuffered; id++ {
		if _, ok := c.recvBuffer[id]; ok {
			continue
		}
		if last, ok := c.lastAckReq[id]; ok && now.Sub(last) < ackRequestInterval {
			continue
		}
		c.lastAckReq[id] = now
		missing = append(missing, id)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })
	return missing
}

// marshalAck packs a MESSAGE_ACK payload: { msg_id:8, type:1 }.
func marshalAck(id uint64, ackType byte) []byte {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf, id)
	buf[8] = ackType
	return buf
}

// parseAck unpacks a MESSAGE_ACK payload.
func parseAck(payload []byte) (id uint64, ackType byte, err error) {
	if len(payload) != 9 {
		return 0, 0, errMalformed
	}
	return binary.BigEndian.Uint64(payload), payload[8], nil
}
