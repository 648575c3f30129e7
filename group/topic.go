package group

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/opd-ai/toxgroup/crypto"
	"github.com/opd-ai/toxgroup/limits"
)

// TopicInfo is the versioned, signed group topic. Any peer the
// topic-lock policy allows may set it; receivers keep the highest
// version whose signer is still authoritative under the current policy.
type TopicInfo struct {
	Version   uint32
	Topic     []byte
	SetterPK  [32]byte // sig-pk of the peer that set the topic
	Signature crypto.Signature
}

// marshalUnsigned packs the signed region:
// version(4) ‖ len(2) ‖ topic ‖ setter_sig_pk(32).
func (t *TopicInfo) marshalUnsigned() []byte {
	buf := make([]byte, 4+2+len(t.Topic)+32)
	binary.BigEndian.PutUint32(buf, t.Version)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(t.Topic)))
	copy(buf[6:], t.Topic)
	copy(buf[6+len(t.Topic):], t.SetterPK[:])
	return buf
}

// marshal packs the topic packet:
// { sig:64, version:4, len:2, bytes, setter_sig_pk:32 }.
func (t *TopicInfo) marshal() []byte {
	buf := make([]byte, 0, crypto.SignatureSize+4+2+len(t.Topic)+32)
	buf = append(buf, t.Signature[:]...)
	buf = append(buf, t.marshalUnsigned()...)
	return buf
}

// sign signs the topic as setter.
func (t *TopicInfo) sign(setter *crypto.SigningKeyPair) error {
	t.SetterPK = setter.Public
	sig, err := crypto.Sign(t.marshalUnsigned(), setter.Private)
	if err != nil {
		return err
	}
	t.Signature = sig
	return nil
}

// verify checks the topic signature under its recorded setter key.
func (t *TopicInfo) verify() error {
	ok, err := crypto.Verify(t.marshalUnsigned(), t.Signature, t.SetterPK)
	if err != nil {
		return err
	}
	if !ok {
		return errBadSignature
	}
	return nil
}

// parseTopicInfo unpacks a topic packet.
func parseTopicInfo(data []byte) (*TopicInfo, error) {
	if len(data) < crypto.SignatureSize+4+2+32 {
		return nil, fmt.Errorf("%w: topic %d bytes", errMalformed, len(data))
	}

	t := &TopicInfo{}
	copy(t.Signature[:], data)
	pos := crypto.SignatureSize
	t.Version = binary.BigEndian.Uint32(data[pos:])
	pos += 4
	topicLen := int(binary.BigEndian.Uint16(data[pos:]))
	pos += 2
	if topicLen > limits.MaxTopicLength || len(data) != crypto.SignatureSize+4+2+topicLen+32 {
		return nil, fmt.Errorf("%w: topic length %d", errMalformed, topicLen)
	}
	t.Topic = append([]byte(nil), data[pos:pos+topicLen]...)
	pos += topicLen
	copy(t.SetterPK[:], data[pos:])

	return t, nil
}

// supersedes decides whether an incoming topic replaces the current
// one: strictly greater version wins; an equal version falls back to
// lexicographic signature bytes so concurrent setters converge.
func (t *TopicInfo) supersedes(current *TopicInfo) bool {
	if current == nil {
		return true
	}
	if t.Version != current.Version {
		return t.Version > current.Version
	}
	return bytes.Compare(t.Signature[:], current.Signature[:]) > 0
}
