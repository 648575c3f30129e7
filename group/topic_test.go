package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxgroup/crypto"
)

func TestTopicSignVerifyRoundTrip(t *testing.T) {
	setter, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	info := &TopicInfo{Version: 3, Topic: []byte("new topic")}
	require.NoError(t, info.sign(setter))
	assert.Equal(t, setter.Public, info.SetterPK)
	require.NoError(t, info.verify())

	packed := info.marshal()
	parsed, err := parseTopicInfo(packed)
	require.NoError(t, err)
	assert.Equal(t, info.Version, parsed.Version)
	assert.Equal(t, info.Topic, parsed.Topic)
	assert.Equal(t, info.SetterPK, parsed.SetterPK)
	require.NoError(t, parsed.verify())
}

func TestTopicVerifyRejectsTampering(t *testing.T) {
	setter, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	info := &TopicInfo{Version: 1, Topic: []byte("original")}
	require.NoError(t, info.sign(setter))

	info.Topic = []byte("tampered")
	assert.ErrorIs(t, info.verify(), errBadSignature)
}

func TestTopicSupersedesByVersion(t *testing.T) {
	older := &TopicInfo{Version: 1}
	newer := &TopicInfo{Version: 2}

	assert.True(t, newer.supersedes(older))
	assert.False(t, older.supersedes(newer))
	assert.True(t, older.supersedes(nil))
}

func TestTopicVersionTieBreaksOnSignatureBytes(t *testing.T) {
	// Two moderators set the topic concurrently at the same version:
	// all peers converge on the lexicographically greater signature,
	// whatever order the updates arrive in.
	m1, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	m2, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	a := &TopicInfo{Version: 5, Topic: []byte("from m1")}
	require.NoError(t, a.sign(m1))
	b := &TopicInfo{Version: 5, Topic: []byte("from m2")}
	require.NoError(t, b.sign(m2))

	aOverB := a.supersedes(b)
	bOverA := b.supersedes(a)
	assert.NotEqual(t, aOverB, bOverA, "exactly one direction must win")

	// Order independence: both arrival orders end on the same winner.
	winner1 := a
	if b.supersedes(winner1) {
		winner1 = b
	}
	winner2 := b
	if a.supersedes(winner2) {
		winner2 = a
	}
	assert.Equal(t, winner1, winner2)
}

func TestParseTopicRejectsBadInput(t *testing.T) {
	_, err := parseTopicInfo(make([]byte, 10))
	assert.Error(t, err)

	setter, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	info := &TopicInfo{Version: 1, Topic: []byte("abc")}
	require.NoError(t, info.sign(setter))

	packed := info.marshal()
	packed[68] = 0xff // declared topic length disagrees with data
	packed[69] = 0xff
	_, err = parseTopicInfo(packed)
	assert.Error(t, err)
}
