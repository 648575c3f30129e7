package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/toxgroup/crypto"
)

func testSharedState(t *testing.T) (*SharedState, *crypto.SigningKeyPair, crypto.ChatID) {
	t.Helper()

	groupKeys, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	founderEnc, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	founderSig, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)

	mods := &moderatorList{}
	state := &SharedState{
		Version:     1,
		Founder:     crypto.MakeExtendedPublicKey(founderEnc.Public, founderSig.Public),
		PeerLimit:   100,
		Name:        []byte("Utah Data Center"),
		Privacy:     PrivacyPrivate,
		Password:    []byte("hunter2"),
		TopicLock:   true,
		ModListHash: mods.hash(),
	}
	require.NoError(t, state.sign(groupKeys))

	return state, groupKeys, crypto.ChatID(groupKeys.Public)
}

func TestSharedStateMarshalParseRoundTrip(t *testing.T) {
	state, _, chatID := testSharedState(t)

	packed := state.marshal()
	assert.Len(t, packed, sharedStateSize)

	parsed, err := parseSharedState(packed)
	require.NoError(t, err)
	assert.Equal(t, state.Version, parsed.Version)
	assert.Equal(t, state.Founder, parsed.Founder)
	assert.Equal(t, state.PeerLimit, parsed.PeerLimit)
	assert.Equal(t, state.Name, parsed.Name)
	assert.Equal(t, state.Privacy, parsed.Privacy)
	assert.Equal(t, state.Password, parsed.Password)
	assert.Equal(t, state.TopicLock, parsed.TopicLock)
	assert.Equal(t, state.ModListHash, parsed.ModListHash)

	require.NoError(t, parsed.verify(chatID))
}

func TestSharedStateVerifyRejectsTampering(t *testing.T) {
	state, _, chatID := testSharedState(t)

	state.PeerLimit = 9999
	assert.ErrorIs(t, state.verify(chatID), errBadSignature)
}

func TestSharedStateVerifyRejectsWrongChatID(t *testing.T) {
	state, _, _ := testSharedState(t)

	other, err := crypto.GenerateSigningKeyPair()
	require.NoError(t, err)
	assert.ErrorIs(t, state.verify(crypto.ChatID(other.Public)), errBadSignature)
}

func TestReceiveSharedStateVersionRules(t *testing.T) {
	state, groupKeys, chatID := testSharedState(t)

	next := state.clone()
	next.Version = 2
	next.PeerLimit = 50
	require.NoError(t, next.sign(groupKeys))

	// Newer version accepted.
	assert.NoError(t, receiveSharedState(state, next, chatID))

	// Same and older versions silently regress.
	assert.ErrorIs(t, receiveSharedState(next, next, chatID), errVersionRegressed)
	assert.ErrorIs(t, receiveSharedState(next, state, chatID), errVersionRegressed)

	// First state at a fresh joiner has nothing to regress against.
	assert.NoError(t, receiveSharedState(nil, state, chatID))
}

func TestSharedStateParseRejectsBadInput(t *testing.T) {
	_, err := parseSharedState(make([]byte, 10))
	assert.Error(t, err)

	state, _, _ := testSharedState(t)
	packed := state.marshal()

	// Oversized declared name length (the u16 after version, founder
	// key, and peer limit).
	packed[72] = 0xff
	packed[73] = 0xff
	_, err = parseSharedState(packed)
	assert.Error(t, err)
}

func TestSharedStateCloneIsDeep(t *testing.T) {
	state, _, _ := testSharedState(t)
	copied := state.clone()

	copied.Name[0] = 'X'
	copied.Password = append(copied.Password, '!')

	assert.Equal(t, byte('U'), state.Name[0])
	assert.Equal(t, []byte("hunter2"), state.Password)
}
