package limits

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSize(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		maxSize int
		wantErr error
	}{
		{"valid", []byte("hello"), 10, nil},
		{"exactly max", bytes.Repeat([]byte{'a'}, 10), 10, nil},
		{"empty", nil, 10, ErrEmpty},
		{"over max", bytes.Repeat([]byte{'a'}, 11), 10, ErrTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSize(tt.data, tt.maxSize)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSizeAllowEmpty(t *testing.T) {
	assert.NoError(t, ValidateSizeAllowEmpty(nil, 8))
	assert.NoError(t, ValidateSizeAllowEmpty([]byte("ok"), 8))
	assert.ErrorIs(t, ValidateSizeAllowEmpty(bytes.Repeat([]byte{'x'}, 9), 8), ErrTooLong)
}

func TestFieldValidators(t *testing.T) {
	assert.NoError(t, ValidateGroupName([]byte("Utah Data Center")))
	assert.ErrorIs(t, ValidateGroupName(bytes.Repeat([]byte{'n'}, MaxGroupNameLength+1)), ErrTooLong)
	assert.ErrorIs(t, ValidateGroupName(nil), ErrEmpty)

	assert.NoError(t, ValidateNick([]byte("Winslow")))
	assert.ErrorIs(t, ValidateNick(bytes.Repeat([]byte{'n'}, MaxNickLength+1)), ErrTooLong)

	assert.NoError(t, ValidatePassword(nil), "empty password means unprotected group")
	assert.ErrorIs(t, ValidatePassword(bytes.Repeat([]byte{'p'}, MaxPasswordLength+1)), ErrTooLong)

	assert.NoError(t, ValidateTopic(nil), "topic may be cleared")
	assert.ErrorIs(t, ValidateTopic(bytes.Repeat([]byte{'t'}, MaxTopicLength+1)), ErrTooLong)

	assert.NoError(t, ValidateMessage([]byte("hi")))
	assert.ErrorIs(t, ValidateMessage(nil), ErrEmpty)
	assert.ErrorIs(t, ValidateMessage(bytes.Repeat([]byte{'m'}, MaxMessageLength+1)), ErrTooLong)

	assert.NoError(t, ValidatePartMessage(nil))
	assert.NoError(t, ValidateCustomPacket([]byte{0x01}))
	assert.ErrorIs(t, ValidateCustomPacket(nil), ErrEmpty)
}

func TestPacketSizeRelationships(t *testing.T) {
	assert.Equal(t, MinLosslessPacketSize, MinLossyPacketSize+8,
		"lossless minimum exceeds lossy by the 8-byte message id")
	assert.Equal(t, 61, OuterHeaderSize)
	assert.Less(t, MinLosslessPacketSize, MaxPacketSize)
}
