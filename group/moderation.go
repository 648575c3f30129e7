package group

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// moderatorList is the ordered sequence of moderator signature keys.
// Its SHA-256 hash is embedded in the founder-signed shared state, so
// receivers accept a list only after accepting the shared state that
// authorizes it.
type moderatorList struct {
	keys [][32]byte
}

// contains reports whether sigPK is currently a moderator.
func (m *moderatorList) contains(sigPK [32]byte) bool {
	for _, k := range m.keys {
		if k == sigPK {
			return true
		}
	}
	return false
}

// add appends a moderator key; adding an existing key is a no-op.
func (m *moderatorList) add(sigPK [32]byte) {
	if m.contains(sigPK) {
		return
	}
	m.keys = append(m.keys, sigPK)
}

// remove deletes a moderator key, reporting whether it was present.
func (m *moderatorList) remove(sigPK [32]byte) bool {
	for i, k := range m.keys {
		if k == sigPK {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			return true
		}
	}
	return false
}

// marshal packs the list: { count:2, sig_pk_0..N }.
func (m *moderatorList) marshal() []byte {
	buf := make([]byte, 2, 2+len(m.keys)*32)
	binary.BigEndian.PutUint16(buf, uint16(len(m.keys)))
	for _, k := range m.keys {
		buf = append(buf, k[:]...)
	}
	return buf
}

// hash returns the SHA-256 over the packed list.
func (m *moderatorList) hash() [32]byte {
	return modListHash(m.marshal())
}

// parseModList unpacks a moderator-list packet.
func parseModList(data []byte) (*moderatorList, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: mod list %d bytes", errMalformed, len(data))
	}
	count := int(binary.BigEndian.Uint16(data))
	if len(data) != 2+count*32 {
		return nil, fmt.Errorf("%w: mod list count %d size %d", errMalformed, count, len(data))
	}

	list := &moderatorList{}
	for i := 0; i < count; i++ {
		var k [32]byte
		copy(k[:], data[2+i*32:])
		list.keys = append(list.keys, k)
	}
	return list, nil
}

// clone returns a deep copy.
func (m *moderatorList) clone() *moderatorList {
	c := &moderatorList{keys: make([][32]byte, len(m.keys))}
	copy(c.keys, m.keys)
	return c
}

// equal compares two lists including order.
func (m *moderatorList) equal(other *moderatorList) bool {
	if len(m.keys) != len(other.keys) {
		return false
	}
	for i := range m.keys {
		if !bytes.Equal(m.keys[i][:], other.keys[i][:]) {
			return false
		}
	}
	return true
}

// validateModList checks a received list against the mod-list hash in
// the already-accepted shared state.
func validateModList(list *moderatorList, expectedHash [32]byte) error {
	if list.hash() != expectedHash {
		return errHashMismatch
	}
	return nil
}
