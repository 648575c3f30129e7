package group

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/opd-ai/toxgroup/crypto"
)

// sanctionObserver is the only sanction type: demotion to observer.
const sanctionObserver byte = 0

// Wire sizes of sanctions structures.
const (
	sanctionEntryUnsignedSize = 1 + 32 + 8 + 32
	sanctionEntrySize         = sanctionEntryUnsignedSize + crypto.SignatureSize
	sanctionsCredentialsSize  = 4 + 32 + 32 + crypto.SignatureSize
)

// SanctionEntry restricts one peer to the observer role. The entry is
// signed by the moderator or founder that issued it, and must always be
// verifiable under a currently authoritative key: when its signer is
// demoted, the founder re-signs the entry.
type SanctionEntry struct {
	Type        byte
	Sanctioner  [32]byte // sig-pk of the issuing moderator or founder
	Timestamp   uint64
	TargetEncPK [32]byte
	Signature   crypto.Signature
}

// marshalUnsigned packs the signed region:
// type ‖ sanctioner_sig_pk ‖ timestamp ‖ target_enc_pk.
func (e *SanctionEntry) marshalUnsigned() []byte {
	buf := make([]byte, sanctionEntryUnsignedSize)
	buf[0] = e.Type
	copy(buf[1:], e.Sanctioner[:])
	binary.BigEndian.PutUint64(buf[33:], e.Timestamp)
	copy(buf[41:], e.TargetEncPK[:])
	return buf
}

// marshal packs the full entry, signature included.
func (e *SanctionEntry) marshal() []byte {
	return append(e.marshalUnsigned(), e.Signature[:]...)
}

// sign signs the entry with the sanctioner's key and stamps the
// sanctioner field.
func (e *SanctionEntry) sign(signer *crypto.SigningKeyPair) error {
	e.Sanctioner = signer.Public
	sig, err := crypto.Sign(e.marshalUnsigned(), signer.Private)
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// verify checks the entry signature under its recorded sanctioner key.
func (e *SanctionEntry) verify() error {
	ok, err := crypto.Verify(e.marshalUnsigned(), e.Signature, e.Sanctioner)
	if err != nil {
		return err
	}
	if !ok {
		return errBadSignature
	}
	return nil
}

// parseSanctionEntry unpacks one packed entry.
func parseSanctionEntry(data []byte) (*SanctionEntry, error) {
	if len(data) != sanctionEntrySize {
		return nil, fmt.Errorf("%w: sanction entry %d bytes", errMalformed, len(data))
	}
	e := &SanctionEntry{Type: data[0]}
	if e.Type != sanctionObserver {
		return nil, fmt.Errorf("%w: sanction type %d", errMalformed, e.Type)
	}
	copy(e.Sanctioner[:], data[1:])
	e.Timestamp = binary.BigEndian.Uint64(data[33:])
	copy(e.TargetEncPK[:], data[41:])
	copy(e.Signature[:], data[73:])
	return e, nil
}

// sanctionsCredentials version the sanctions list as a whole. They are
// re-issued atomically with every list change by the modifying
// moderator or founder.
type sanctionsCredentials struct {
	Version   uint32
	Hash      [32]byte // sha256(entries_sorted ‖ version)
	SigPK     [32]byte // last modifier
	Signature crypto.Signature
}

// marshal packs credentials: { version:4, hash:32, sig_pk:32, sig:64 }.
func (c *sanctionsCredentials) marshal() []byte {
	buf := make([]byte, sanctionsCredentialsSize)
	binary.BigEndian.PutUint32(buf, c.Version)
	copy(buf[4:], c.Hash[:])
	copy(buf[36:], c.SigPK[:])
	copy(buf[68:], c.Signature[:])
	return buf
}

// parseSanctionsCredentials unpacks packed credentials.
func parseSanctionsCredentials(data []byte) (*sanctionsCredentials, error) {
	if len(data) != sanctionsCredentialsSize {
		return nil, fmt.Errorf("%w: credentials %d bytes", errMalformed, len(data))
	}
	c := &sanctionsCredentials{Version: binary.BigEndian.Uint32(data)}
	copy(c.Hash[:], data[4:])
	copy(c.SigPK[:], data[36:])
	copy(c.Signature[:], data[68:])
	return c, nil
}

// signedRegion is the byte string the credentials signature covers.
func (c *sanctionsCredentials) signedRegion() []byte {
	buf := make([]byte, 4+32)
	binary.BigEndian.PutUint32(buf, c.Version)
	copy(buf[4:], c.Hash[:])
	return buf
}

// verify checks the credentials signature under the recorded modifier.
func (c *sanctionsCredentials) verify() error {
	ok, err := crypto.Verify(c.signedRegion(), c.Signature, c.SigPK)
	if err != nil {
		return err
	}
	if !ok {
		return errBadSignature
	}
	return nil
}

// sanctionsList is the set of observer sanctions plus its credentials.
// Unlike the moderator list it is not persisted: it resets when the
// group empties.
type sanctionsList struct {
	entries     []*SanctionEntry
	credentials sanctionsCredentials
}

func newSanctionsList() *sanctionsList {
	return &sanctionsList{}
}

// sanctioned reports whether the target key has an observer sanction.
func (s *sanctionsList) sanctioned(targetEncPK [32]byte) bool {
	for _, e := range s.entries {
		if e.TargetEncPK == targetEncPK {
			return true
		}
	}
	return false
}

// sortedEntries returns the entries ordered by signature bytes, the
// canonical order used for the credentials hash.
func (s *sanctionsList) sortedEntries() []*SanctionEntry {
	sorted := append([]*SanctionEntry(nil), s.entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Signature[:], sorted[j].Signature[:]) < 0
	})
	return sorted
}

// computeHash hashes the sorted entries together with a version:
// sha256(entries_sorted ‖ version).
func (s *sanctionsList) computeHash(version uint32) [32]byte {
	h := sha256.New()
	for _, e := range s.sortedEntries() {
		h.Write(e.marshal())
	}
	var vbuf [4]byte
	binary.BigEndian.PutUint32(vbuf[:], version)
	h.Write(vbuf[:])

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// reissueCredentials bumps the version and signs fresh credentials as
// modifier. Called atomically with every entry change.
func (s *sanctionsList) reissueCredentials(modifier *crypto.SigningKeyPair) error {
	next := sanctionsCredentials{
		Version: s.credentials.Version + 1,
		SigPK:   modifier.Public,
	}
	next.Hash = s.computeHash(next.Version)

	sig, err := crypto.Sign(next.signedRegion(), modifier.Private)
	if err != nil {
		return err
	}
	next.Signature = sig
	s.credentials = next
	return nil
}

// addEntry inserts a verified entry and reissues credentials.
func (s *sanctionsList) addEntry(entry *SanctionEntry, modifier *crypto.SigningKeyPair) error {
	if err := entry.verify(); err != nil {
		return err
	}
	s.entries = append(s.entries, entry)
	return s.reissueCredentials(modifier)
}

// removeTarget drops all entries for the target and reissues
// credentials. Reports whether anything was removed.
func (s *sanctionsList) removeTarget(targetEncPK [32]byte, modifier *crypto.SigningKeyPair) (bool, error) {
	kept := s.entries[:0]
	removed := false
	for _, e := range s.entries {
		if e.TargetEncPK == targetEncPK {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	if !removed {
		return false, nil
	}
	return true, s.reissueCredentials(modifier)
}

// resignEntriesBy re-signs every entry issued by demoted with the
// founder's key, preserving the invariant that all entries verify under
// currently authoritative keys. Called when the founder demotes a
// moderator.
func (s *sanctionsList) resignEntriesBy(demoted [32]byte, founder *crypto.SigningKeyPair) (bool, error) {
	changed := false
	for _, e := range s.entries {
		if e.Sanctioner != demoted {
			continue
		}
		if err := e.sign(founder); err != nil {
			return changed, err
		}
		changed = true
	}
	if !changed {
		return false, nil
	}
	return true, s.reissueCredentials(founder)
}

// marshal packs the sanctions-list packet:
// { count:2, entries, credentials:132 }.
func (s *sanctionsList) marshal() []byte {
	buf := make([]byte, 2, 2+len(s.entries)*sanctionEntrySize+sanctionsCredentialsSize)
	binary.BigEndian.PutUint16(buf, uint16(len(s.entries)))
	for _, e := range s.sortedEntries() {
		buf = append(buf, e.marshal()...)
	}
	buf = append(buf, s.credentials.marshal()...)
	return buf
}

// parseSanctionsList unpacks a sanctions-list packet.
func parseSanctionsList(data []byte) (*sanctionsList, error) {
	if len(data) < 2+sanctionsCredentialsSize {
		return nil, fmt.Errorf("%w: sanctions list %d bytes", errMalformed, len(data))
	}
	count := int(binary.BigEndian.Uint16(data))
	if len(data) != 2+count*sanctionEntrySize+sanctionsCredentialsSize {
		return nil, fmt.Errorf("%w: sanctions list count %d size %d", errMalformed, count, len(data))
	}

	list := &sanctionsList{}
	pos := 2
	for i := 0; i < count; i++ {
		entry, err := parseSanctionEntry(data[pos : pos+sanctionEntrySize])
		if err != nil {
			return nil, err
		}
		list.entries = append(list.entries, entry)
		pos += sanctionEntrySize
	}

	creds, err := parseSanctionsCredentials(data[pos:])
	if err != nil {
		return nil, err
	}
	list.credentials = *creds
	return list, nil
}

// validate checks every entry signature, each sanctioner's current
// authority, and the credentials chain. isAuthority reports whether a
// sig-pk is the founder or a current moderator.
func (s *sanctionsList) validate(isAuthority func([32]byte) bool) error {
	// A group that has never sanctioned anyone carries empty,
	// unsigned credentials.
	if len(s.entries) == 0 && s.credentials.Version == 0 && s.credentials.SigPK == ([32]byte{}) {
		return nil
	}

	for _, e := range s.entries {
		if !isAuthority(e.Sanctioner) {
			return fmt.Errorf("%w: sanctioner not authoritative", errBadSignature)
		}
		if err := e.verify(); err != nil {
			return err
		}
	}

	if !isAuthority(s.credentials.SigPK) {
		return fmt.Errorf("%w: credentials modifier not authoritative", errBadSignature)
	}
	if s.credentials.Hash != s.computeHash(s.credentials.Version) {
		return errHashMismatch
	}
	return s.credentials.verify()
}

// supersedes decides whether incoming credentials replace current ones:
// greater version wins; an equal version falls back to lexicographic
// signature bytes.
func (c *sanctionsCredentials) supersedes(current *sanctionsCredentials) bool {
	if c.Version != current.Version {
		return c.Version > current.Version
	}
	return bytes.Compare(c.Signature[:], current.Signature[:]) > 0
}
