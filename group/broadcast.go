package group

import (
	"encoding/binary"
	"fmt"
)

// broadcastEnvelope is the decoded frame of a packetBroadcast payload:
// { subtype:1, ts:8, payload }.
type broadcastEnvelope struct {
	Subtype   broadcastType
	Timestamp uint64
	Payload   []byte
}

// marshalBroadcast packs a broadcast envelope.
func marshalBroadcast(subtype broadcastType, timestamp uint64, payload []byte) []byte {
	buf := make([]byte, 9+len(payload))
	buf[0] = byte(subtype)
	binary.BigEndian.PutUint64(buf[1:], timestamp)
	copy(buf[9:], payload)
	return buf
}

// parseBroadcast unpacks a broadcast envelope.
func parseBroadcast(data []byte) (*broadcastEnvelope, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("%w: broadcast %d bytes", errMalformed, len(data))
	}
	return &broadcastEnvelope{
		Subtype:   broadcastType(data[0]),
		Timestamp: binary.BigEndian.Uint64(data[1:]),
		Payload:   data[9:],
	}, nil
}

// setModPayload packs a SET_MOD broadcast: flag ‖ target_sig_pk.
func setModPayload(flag byte, targetSigPK [32]byte) []byte {
	buf := make([]byte, 33)
	buf[0] = flag
	copy(buf[1:], targetSigPK[:])
	return buf
}

// parseSetMod unpacks a SET_MOD broadcast payload.
func parseSetMod(data []byte) (flag byte, targetSigPK [32]byte, err error) {
	if len(data) != 33 {
		return 0, targetSigPK, fmt.Errorf("%w: set-mod %d bytes", errMalformed, len(data))
	}
	copy(targetSigPK[:], data[1:])
	return data[0], targetSigPK, nil
}

// setObserverPayload packs a SET_OBSERVER broadcast:
// flag ‖ target_enc_pk ‖ target_sig_pk ‖ [entry:137 if set] ‖ credentials:132.
func setObserverPayload(flag byte, targetEncPK, targetSigPK [32]byte,
	entry *SanctionEntry, creds *sanctionsCredentials,
) []byte {
	buf := make([]byte, 0, 65+sanctionEntrySize+sanctionsCredentialsSize)
	buf = append(buf, flag)
	buf = append(buf, targetEncPK[:]...)
	buf = append(buf, targetSigPK[:]...)
	if entry != nil {
		buf = append(buf, entry.marshal()...)
	}
	buf = append(buf, creds.marshal()...)
	return buf
}

// setObserverData is a decoded SET_OBSERVER broadcast.
type setObserverData struct {
	Flag        byte
	TargetEncPK [32]byte
	TargetSigPK [32]byte
	Entry       *SanctionEntry // nil when the flag clears the sanction
	Credentials *sanctionsCredentials
}

// parseSetObserver unpacks a SET_OBSERVER broadcast payload.
func parseSetObserver(data []byte) (*setObserverData, error) {
	if len(data) < 65+sanctionsCredentialsSize {
		return nil, fmt.Errorf("%w: set-observer %d bytes", errMalformed, len(data))
	}

	d := &setObserverData{Flag: data[0]}
	copy(d.TargetEncPK[:], data[1:])
	copy(d.TargetSigPK[:], data[33:])
	pos := 65

	if d.Flag == observerFlagSet {
		if len(data) != 65+sanctionEntrySize+sanctionsCredentialsSize {
			return nil, fmt.Errorf("%w: set-observer %d bytes", errMalformed, len(data))
		}
		entry, err := parseSanctionEntry(data[pos : pos+sanctionEntrySize])
		if err != nil {
			return nil, err
		}
		d.Entry = entry
		pos += sanctionEntrySize
	} else if len(data) != 65+sanctionsCredentialsSize {
		return nil, fmt.Errorf("%w: set-observer %d bytes", errMalformed, len(data))
	}

	creds, err := parseSanctionsCredentials(data[pos:])
	if err != nil {
		return nil, err
	}
	d.Credentials = creds
	return d, nil
}

// privateMessagePayload packs a PRIVATE_MESSAGE broadcast:
// msg_type ‖ message.
func privateMessagePayload(kind MessageType, message []byte) []byte {
	buf := make([]byte, 1+len(message))
	buf[0] = byte(kind)
	copy(buf[1:], message)
	return buf
}

// parsePrivateMessage unpacks a PRIVATE_MESSAGE broadcast payload.
func parsePrivateMessage(data []byte) (MessageType, []byte, error) {
	if len(data) < 2 {
		return 0, nil, fmt.Errorf("%w: private message %d bytes", errMalformed, len(data))
	}
	kind := MessageType(data[0])
	if !kind.valid() {
		return 0, nil, fmt.Errorf("%w: message type %d", errMalformed, data[0])
	}
	return kind, data[1:], nil
}
