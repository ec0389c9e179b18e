package protocol

import (
	"fmt"
)

// SyncMessageType is the sub-tag carried at the start of a SYNC payload.
type SyncMessageType uint64

const (
	// SyncStep1 carries the sender's state vector.
	SyncStep1 SyncMessageType = 0
	// SyncStep2 carries the diff answering a state vector.
	SyncStep2 SyncMessageType = 1
	// SyncUpdate carries an incremental update.
	SyncUpdate SyncMessageType = 2
)

func (t SyncMessageType) String() string {
	switch t {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// NewSyncStep1 builds a SYNC frame announcing stateVector.
func NewSyncStep1(documentName string, stateVector []byte) []byte {
	return newSync(documentName, MessageSync, SyncStep1, stateVector)
}

// NewSyncStep2 builds a SYNC frame carrying diff.
func NewSyncStep2(documentName string, diff []byte) []byte {
	return newSync(documentName, MessageSync, SyncStep2, diff)
}

// NewSyncReply builds the SyncStep2 a server sends in answer to SyncStep1.
// Clients treat it exactly like a SYNC frame.
func NewSyncReply(documentName string, diff []byte) []byte {
	return newSync(documentName, MessageSyncReply, SyncStep2, diff)
}

// NewUpdate builds a SYNC frame carrying an incremental update.
func NewUpdate(documentName string, update []byte) []byte {
	return newSync(documentName, MessageSync, SyncUpdate, update)
}

func newSync(documentName string, t MessageType, sub SyncMessageType, data []byte) []byte {
	return frame(documentName, t, func(e *Encoder) {
		e.WriteVarUint(uint64(sub))
		e.WriteVarBytes(data)
	})
}

// DecodeSync splits a SYNC payload into its sub-tag and opaque body.
func DecodeSync(payload []byte) (SyncMessageType, []byte, error) {
	dec := NewDecoder(payload)

	sub, err := dec.ReadVarUint()
	if err != nil {
		return 0, nil, fmt.Errorf("sync type: %w", err)
	}

	t := SyncMessageType(sub)
	if t > SyncUpdate {
		return 0, nil, newProtocolError("decode sync", fmt.Errorf("%w: sync %d", ErrUnknownMessageType, sub))
	}

	data, err := dec.ReadVarBytes()
	if err != nil {
		return 0, nil, fmt.Errorf("sync %s: %w", t, err)
	}
	return t, data, nil
}

// NewSyncStatus builds a SYNC_STATUS frame acknowledging (or rejecting) the
// last update received from the peer.
func NewSyncStatus(documentName string, applied bool) []byte {
	return frame(documentName, MessageSyncStatus, func(e *Encoder) {
		if applied {
			e.WriteVarUint(1)
		} else {
			e.WriteVarUint(0)
		}
	})
}

// DecodeSyncStatus reads a SYNC_STATUS payload.
func DecodeSyncStatus(payload []byte) (bool, error) {
	v, err := NewDecoder(payload).ReadVarUint()
	if err != nil {
		return false, fmt.Errorf("sync status: %w", err)
	}
	return v == 1, nil
}
