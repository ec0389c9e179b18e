// Package protocol implements the binary wire format spoken between
// collaboration clients and the server.
//
// Every frame is
//
//	varString(documentName) varUint(messageType) payload...
//
// so one socket can carry any number of documents. The payload is never
// interpreted here beyond the sub-tag needed to route it; CRDT updates and
// awareness blobs are handed through byte-for-byte.
package protocol

import (
	"fmt"
)

// MessageType is the frame tag. The integer values are a stable interop
// contract shared with Hocuspocus-compatible clients and must not change.
type MessageType uint64

const (
	MessageSync               MessageType = 0
	MessageAwareness          MessageType = 1
	MessageAuth               MessageType = 2
	MessageQueryAwareness     MessageType = 3
	MessageSyncReply          MessageType = 4 // a SYNC payload sent in reply, decoded like MessageSync
	MessageStateless          MessageType = 5
	MessageBroadcastStateless MessageType = 6
	MessageClose              MessageType = 7
	MessageSyncStatus         MessageType = 8
)

// MessageTypes lists every tag in wire order.
var MessageTypes = []MessageType{
	MessageSync,
	MessageAwareness,
	MessageAuth,
	MessageQueryAwareness,
	MessageSyncReply,
	MessageStateless,
	MessageBroadcastStateless,
	MessageClose,
	MessageSyncStatus,
}

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAuth:
		return "auth"
	case MessageQueryAwareness:
		return "query_awareness"
	case MessageSyncReply:
		return "sync_reply"
	case MessageStateless:
		return "stateless"
	case MessageBroadcastStateless:
		return "broadcast_stateless"
	case MessageClose:
		return "close"
	case MessageSyncStatus:
		return "sync_status"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// Valid reports whether t is part of the wire contract.
func (t MessageType) Valid() bool {
	return t <= MessageSyncStatus
}

// Message is one decoded frame.
type Message struct {
	DocumentName string
	Type         MessageType
	Payload      []byte
}

// Encode serializes m into a frame. The payload is appended unmodified.
func Encode(m Message) []byte {
	enc := NewEncoder(len(m.DocumentName) + len(m.Payload) + 8)
	enc.WriteVarString(m.DocumentName)
	enc.WriteVarUint(uint64(m.Type))
	enc.WriteRaw(m.Payload)
	return enc.Bytes()
}

// Decode parses a frame header and returns the payload as a sub-slice of data.
func Decode(data []byte) (Message, error) {
	dec := NewDecoder(data)

	name, err := dec.ReadVarString()
	if err != nil {
		return Message{}, fmt.Errorf("document name: %w", err)
	}

	tag, err := dec.ReadVarUint()
	if err != nil {
		return Message{}, fmt.Errorf("message type: %w", err)
	}

	t := MessageType(tag)
	if !t.Valid() {
		return Message{}, newProtocolError("decode", fmt.Errorf("%w: %d", ErrUnknownMessageType, tag))
	}

	return Message{
		DocumentName: name,
		Type:         t,
		Payload:      dec.Remaining(),
	}, nil
}

// frame builds a message whose payload is produced by fill.
func frame(documentName string, t MessageType, fill func(e *Encoder)) []byte {
	enc := NewEncoder(len(documentName) + 32)
	enc.WriteVarString(documentName)
	enc.WriteVarUint(uint64(t))
	if fill != nil {
		fill(enc)
	}
	return enc.Bytes()
}
