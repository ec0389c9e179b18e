package protocol

import (
	"fmt"
)

// NewStateless builds a STATELESS frame.
func NewStateless(documentName, payload string) []byte {
	return newStateless(documentName, MessageStateless, payload)
}

// NewBroadcastStateless builds a BROADCAST_STATELESS frame.
func NewBroadcastStateless(documentName, payload string) []byte {
	return newStateless(documentName, MessageBroadcastStateless, payload)
}

func newStateless(documentName string, t MessageType, payload string) []byte {
	return frame(documentName, t, func(e *Encoder) {
		e.WriteVarString(payload)
	})
}

// DecodeStateless reads the string carried by STATELESS and BROADCAST_STATELESS.
func DecodeStateless(payload []byte) (string, error) {
	s, err := NewDecoder(payload).ReadVarString()
	if err != nil {
		return "", fmt.Errorf("stateless: %w", err)
	}
	return s, nil
}

// Close codes sent with MessageClose.
const (
	CloseNormal          uint64 = 1000
	CloseResetConnection uint64 = 4205
	CloseUnauthorized    uint64 = 4401
	CloseForbidden       uint64 = 4403
)

// NewClose builds a CLOSE frame for one document.
func NewClose(documentName string, code uint64, reason string) []byte {
	return frame(documentName, MessageClose, func(e *Encoder) {
		e.WriteVarUint(code)
		e.WriteVarString(reason)
	})
}

// DecodeClose reads a CLOSE payload. An empty payload is a normal close.
func DecodeClose(payload []byte) (uint64, string, error) {
	if len(payload) == 0 {
		return CloseNormal, "", nil
	}
	dec := NewDecoder(payload)
	code, err := dec.ReadVarUint()
	if err != nil {
		return 0, "", fmt.Errorf("close code: %w", err)
	}
	if !dec.HasMore() {
		return code, "", nil
	}
	reason, err := dec.ReadVarString()
	if err != nil {
		return 0, "", fmt.Errorf("close reason: %w", err)
	}
	return code, reason, nil
}
