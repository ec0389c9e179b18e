package protocol

import (
	"fmt"
)

// NewAwareness wraps an encoded awareness update in an AWARENESS frame.
func NewAwareness(documentName string, update []byte) []byte {
	return frame(documentName, MessageAwareness, func(e *Encoder) {
		e.WriteVarBytes(update)
	})
}

// DecodeAwareness returns the awareness update carried by an AWARENESS payload.
func DecodeAwareness(payload []byte) ([]byte, error) {
	update, err := NewDecoder(payload).ReadVarBytes()
	if err != nil {
		return nil, fmt.Errorf("awareness: %w", err)
	}
	return update, nil
}

// NewQueryAwareness asks the peer for its whole awareness table.
func NewQueryAwareness(documentName string) []byte {
	return frame(documentName, MessageQueryAwareness, nil)
}
