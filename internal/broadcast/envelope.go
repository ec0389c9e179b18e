package broadcast

import (
	"fmt"

	"docsync/internal/protocol"
)

// envelope wire format: varString(instanceID) varBytes(payload)
func encodeEnvelope(instanceID string, payload []byte) []byte {
	enc := protocol.NewEncoder(len(instanceID) + len(payload) + 4)
	enc.WriteVarString(instanceID)
	enc.WriteVarBytes(payload)
	return enc.Bytes()
}

func decodeEnvelope(data []byte) (string, []byte, error) {
	dec := protocol.NewDecoder(data)
	instanceID, err := dec.ReadVarString()
	if err != nil {
		return "", nil, fmt.Errorf("envelope instance: %w", err)
	}
	payload, err := dec.ReadVarBytes()
	if err != nil {
		return "", nil, fmt.Errorf("envelope payload: %w", err)
	}
	return instanceID, payload, nil
}
