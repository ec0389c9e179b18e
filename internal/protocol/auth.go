package protocol

import (
	"fmt"
)

// AuthMessageType is the sub-tag of an AUTH payload.
type AuthMessageType uint64

const (
	AuthToken            AuthMessageType = 0
	AuthPermissionDenied AuthMessageType = 1
	AuthAuthenticated    AuthMessageType = 2
)

// Scopes returned with AuthAuthenticated.
const (
	ScopeReadWrite = "read-write"
	ScopeReadOnly  = "readonly"
)

func (t AuthMessageType) String() string {
	switch t {
	case AuthToken:
		return "token"
	case AuthPermissionDenied:
		return "permission_denied"
	case AuthAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// NewAuthToken builds the client's AUTH frame.
func NewAuthToken(documentName, token string) []byte {
	return newAuth(documentName, AuthToken, token)
}

// NewAuthenticated tells the client it may use documentName with scope.
func NewAuthenticated(documentName, scope string) []byte {
	return newAuth(documentName, AuthAuthenticated, scope)
}

// NewPermissionDenied tells the client why access was refused.
func NewPermissionDenied(documentName, reason string) []byte {
	return newAuth(documentName, AuthPermissionDenied, reason)
}

func newAuth(documentName string, sub AuthMessageType, value string) []byte {
	return frame(documentName, MessageAuth, func(e *Encoder) {
		e.WriteVarUint(uint64(sub))
		e.WriteVarString(value)
	})
}

// DecodeAuth returns the sub-tag and string value of an AUTH payload.
func DecodeAuth(payload []byte) (AuthMessageType, string, error) {
	dec := NewDecoder(payload)

	sub, err := dec.ReadVarUint()
	if err != nil {
		return 0, "", fmt.Errorf("auth type: %w", err)
	}

	t := AuthMessageType(sub)
	if t > AuthAuthenticated {
		return 0, "", newProtocolError("decode auth", fmt.Errorf("%w: auth %d", ErrUnknownMessageType, sub))
	}

	value, err := dec.ReadVarString()
	if err != nil {
		return 0, "", fmt.Errorf("auth %s: %w", t, err)
	}
	return t, value, nil
}
