package protocol

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestVarUintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 255, 300, 16383, 16384, 1 << 32, math.MaxUint64}

	enc := NewEncoder(0)
	for _, v := range values {
		enc.WriteVarUint(v)
	}

	dec := NewDecoder(enc.Bytes())
	for _, want := range values {
		got, err := dec.ReadVarUint()
		assert.Equal(t, err, nil)
		assert.Equal(t, got, want)
	}
	assert.Equal(t, dec.HasMore(), false)
}

func TestVarUintLayout(t *testing.T) {
	enc := NewEncoder(0)
	enc.WriteVarUint(300)
	assert.Equal(t, enc.Bytes(), []byte{0xac, 0x02})

	enc = NewEncoder(0)
	enc.WriteVarUint(math.MaxUint64)
	assert.Equal(t, enc.Len(), maxVarintLen)
}

func TestVarUintTruncated(t *testing.T) {
	_, err := NewDecoder([]byte{0x80, 0x80}).ReadVarUint()
	assert.Equal(t, errors.Is(err, ErrTruncated), true)
	assert.Equal(t, IsProtocolError(err), true)
}

func TestVarUintOverflow(t *testing.T) {
	data := bytes.Repeat([]byte{0xff}, maxVarintLen)
	_, err := NewDecoder(data).ReadVarUint()
	assert.Equal(t, errors.Is(err, ErrOverflow), true)

	// ten bytes where the last one carries more than the final bit
	data = append(bytes.Repeat([]byte{0x80}, maxVarintLen-1), 0x02)
	_, err = NewDecoder(data).ReadVarUint()
	assert.Equal(t, errors.Is(err, ErrOverflow), true)
}

func TestVarBytesTruncated(t *testing.T) {
	enc := NewEncoder(0)
	enc.WriteVarUint(10)
	enc.WriteRaw([]byte("short"))

	_, err := NewDecoder(enc.Bytes()).ReadVarBytes()
	assert.Equal(t, errors.Is(err, ErrTruncated), true)
}

func TestVarStringRejectsInvalidUTF8(t *testing.T) {
	enc := NewEncoder(0)
	enc.WriteVarBytes([]byte{0xff, 0xfe})

	_, err := NewDecoder(enc.Bytes()).ReadVarString()
	assert.Equal(t, errors.Is(err, ErrInvalidUTF8), true)
}

func TestMessageTypeTagsRoundTrip(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0xff}
	seen := map[MessageType]bool{}

	for _, mt := range MessageTypes {
		data := Encode(Message{DocumentName: "doc", Type: mt, Payload: payload})

		msg, err := Decode(data)
		assert.Equal(t, err, nil)
		assert.Equal(t, msg.Type, mt)
		assert.Equal(t, msg.DocumentName, "doc")
		assert.Equal(t, msg.Payload, payload)

		assert.Equal(t, seen[mt], false)
		seen[mt] = true
	}
}

func TestDecodeUnknownType(t *testing.T) {
	data := Encode(Message{DocumentName: "doc", Type: MessageType(99)})

	_, err := Decode(data)
	assert.Equal(t, errors.Is(err, ErrUnknownMessageType), true)
	assert.Equal(t, IsProtocolError(err), true)
}

func TestDecodeTruncatedFrames(t *testing.T) {
	full := NewUpdate("document-name", []byte{1, 2, 3})

	// every strict prefix that cuts the header must fail
	header := len("document-name") + 2
	for i := 0; i < header; i++ {
		_, err := Decode(full[:i])
		assert.NotEqual(t, err, nil)
		assert.Equal(t, IsProtocolError(err), true)
	}
}

func TestPayloadPassthrough(t *testing.T) {
	update := []byte{0x00, 0x80, 0x7f, 0x10}
	data := NewUpdate("doc", update)

	msg, err := Decode(data)
	assert.Equal(t, err, nil)

	// the payload is a view into the frame, not a copy
	assert.Equal(t, &msg.Payload[0] == &data[len(data)-len(msg.Payload)], true)

	sub, body, err := DecodeSync(msg.Payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, sub, SyncUpdate)
	assert.Equal(t, body, update)
}

func TestSyncMessages(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		sub   SyncMessageType
		body  []byte
	}{
		{"step1", NewSyncStep1("a", []byte{1}), SyncStep1, []byte{1}},
		{"step2", NewSyncStep2("a", []byte{2, 2}), SyncStep2, []byte{2, 2}},
		{"update", NewUpdate("a", []byte{3}), SyncUpdate, []byte{3}},
		{"reply", NewSyncReply("a", []byte{4}), SyncStep2, []byte{4}},
		{"empty", NewUpdate("a", []byte{}), SyncUpdate, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode(tt.frame)
			assert.Equal(t, err, nil)
			assert.Equal(t, msg.Type == MessageSync || msg.Type == MessageSyncReply, true)

			sub, body, err := DecodeSync(msg.Payload)
			assert.Equal(t, err, nil)
			assert.Equal(t, sub, tt.sub)
			assert.Equal(t, body, tt.body)
		})
	}
}

func TestDecodeSyncMalformed(t *testing.T) {
	_, _, err := DecodeSync([]byte{7, 0})
	assert.Equal(t, errors.Is(err, ErrUnknownMessageType), true)

	_, _, err = DecodeSync([]byte{0, 5, 1})
	assert.Equal(t, errors.Is(err, ErrTruncated), true)

	_, _, err = DecodeSync(nil)
	assert.Equal(t, errors.Is(err, ErrTruncated), true)
}

func TestSyncStatus(t *testing.T) {
	for _, applied := range []bool{true, false} {
		msg, err := Decode(NewSyncStatus("a", applied))
		assert.Equal(t, err, nil)
		assert.Equal(t, msg.Type, MessageSyncStatus)

		got, err := DecodeSyncStatus(msg.Payload)
		assert.Equal(t, err, nil)
		assert.Equal(t, got, applied)
	}
}

func TestAuthMessages(t *testing.T) {
	frames := map[AuthMessageType][]byte{
		AuthToken:            NewAuthToken("a", "secret"),
		AuthPermissionDenied: NewPermissionDenied("a", "secret"),
		AuthAuthenticated:    NewAuthenticated("a", "secret"),
	}

	for want, data := range frames {
		msg, err := Decode(data)
		assert.Equal(t, err, nil)
		assert.Equal(t, msg.Type, MessageAuth)

		sub, value, err := DecodeAuth(msg.Payload)
		assert.Equal(t, err, nil)
		assert.Equal(t, sub, want)
		assert.Equal(t, value, "secret")
	}
}

func TestAwarenessAndStateless(t *testing.T) {
	msg, err := Decode(NewAwareness("a", []byte{9, 9}))
	assert.Equal(t, err, nil)
	update, err := DecodeAwareness(msg.Payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, update, []byte{9, 9})

	msg, err = Decode(NewQueryAwareness("a"))
	assert.Equal(t, err, nil)
	assert.Equal(t, msg.Type, MessageQueryAwareness)
	assert.Equal(t, len(msg.Payload), 0)

	msg, err = Decode(NewBroadcastStateless("a", `{"ping":true}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, msg.Type, MessageBroadcastStateless)
	s, err := DecodeStateless(msg.Payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, s, `{"ping":true}`)
}

func TestCloseMessage(t *testing.T) {
	msg, err := Decode(NewClose("a", CloseForbidden, "nope"))
	assert.Equal(t, err, nil)

	code, reason, err := DecodeClose(msg.Payload)
	assert.Equal(t, err, nil)
	assert.Equal(t, code, CloseForbidden)
	assert.Equal(t, reason, "nope")

	code, _, err = DecodeClose(nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, code, CloseNormal)
}
