package protocol

import (
	"unicode/utf8"
)

/*
LEARNING: VARIABLE-LENGTH INTEGERS (LEB128)

Every number on the wire is an unsigned LEB128 varint:
  - 7 data bits per byte, least significant group first
  - high bit set = "another byte follows"

  300 = 0b1_0010_1100 → [0xAC 0x02]

Small numbers (message tags, short lengths) cost one byte, and the same
encoding is used by the Yjs family of clients, so frames stay interoperable.
*/

// maxVarintLen is the longest valid encoding of a uint64.
const maxVarintLen = 10

// Encoder appends varint-framed values to a growing buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with room for size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

// Bytes returns the encoded bytes. The slice aliases the encoder's buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteVarUint writes v as an unsigned LEB128 varint.
func (e *Encoder) WriteVarUint(v uint64) {
	for v >= 0x80 {
		e.buf = append(e.buf, byte(v)|0x80)
		v >>= 7
	}
	e.buf = append(e.buf, byte(v))
}

// WriteVarString writes a length-prefixed UTF-8 string.
func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteVarBytes writes a length-prefixed byte string.
func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteByte writes a single raw byte.
func (e *Encoder) WriteByte(b byte) error {
	e.buf = append(e.buf, b)
	return nil
}

// WriteRaw appends b without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Decoder reads varint-framed values from a byte slice. It never copies:
// byte strings returned by ReadVarBytes alias the input.
type Decoder struct {
	data []byte
	pos  int
}

// NewDecoder wraps data for reading.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{data: data}
}

// HasMore reports whether unread bytes remain.
func (d *Decoder) HasMore() bool {
	return d.pos < len(d.data)
}

// Remaining returns the unread tail of the input.
func (d *Decoder) Remaining() []byte {
	return d.data[d.pos:]
}

// Pos returns the read offset.
func (d *Decoder) Pos() int {
	return d.pos
}

// ReadVarUint reads an unsigned LEB128 varint.
func (d *Decoder) ReadVarUint() (uint64, error) {
	var v uint64
	var shift uint
	for i := 0; i < maxVarintLen; i++ {
		if d.pos >= len(d.data) {
			return 0, newProtocolError("read varint", ErrTruncated)
		}
		b := d.data[d.pos]
		d.pos++

		// the tenth byte may only carry the single remaining bit
		if i == maxVarintLen-1 && b > 1 {
			return 0, newProtocolError("read varint", ErrOverflow)
		}

		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
	}
	return 0, newProtocolError("read varint", ErrOverflow)
}

// ReadByte reads one raw byte.
func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, newProtocolError("read byte", ErrTruncated)
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

// ReadVarBytes reads a length-prefixed byte string.
func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.data)-d.pos) {
		return nil, newProtocolError("read bytes", ErrTruncated)
	}
	b := d.data[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

// ReadVarString reads a length-prefixed UTF-8 string.
func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", newProtocolError("read string", ErrInvalidUTF8)
	}
	return string(b), nil
}
