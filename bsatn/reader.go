package bsatn

import (
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// Reader decodes BSATN values from an immutable byte slice. ReadTag
// consumes and returns the next tag; every other Read method assumes the
// matching tag was already consumed and reads only the payload. Violating
// that ordering desynchronizes the stream, so decoders either call ReadTag
// and switch on it, or use ExpectTag when the shape is known.
type Reader struct {
	data []byte
	pos  int
}

// NewReader returns a reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Pos returns the current cursor position.
func (r *Reader) Pos() int {
	return r.pos
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, decodeErrorf(r.pos, "need %d bytes, have %d", n, len(r.data)-r.pos)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) takeByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, decodeErrorf(r.pos, "unexpected end of data")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *Reader) takeU32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) takeU64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ReadTag consumes and returns the next tag byte.
func (r *Reader) ReadTag() (byte, error) {
	return r.takeByte()
}

// ExpectTag consumes one tag and fails unless it matches want.
func (r *Reader) ExpectTag(want byte) error {
	at := r.pos
	tag, err := r.takeByte()
	if err != nil {
		return err
	}
	if tag != want {
		return decodeErrorf(at, "expected tag %s, got %s", TagName(want), TagName(tag))
	}
	return nil
}

// ReadBool maps a boolean tag to its value. Booleans carry no payload; the
// tag is the value.
func (r *Reader) ReadBool(tag byte) (bool, error) {
	switch tag {
	case TagBoolFalse:
		return false, nil
	case TagBoolTrue:
		return true, nil
	default:
		return false, decodeErrorf(r.pos, "invalid boolean tag %s", TagName(tag))
	}
}

// ReadU8 reads a uint8 payload.
func (r *Reader) ReadU8() (uint8, error) {
	return r.takeByte()
}

// ReadI8 reads an int8 payload.
func (r *Reader) ReadI8() (int8, error) {
	b, err := r.takeByte()
	return int8(b), err
}

// ReadU16 reads a little-endian uint16 payload.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadI16 reads a little-endian int16 payload.
func (r *Reader) ReadI16() (int16, error) {
	v, err := r.ReadU16()
	return int16(v), err
}

// ReadU32 reads a little-endian uint32 payload.
func (r *Reader) ReadU32() (uint32, error) {
	return r.takeU32()
}

// ReadI32 reads a little-endian int32 payload.
func (r *Reader) ReadI32() (int32, error) {
	v, err := r.takeU32()
	return int32(v), err
}

// ReadU64 reads a little-endian uint64 payload.
func (r *Reader) ReadU64() (uint64, error) {
	return r.takeU64()
}

// ReadI64 reads a little-endian int64 payload.
func (r *Reader) ReadI64() (int64, error) {
	v, err := r.takeU64()
	return int64(v), err
}

// ReadF32 reads a little-endian IEEE 754 float32 payload. NaN and
// infinities are rejected, matching the writer.
func (r *Reader) ReadF32() (float32, error) {
	at := r.pos
	bits, err := r.takeU32()
	if err != nil {
		return 0, err
	}
	v := math.Float32frombits(bits)
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, decodeErrorf(at, "invalid float32 value: %v", v)
	}
	return v, nil
}

// ReadF64 reads a little-endian IEEE 754 float64 payload. NaN and
// infinities are rejected, matching the writer.
func (r *Reader) ReadF64() (float64, error) {
	at := r.pos
	bits, err := r.takeU64()
	if err != nil {
		return 0, err
	}
	v := math.Float64frombits(bits)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, decodeErrorf(at, "invalid float64 value: %v", v)
	}
	return v, nil
}

// ReadString reads a u32-length-prefixed UTF-8 string payload.
func (r *Reader) ReadString() (string, error) {
	at := r.pos
	length, err := r.takeU32()
	if err != nil {
		return "", err
	}
	if length > MaxPayloadLen {
		return "", decodeErrorf(at, "string too large: %d bytes", length)
	}
	b, err := r.take(int(length))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", decodeErrorf(at, "string is not valid UTF-8")
	}
	return string(b), nil
}

// ReadBytes reads a u32-length-prefixed byte array payload. The returned
// slice aliases the reader's input.
func (r *Reader) ReadBytes() ([]byte, error) {
	at := r.pos
	length, err := r.takeU32()
	if err != nil {
		return nil, err
	}
	if length > MaxPayloadLen {
		return nil, decodeErrorf(at, "byte array too large: %d bytes", length)
	}
	return r.take(int(length))
}

// ReadU128 reads a 16-byte little-endian payload.
func (r *Reader) ReadU128() ([16]byte, error) {
	var v [16]byte
	b, err := r.take(16)
	if err != nil {
		return v, err
	}
	copy(v[:], b)
	return v, nil
}

// ReadI128 reads a 16-byte little-endian payload.
func (r *Reader) ReadI128() ([16]byte, error) {
	return r.ReadU128()
}

// ReadU256 reads a 32-byte little-endian payload.
func (r *Reader) ReadU256() ([32]byte, error) {
	var v [32]byte
	b, err := r.take(32)
	if err != nil {
		return v, err
	}
	copy(v[:], b)
	return v, nil
}

// ReadI256 reads a 32-byte little-endian payload.
func (r *Reader) ReadI256() ([32]byte, error) {
	return r.ReadU256()
}

func (r *Reader) readCount(what string) (int, error) {
	at := r.pos
	count, err := r.takeU32()
	if err != nil {
		return 0, err
	}
	// Every announced element occupies at least one byte, so a count beyond
	// the remaining buffer can never be satisfied.
	if int64(count) > int64(r.Remaining()) {
		return 0, decodeErrorf(at, "%s count %d exceeds remaining %d bytes", what, count, r.Remaining())
	}
	return int(count), nil
}

// ReadListHeader reads a list's element count.
func (r *Reader) ReadListHeader() (int, error) {
	return r.readCount("list")
}

// ReadArrayHeader reads an array's element count.
func (r *Reader) ReadArrayHeader() (int, error) {
	return r.readCount("array")
}

// ReadStructHeader reads a struct's field count.
func (r *Reader) ReadStructHeader() (int, error) {
	return r.readCount("struct field")
}

// ReadFieldName reads a u8-length-prefixed struct field name. Field names
// carry no tag.
func (r *Reader) ReadFieldName() (string, error) {
	at := r.pos
	length, err := r.takeByte()
	if err != nil {
		return "", err
	}
	b, err := r.take(int(length))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", decodeErrorf(at, "field name is not valid UTF-8")
	}
	return string(b), nil
}

// ReadEnumHeader reads an enum's variant index.
func (r *Reader) ReadEnumHeader() (uint32, error) {
	return r.takeU32()
}

// SkipValue consumes one complete tagged value, including nested struct,
// array, list, enum and option contents, dispatching purely on tags. It
// consumes exactly the bytes a full read of the value would have, leaving
// the reader positioned at the next independent value.
func (r *Reader) SkipValue() error {
	at := r.pos
	tag, err := r.takeByte()
	if err != nil {
		return err
	}
	switch tag {
	case TagBoolFalse, TagBoolTrue, TagOptionNone:
		return nil
	case TagU8, TagI8:
		_, err = r.take(1)
	case TagU16, TagI16:
		_, err = r.take(2)
	case TagU32, TagI32, TagF32:
		_, err = r.take(4)
	case TagU64, TagI64, TagF64:
		_, err = r.take(8)
	case TagU128, TagI128:
		_, err = r.take(16)
	case TagU256, TagI256:
		_, err = r.take(32)
	case TagString, TagBytes:
		var length uint32
		if length, err = r.takeU32(); err != nil {
			return err
		}
		_, err = r.take(int(length))
	case TagList, TagArray:
		var count int
		if count, err = r.readCount("list"); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			if err = r.SkipValue(); err != nil {
				return err
			}
		}
	case TagStruct:
		var count int
		if count, err = r.readCount("struct field"); err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			var nameLen byte
			if nameLen, err = r.takeByte(); err != nil {
				return err
			}
			if _, err = r.take(int(nameLen)); err != nil {
				return err
			}
			if err = r.SkipValue(); err != nil {
				return err
			}
		}
	case TagEnum:
		if _, err = r.takeU32(); err != nil {
			return err
		}
		err = r.SkipValue()
	case TagOptionSome:
		err = r.SkipValue()
	default:
		return decodeErrorf(at, "unknown tag %s", TagName(tag))
	}
	return err
}
