package bsatn

import (
	"bytes"
	"encoding/binary"
	"math"
	"unicode/utf8"
)

// Writer builds a BSATN-encoded byte sequence. Writes are append-only and
// every method emits the value's tag followed by its payload, except the
// header and field-name methods, which emit exactly the header bytes and
// rely on the caller to supply the announced elements in order.
//
// The writer records the first error it encounters and ignores every write
// after that, so a failed sequence can never leak partially written values
// onto the wire. Callers check Err or use Bytes, which refuses to return a
// poisoned buffer.
type Writer struct {
	buf bytes.Buffer
	err error
}

// NewWriter returns an empty writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Err returns the first error recorded by a write, or nil.
func (w *Writer) Err() error {
	return w.err
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Bytes returns the encoded buffer. It fails if any write failed.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// WriteTag appends a raw tag byte.
func (w *Writer) WriteTag(tag byte) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(tag)
}

func (w *Writer) writeU32Raw(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) writeU64Raw(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteBool writes a boolean as one of the two boolean tags. There is no
// payload; the tag is the value.
func (w *Writer) WriteBool(v bool) {
	if w.err != nil {
		return
	}
	if v {
		w.buf.WriteByte(TagBoolTrue)
	} else {
		w.buf.WriteByte(TagBoolFalse)
	}
}

// WriteU8 writes a tagged uint8.
func (w *Writer) WriteU8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagU8)
	w.buf.WriteByte(v)
}

// WriteI8 writes a tagged int8.
func (w *Writer) WriteI8(v int8) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagI8)
	w.buf.WriteByte(byte(v))
}

// WriteU16 writes a tagged little-endian uint16.
func (w *Writer) WriteU16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagU16)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

// WriteI16 writes a tagged little-endian int16.
func (w *Writer) WriteI16(v int16) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagI16)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(v))
	w.buf.Write(b[:])
}

// WriteU32 writes a tagged little-endian uint32.
func (w *Writer) WriteU32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagU32)
	w.writeU32Raw(v)
}

// WriteI32 writes a tagged little-endian int32.
func (w *Writer) WriteI32(v int32) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagI32)
	w.writeU32Raw(uint32(v))
}

// WriteU64 writes a tagged little-endian uint64.
func (w *Writer) WriteU64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagU64)
	w.writeU64Raw(v)
}

// WriteI64 writes a tagged little-endian int64.
func (w *Writer) WriteI64(v int64) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagI64)
	w.writeU64Raw(uint64(v))
}

// WriteF32 writes a tagged little-endian IEEE 754 float32. NaN and
// infinities are not representable in the format.
func (w *Writer) WriteF32(v float32) {
	if w.err != nil {
		return
	}
	f := float64(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		w.fail(encodeErrorf("invalid float32 value: %v", v))
		return
	}
	w.buf.WriteByte(TagF32)
	w.writeU32Raw(math.Float32bits(v))
}

// WriteF64 writes a tagged little-endian IEEE 754 float64. NaN and
// infinities are not representable in the format.
func (w *Writer) WriteF64(v float64) {
	if w.err != nil {
		return
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		w.fail(encodeErrorf("invalid float64 value: %v", v))
		return
	}
	w.buf.WriteByte(TagF64)
	w.writeU64Raw(math.Float64bits(v))
}

// WriteString writes a tagged, u32-length-prefixed UTF-8 string.
func (w *Writer) WriteString(v string) {
	if w.err != nil {
		return
	}
	if !utf8.ValidString(v) {
		w.fail(encodeErrorf("string is not valid UTF-8"))
		return
	}
	if len(v) > MaxPayloadLen {
		w.fail(encodeErrorf("string too large: %d bytes", len(v)))
		return
	}
	w.buf.WriteByte(TagString)
	w.writeU32Raw(uint32(len(v)))
	w.buf.WriteString(v)
}

// WriteBytes writes a tagged, u32-length-prefixed byte array.
func (w *Writer) WriteBytes(v []byte) {
	if w.err != nil {
		return
	}
	if len(v) > MaxPayloadLen {
		w.fail(encodeErrorf("byte array too large: %d bytes", len(v)))
		return
	}
	w.buf.WriteByte(TagBytes)
	w.writeU32Raw(uint32(len(v)))
	w.buf.Write(v)
}

// WriteU128 writes a tagged 16-byte little-endian unsigned integer.
func (w *Writer) WriteU128(v [16]byte) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagU128)
	w.buf.Write(v[:])
}

// WriteI128 writes a tagged 16-byte little-endian signed integer.
func (w *Writer) WriteI128(v [16]byte) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagI128)
	w.buf.Write(v[:])
}

// WriteU256 writes a tagged 32-byte little-endian unsigned integer.
func (w *Writer) WriteU256(v [32]byte) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagU256)
	w.buf.Write(v[:])
}

// WriteI256 writes a tagged 32-byte little-endian signed integer.
func (w *Writer) WriteI256(v [32]byte) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagI256)
	w.buf.Write(v[:])
}

// WriteOptionNone writes an absent optional value.
func (w *Writer) WriteOptionNone() {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagOptionNone)
}

// WriteOptionSomeTag writes the present-optional tag. The caller must
// follow it with exactly one tagged value.
func (w *Writer) WriteOptionSomeTag() {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagOptionSome)
}

func (w *Writer) writeCountHeader(tag byte, count int, what string) {
	if w.err != nil {
		return
	}
	if count < 0 || count > math.MaxUint32 {
		w.fail(encodeErrorf("%s count %d out of range", what, count))
		return
	}
	w.buf.WriteByte(tag)
	w.writeU32Raw(uint32(count))
}

// WriteListHeader writes the list tag and element count. The caller must
// follow it with count tagged values of any mix of types.
func (w *Writer) WriteListHeader(count int) {
	w.writeCountHeader(TagList, count, "list")
}

// WriteArrayHeader writes the array tag and element count. The caller must
// follow it with count tagged values of one type.
func (w *Writer) WriteArrayHeader(count int) {
	w.writeCountHeader(TagArray, count, "array")
}

// WriteStructHeader writes the struct tag and field count. The caller must
// follow it with count field-name/tagged-value pairs, in the exact order
// intended; the format preserves field order.
func (w *Writer) WriteStructHeader(fieldCount int) {
	w.writeCountHeader(TagStruct, fieldCount, "struct field")
}

// WriteFieldName writes a u8-length-prefixed struct field name. Field names
// carry no tag.
func (w *Writer) WriteFieldName(name string) {
	if w.err != nil {
		return
	}
	if !utf8.ValidString(name) {
		w.fail(encodeErrorf("field name is not valid UTF-8"))
		return
	}
	if len(name) > MaxFieldNameLen {
		w.fail(encodeErrorf("field name too long: %d bytes, max %d", len(name), MaxFieldNameLen))
		return
	}
	w.buf.WriteByte(byte(len(name)))
	w.buf.WriteString(name)
}

// WriteEnumHeader writes the enum tag and variant index. The caller must
// follow it with the variant's payload as one tagged value.
func (w *Writer) WriteEnumHeader(variant uint32) {
	if w.err != nil {
		return
	}
	w.buf.WriteByte(TagEnum)
	w.writeU32Raw(variant)
}
