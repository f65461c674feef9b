// Package bsatn implements the Binary SpacetimeDB Algebraic Type Notation
// wire format: a tag-prefixed, self-describing binary serialization used for
// all non-JSON protocol payloads. Every value starts with a one-byte type
// tag; numeric payloads are fixed-width little-endian, variable-width
// payloads are length-prefixed.
//
// The byte layout is a frozen wire format shared with other SpacetimeDB
// client implementations, not an internal detail of this package.
package bsatn

import "fmt"

// Type tags. Values are part of the wire format and must not change.
const (
	TagBoolFalse  byte = 0x01
	TagBoolTrue   byte = 0x02
	TagU8         byte = 0x03
	TagI8         byte = 0x04
	TagU16        byte = 0x05
	TagI16        byte = 0x06
	TagU32        byte = 0x07
	TagI32        byte = 0x08
	TagU64        byte = 0x09
	TagI64        byte = 0x0A
	TagF32        byte = 0x0B
	TagF64        byte = 0x0C
	TagString     byte = 0x0D // u32 length + UTF-8 bytes
	TagBytes      byte = 0x0E // u32 length + raw bytes
	TagList       byte = 0x0F // u32 count + heterogeneous tagged values
	TagOptionNone byte = 0x10
	TagOptionSome byte = 0x11 // one tagged value follows
	TagStruct     byte = 0x12 // u32 field count + (u8-length name, tagged value) pairs
	TagEnum       byte = 0x13 // u32 variant index + tagged payload
	TagArray      byte = 0x14 // u32 count + homogeneous tagged values
	TagU128       byte = 0x15 // 16 bytes little-endian
	TagI128       byte = 0x16 // 16 bytes little-endian
	TagU256       byte = 0x17 // 32 bytes little-endian
	TagI256       byte = 0x18 // 32 bytes little-endian
)

// MaxPayloadLen caps string and byte-array payloads in both directions.
const MaxPayloadLen = 1024 * 1024

// MaxFieldNameLen caps struct field names, which carry a u8 length prefix.
const MaxFieldNameLen = 255

var tagNames = map[byte]string{
	TagBoolFalse:  "BoolFalse",
	TagBoolTrue:   "BoolTrue",
	TagU8:         "U8",
	TagI8:         "I8",
	TagU16:        "U16",
	TagI16:        "I16",
	TagU32:        "U32",
	TagI32:        "I32",
	TagU64:        "U64",
	TagI64:        "I64",
	TagF32:        "F32",
	TagF64:        "F64",
	TagString:     "String",
	TagBytes:      "Bytes",
	TagList:       "List",
	TagOptionNone: "OptionNone",
	TagOptionSome: "OptionSome",
	TagStruct:     "Struct",
	TagEnum:       "Enum",
	TagArray:      "Array",
	TagU128:       "U128",
	TagI128:       "I128",
	TagU256:       "U256",
	TagI256:       "I256",
}

// TagName returns a readable name for a tag byte, for error messages and logs.
func TagName(tag byte) string {
	if name, ok := tagNames[tag]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", tag)
}

// ValidTag reports whether tag is part of the format.
func ValidTag(tag byte) bool {
	_, ok := tagNames[tag]
	return ok
}
