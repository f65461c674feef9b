package bsatn

import "fmt"

// EncodingError reports an attempt to serialize an invalid or unsupported
// value. It is always local and synchronous; nothing reaches the wire.
type EncodingError struct {
	Msg string
}

func (e *EncodingError) Error() string {
	return "bsatn: encode: " + e.Msg
}

func encodeErrorf(format string, args ...any) *EncodingError {
	return &EncodingError{Msg: fmt.Sprintf(format, args...)}
}

// DecodingError reports malformed or truncated input: an exhausted buffer,
// a declared length overrunning the remaining bytes, invalid UTF-8, or an
// unknown tag. Offset is the cursor position at which the failure was
// detected. Callers must treat it as a protocol violation for the whole
// frame, not attempt partial recovery.
type DecodingError struct {
	Offset int
	Msg    string
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("bsatn: decode at offset %d: %s", e.Offset, e.Msg)
}

func decodeErrorf(offset int, format string, args ...any) *DecodingError {
	return &DecodingError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}
