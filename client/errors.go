package client

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrConnectionLost fails every pending request and active subscription
	// when the connection drops or a malformed frame poisons the stream.
	ErrConnectionLost = errors.New("connection lost")

	// ErrUnknownMessageType is returned when a message outside the closed
	// client message set reaches the protocol encoder.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrNotConnected is returned when an operation needs a live socket.
	ErrNotConnected = errors.New("not connected")
)

// ValidationError reports every precondition violation found in
// caller-supplied input, not just the first. Nothing was sent.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// ErrorCategory classifies a server-reported error to decide retry
// eligibility.
type ErrorCategory int

const (
	CategoryOther ErrorCategory = iota
	CategoryParse
	CategoryTimeout
	CategoryPermission
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryParse:
		return "parse"
	case CategoryTimeout:
		return "timeout"
	case CategoryPermission:
		return "permission"
	default:
		return "other"
	}
}

// Retryable reports whether errors of this category may succeed on a
// resend. Parse and permission failures are terminal; timeouts and
// uncategorized errors are treated as transient.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case CategoryParse, CategoryPermission:
		return false
	default:
		return true
	}
}

// ClassifyError buckets a server's free-text error message. The server
// does not expose a structured error taxonomy, so this matches on the
// substrings its current messages use; treat the mapping as advisory
// rather than a stable contract.
func ClassifyError(message string) ErrorCategory {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "parse") || strings.Contains(m, "syntax"):
		return CategoryParse
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return CategoryTimeout
	case strings.Contains(m, "permission") || strings.Contains(m, "denied") || strings.Contains(m, "unauthorized"):
		return CategoryPermission
	default:
		return CategoryOther
	}
}

// ProtocolError wraps an explicit error payload returned by the server,
// carrying its category and, when the server included them, the ids of the
// request or query it applies to.
type ProtocolError struct {
	Category  ErrorCategory
	Message   string
	RequestID *uint32
	QueryID   *uint32
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server error (%s): %s", e.Category, e.Message)
}

// TimeoutError reports that no response arrived within the configured
// window. Unlike ProtocolError it carries no server payload.
type TimeoutError struct {
	RequestID uint32
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d timed out after %s", e.RequestID, e.After)
}
