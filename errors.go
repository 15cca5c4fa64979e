// Package occtrans is the root of the OCC transaction engine: see
// SPEC_FULL.md for the full component map.
package occtrans

import (
	"errors"
	"fmt"
)

// Kind categorizes an Error per spec.md §7.
type Kind string

const (
	// KindTransport: post/poll failure on a transport connection,
	// fatal to that connection.
	KindTransport Kind = "transport"
	// KindNegotiation: descriptor exchange malformed, fatal to that
	// peer.
	KindNegotiation Kind = "negotiation"
	// KindProtocol: mismatched cid on a reply frame, reply fan-in
	// overflow, rwset index out of range — fatal, carries context.
	KindProtocol Kind = "protocol"
)

// Error is a structured occtrans error with enough context to diagnose
// which connection, transaction, or record it concerns.
type Error struct {
	Op     string // operation that failed, e.g. "post_batch", "recv_info"
	Kind   Kind
	PartID uint32 // 0 if not applicable
	Tid    uint32 // 0 if not applicable
	Cid    uint32 // 0 if not applicable
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	parts = append(parts, fmt.Sprintf("kind=%s", e.Kind))
	if e.PartID != 0 {
		parts = append(parts, fmt.Sprintf("part=%d", e.PartID))
	}
	if e.Tid != 0 {
		parts = append(parts, fmt.Sprintf("tid=%d", e.Tid))
	}
	if e.Cid != 0 {
		parts = append(parts, fmt.Sprintf("cid=%d", e.Cid))
	}
	msg := e.Msg
	if msg == "" && e.Inner != nil {
		msg = e.Inner.Error()
	}
	return fmt.Sprintf("occtrans: %s (%s)", msg, joinParts(parts))
}

func joinParts(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is provides Kind-based matching for errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// ErrNotFound is the sentinel returned by store lookups where presence
// was not guaranteed; it is not a fatal Error — callers that expected a
// row treat it as a logical condition, not a crash.
var ErrNotFound = errors.New("occtrans: key not found")

// NewError builds a structured Error.
func NewError(kind Kind, op, msg string, inner error) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg, Inner: inner}
}
