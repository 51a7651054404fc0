package alpine

import "fmt"

// Kind classifies an Error into the four-way taxonomy from the protocol
// design: malformed/illegal protocol use, authentication failure, transport
// failure, and illegal session-state use.
type Kind int

const (
	// KindProtocol covers malformed messages, unsupported versions, and
	// transitions attempted out of order.
	KindProtocol Kind = iota
	// KindAuthentication covers MAC mismatches, bad signatures, and
	// rejected peer identities.
	KindAuthentication
	// KindTransport covers timeouts, socket errors, and retransmission
	// exhaustion.
	KindTransport
	// KindState covers illegal session transitions and profile changes
	// attempted after the profile lock engages.
	KindState
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindTransport:
		return "transport"
	case KindState:
		return "state"
	default:
		return "unknown"
	}
}

// Code is one of the stable boundary codes surfaced to API consumers:
// HANDSHAKE_TIMEOUT, AUTH_FAILED, REPLAY_DETECTED, PROFILE_LOCKED,
// NOT_READY, STREAMING_DISABLED, TRANSPORT. A zero Code means the error
// doesn't correspond to one of the named boundary conditions.
type Code string

const (
	CodeHandshakeTimeout  Code = "HANDSHAKE_TIMEOUT"
	CodeAuthFailed        Code = "AUTH_FAILED"
	CodeReplayDetected    Code = "REPLAY_DETECTED"
	CodeProfileLocked     Code = "PROFILE_LOCKED"
	CodeNotReady          Code = "NOT_READY"
	CodeStreamingDisabled Code = "STREAMING_DISABLED"
	CodeTransport         Code = "TRANSPORT"
)

// Error is the error type surfaced by every ALPINE component. Op names the
// failing operation (e.g. "session.mark_streaming") so logs and callers can
// disambiguate without parsing the message string.
type Error struct {
	Kind Kind
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("alpine: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("alpine: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a sentinel *Error with the same Code, so
// callers can write errors.Is(err, alpine.ErrNotReady). Errors without a
// Code never match a sentinel by Kind alone — KindState covers both
// ErrProfileLocked and ErrNotReady and they must stay distinguishable.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Code == "" {
		return false
	}
	return e.Code == t.Code
}

func newErr(kind Kind, code Code, op string, err error) *Error {
	return &Error{Kind: kind, Code: code, Op: op, Err: err}
}

// Sentinel errors for the boundary codes. Compare with errors.Is.
var (
	ErrHandshakeTimeout  = &Error{Kind: KindTransport, Code: CodeHandshakeTimeout}
	ErrAuthFailed        = &Error{Kind: KindAuthentication, Code: CodeAuthFailed}
	ErrReplayDetected    = &Error{Kind: KindAuthentication, Code: CodeReplayDetected}
	ErrProfileLocked     = &Error{Kind: KindState, Code: CodeProfileLocked}
	ErrNotReady          = &Error{Kind: KindState, Code: CodeNotReady}
	ErrStreamingDisabled = &Error{Kind: KindState, Code: CodeStreamingDisabled}
	ErrTransport         = &Error{Kind: KindTransport, Code: CodeTransport}
)
