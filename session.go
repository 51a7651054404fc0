package alpine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/y-link-dmx/alpine/internal/cryptocap"
)

// SessionKeys is the symmetric material derived from a completed
// handshake key agreement; the alpine package never handles raw key bytes
// directly, only this capability-bearing value.
type SessionKeys = cryptocap.SessionKeys

// Role distinguishes which side of the handshake a session played.
type Role uint8

const (
	RoleController Role = iota
	RoleNode
)

func (r Role) String() string {
	if r == RoleController {
		return "controller"
	}
	return "node"
}

// StateTag discriminates SessionState's variants without exposing the
// timestamp payload each non-terminal state carries.
type StateTag uint8

const (
	StateInit StateTag = iota
	StateHandshake
	StateAuthenticated
	StateReady
	StateStreaming
	StateClosed
	StateFailed
)

func (t StateTag) String() string {
	switch t {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateAuthenticated:
		return "authenticated"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionState is the tagged session-lifecycle variant. Since holds the
// timestamp each non-terminal state was entered, and FailReason holds the
// Failed variant's reason string.
type SessionState struct {
	Tag        StateTag
	Since      time.Time
	FailReason string
}

// legalTransition reports whether moving from "from" to "to" is permitted:
// Init -> Handshake -> Authenticated -> Ready -> Streaming, any
// non-terminal -> Closed or Failed, and Streaming -> Streaming re-entry
// (one-directional; no quiesce back to Ready).
func legalTransition(from, to StateTag) bool {
	if to == StateClosed || to == StateFailed {
		return from != StateClosed && from != StateFailed
	}
	switch from {
	case StateInit:
		return to == StateHandshake
	case StateHandshake:
		return to == StateAuthenticated
	case StateAuthenticated:
		return to == StateReady
	case StateReady:
		return to == StateStreaming
	case StateStreaming:
		return to == StateStreaming
	default:
		return false
	}
}

// DefaultSessionTimeout is the default keepalive staleness bound.
const DefaultSessionTimeout = 10 * time.Second

// Session is the per-connection state machine plus its profile/jitter/
// keepalive bookkeeping. All mutable fields are guarded by a single mutex
// rather than one per field, giving CheckTimeouts and MarkStreaming a
// single consistent snapshot to read.
type Session struct {
	Role Role

	mu              sync.Mutex
	poisoned        bool
	state           SessionState
	lastKeepalive   time.Time
	timeout         time.Duration
	jitter          JitterStrategy
	jitterOverride  bool
	streamingOn     bool
	established     *SessionEstablished
	keys            *SessionKeys
	compiledProfile *CompiledStreamProfile
	profileLocked   bool

	log *slog.Logger
}

// NewSession creates a fresh session in the Init state for the given role.
// log may be nil, in which case slog.Default() is used.
func NewSession(role Role, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	now := time.Now()
	return &Session{
		Role:          role,
		state:         SessionState{Tag: StateInit, Since: now},
		lastKeepalive: now,
		timeout:       DefaultSessionTimeout,
		jitter:        JitterHoldLast,
		streamingOn:   true,
		log:           log,
	}
}

// withLock runs fn holding the session mutex, collapsing the session to
// Failed("state poisoned") if fn panics. It reports whether fn ran: once
// poisoned, fn is never invoked again, so callers must fail closed on a
// false return instead of trusting their untouched result variables.
func (s *Session) withLock(fn func()) (ran bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			ran = false
			s.poisoned = true
			s.state = SessionState{Tag: StateFailed, Since: time.Now(), FailReason: "state poisoned"}
			if s.keys != nil {
				s.keys.Zeroize()
			}
			s.log.Error("session state poisoned", "role", s.Role, "panic", r)
		}
	}()
	fn()
	return true
}

// errPoisoned is the fail-closed result of any operation attempted on a
// poisoned session.
func errPoisoned(op string) error {
	return newErr(KindState, CodeNotReady, op, errors.New("state poisoned"))
}

// State returns a snapshot of the current session state. A poisoned
// session always reports Failed("state poisoned").
func (s *Session) State() SessionState {
	var out SessionState
	if !s.withLock(func() { out = s.state }) {
		return SessionState{Tag: StateFailed, FailReason: "state poisoned"}
	}
	return out
}

func (s *Session) transitionLocked(to StateTag, failReason string) error {
	if !legalTransition(s.state.Tag, to) {
		return newErr(KindState, "", "session.transition", fmt.Errorf("illegal transition %s -> %s", s.state.Tag, to))
	}
	s.state = SessionState{Tag: to, Since: time.Now(), FailReason: failReason}
	return nil
}

// transition validates and performs a state move, logging the edge.
func (s *Session) transition(to StateTag) error {
	var err error
	if !s.withLock(func() {
		err = s.transitionLocked(to, "")
	}) {
		return errPoisoned("session.transition")
	}
	if err == nil {
		s.log.Info("session transition", "role", s.Role, "to", to.String())
	}
	return err
}

// EnsureStreamingReady returns the established handshake outcome iff the
// session is in Ready or Streaming; otherwise it fails with ErrNotReady
// (or the session's failure reason, if Failed).
func (s *Session) EnsureStreamingReady() (SessionEstablished, error) {
	var out SessionEstablished
	var err error
	if !s.withLock(func() {
		switch s.state.Tag {
		case StateReady, StateStreaming:
			if s.established == nil {
				err = newErr(KindAuthentication, CodeNotReady, "session.ensure_streaming_ready",
					fmt.Errorf("session ready but no established outcome recorded"))
				return
			}
			out = *s.established
		case StateFailed:
			err = newErr(KindState, CodeNotReady, "session.ensure_streaming_ready", fmt.Errorf("%s", s.state.FailReason))
		default:
			err = newErr(KindState, CodeNotReady, "session.ensure_streaming_ready", fmt.Errorf("session not ready; streaming blocked"))
		}
	}) {
		return SessionEstablished{}, errPoisoned("session.ensure_streaming_ready")
	}
	return out, err
}

// UpdateKeepalive records the current time as the last keepalive signal.
func (s *Session) UpdateKeepalive() {
	s.withLock(func() { s.lastKeepalive = time.Now() })
}

// CheckTimeouts fails the session if more than the configured timeout has
// elapsed since the last keepalive.
func (s *Session) CheckTimeouts(now time.Time) error {
	var err error
	if !s.withLock(func() {
		if now.Sub(s.lastKeepalive) > s.timeout {
			_ = s.transitionLocked(StateFailed, "session timeout")
			err = newErr(KindTransport, CodeTransport, "session.check_timeouts", fmt.Errorf("session timeout"))
		}
	}) {
		return errPoisoned("session.check_timeouts")
	}
	if err != nil {
		s.log.Warn("session timed out", "role", s.Role)
	}
	return err
}

// SetStreamProfile binds a compiled profile to the session. It fails with
// ErrProfileLocked once MarkStreaming has engaged the one-shot latch.
func (s *Session) SetStreamProfile(profile CompiledStreamProfile) error {
	var err error
	if !s.withLock(func() {
		if s.profileLocked {
			err = newErr(KindState, CodeProfileLocked, "session.set_stream_profile",
				fmt.Errorf("stream profile cannot be changed after streaming starts"))
			return
		}
		s.compiledProfile = &profile
	}) {
		return errPoisoned("session.set_stream_profile")
	}
	return err
}

// ProfileConfigID returns the bound profile's config_id, if any is set.
func (s *Session) ProfileConfigID() (string, bool) {
	var id string
	var ok bool
	s.withLock(func() {
		if s.compiledProfile != nil {
			id, ok = s.compiledProfile.ConfigID(), true
		}
	})
	return id, ok
}

// CompiledProfile returns the bound compiled profile, if configured.
func (s *Session) CompiledProfile() (CompiledStreamProfile, bool) {
	var p CompiledStreamProfile
	var ok bool
	s.withLock(func() {
		if s.compiledProfile != nil {
			p, ok = *s.compiledProfile, true
		}
	})
	return p, ok
}

// SetJitterStrategy overrides the session-level jitter strategy. The frame
// builder only consults this override once it has been set explicitly;
// otherwise it derives the strategy from the bound profile.
func (s *Session) SetJitterStrategy(strategy JitterStrategy) {
	s.withLock(func() {
		s.jitter = strategy
		s.jitterOverride = true
	})
}

// jitterStrategy returns the session override if set, else derives the
// strategy from the bound compiled profile (HoldLast default if unbound).
func (s *Session) jitterStrategy() JitterStrategy {
	var strat JitterStrategy
	s.withLock(func() {
		if s.jitterOverride {
			strat = s.jitter
			return
		}
		if s.compiledProfile != nil {
			strat = defaultJitterStrategy(*s.compiledProfile)
			return
		}
		strat = JitterHoldLast
	})
	return strat
}

// SetStreamingEnabled toggles whether Send may emit frames.
func (s *Session) SetStreamingEnabled(enabled bool) {
	s.withLock(func() { s.streamingOn = enabled })
}

// StreamingEnabled reports whether frame emission is currently allowed.
func (s *Session) StreamingEnabled() bool {
	var v bool
	s.withLock(func() { v = s.streamingOn })
	return v
}

// MarkStreaming transitions Ready -> Streaming and engages the profile
// lock unconditionally, even if the session was already in Streaming
// (re-entry is legal) or the transition failed. The lock is one-shot and
// never clears.
func (s *Session) MarkStreaming() {
	s.withLock(func() {
		if s.state.Tag == StateReady {
			_ = s.transitionLocked(StateStreaming, "")
		}
		s.profileLocked = true
	})
}

// Close performs an unconditional terminal transition to Closed.
func (s *Session) Close() {
	s.withLock(func() {
		s.state = SessionState{Tag: StateClosed, Since: time.Now()}
		if s.keys != nil {
			s.keys.Zeroize()
		}
	})
	s.log.Info("session closed", "role", s.Role)
}

// Fail performs an unconditional terminal transition to Failed(reason).
func (s *Session) Fail(reason string) {
	s.withLock(func() {
		s.state = SessionState{Tag: StateFailed, Since: time.Now(), FailReason: reason}
		if s.keys != nil {
			s.keys.Zeroize()
		}
	})
	s.log.Warn("session failed", "role", s.Role, "reason", reason)
}

// applyHandshakeOutcome records the handshake result and advances the
// session through Authenticated -> Ready. Called once, by the handshake
// driver, immediately after a successful exchange.
func (s *Session) applyHandshakeOutcome(outcome HandshakeOutcome) error {
	var err error
	if !s.withLock(func() {
		if err = s.transitionLocked(StateAuthenticated, ""); err != nil {
			return
		}
		if err = s.transitionLocked(StateReady, ""); err != nil {
			return
		}
		established := outcome.Established
		keys := outcome.Keys
		s.established = &established
		s.keys = &keys
	}) {
		return errPoisoned("session.apply_handshake_outcome")
	}
	return err
}

// sessionKeys returns the derived session keys, or nil before handshake
// completes.
func (s *Session) sessionKeys() *SessionKeys {
	var k *SessionKeys
	s.withLock(func() { k = s.keys })
	return k
}

// Keys returns the derived session keys and true once the handshake has
// completed, or the zero value and false before that.
func (s *Session) Keys() (SessionKeys, bool) {
	k := s.sessionKeys()
	if k == nil {
		return SessionKeys{}, false
	}
	return *k, true
}

// Established returns the handshake output, or nil before it completes.
func (s *Session) Established() *SessionEstablished {
	var e *SessionEstablished
	s.withLock(func() {
		if s.established != nil {
			v := *s.established
			e = &v
		}
	})
	return e
}

// ApplyControlOp executes a verified, replay-checked control-plane
// operation against the session. Called by ControlResponder.Serve once an
// envelope has passed AcceptEnvelope. Ping has no side effect beyond the
// ack the caller sends; SetProfile, StartStreaming, and StopStreaming
// drive the same paths a local caller would use (SetStreamProfile,
// MarkStreaming, SetStreamingEnabled).
func (s *Session) ApplyControlOp(op ControlOp, payload map[string]any) error {
	switch op {
	case OpPing, OpCustom:
		return nil
	case OpStartStreaming:
		s.MarkStreaming()
		return nil
	case OpStopStreaming:
		s.SetStreamingEnabled(false)
		return nil
	case OpSetProfile:
		profile, err := streamProfileFromPayload(payload)
		if err != nil {
			return newErr(KindProtocol, "", "session.apply_control_op", err)
		}
		compiled, err := profile.Compile()
		if err != nil {
			return newErr(KindProtocol, "", "session.apply_control_op", err)
		}
		return s.SetStreamProfile(compiled)
	default:
		return newErr(KindProtocol, "", "session.apply_control_op", fmt.Errorf("unknown control op %q", op))
	}
}

// beginHandshake transitions Init -> Handshake. Called by the handshake
// driver's Controller/Node entry points.
func (s *Session) beginHandshake() error {
	return s.transition(StateHandshake)
}
