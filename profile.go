package alpine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// StreamIntent declares the caller's streaming intent. It is folded into
// the compiled profile's config_id so runtime decisions stay deterministic
// and is also what the adaptation engine's ProfileBounds key off of.
type StreamIntent uint8

const (
	IntentAuto StreamIntent = iota
	IntentRealtime
	IntentInstall
)

func (i StreamIntent) String() string {
	switch i {
	case IntentAuto:
		return "auto"
	case IntentRealtime:
		return "realtime"
	case IntentInstall:
		return "install"
	default:
		return "unknown"
	}
}

// Profile validation errors (StreamProfile.Compile).
var (
	ErrLatencyWeightOutOfRange    = errors.New("latency weight must be between 0 and 100 inclusive")
	ErrResilienceWeightOutOfRange = errors.New("resilience weight must be between 0 and 100 inclusive")
	ErrZeroTotalWeight            = errors.New("latency and resilience weights cannot both be zero")
)

// StreamProfile is the caller-supplied intent plus weights. It is immutable
// once constructed and only becomes runtime-usable via Compile.
type StreamProfile struct {
	Intent           StreamIntent
	LatencyWeight    uint8
	ResilienceWeight uint8
}

// AutoProfile is the safe default: balanced latency and resilience.
func AutoProfile() StreamProfile {
	return StreamProfile{Intent: IntentAuto, LatencyWeight: 50, ResilienceWeight: 50}
}

// RealtimeProfile favors quick delivery over smoothing.
func RealtimeProfile() StreamProfile {
	return StreamProfile{Intent: IntentRealtime, LatencyWeight: 80, ResilienceWeight: 20}
}

// InstallProfile favors smoothness and resilience over instant updates.
func InstallProfile() StreamProfile {
	return StreamProfile{Intent: IntentInstall, LatencyWeight: 25, ResilienceWeight: 75}
}

// Compile validates the profile and produces its deterministic runtime
// form. config_id = hex(SHA-256(latency_weight || resilience_weight ||
// intent_byte)); equal inputs always produce an equal config_id.
func (p StreamProfile) Compile() (CompiledStreamProfile, error) {
	if p.LatencyWeight > 100 {
		return CompiledStreamProfile{}, ErrLatencyWeightOutOfRange
	}
	if p.ResilienceWeight > 100 {
		return CompiledStreamProfile{}, ErrResilienceWeightOutOfRange
	}
	if p.LatencyWeight == 0 && p.ResilienceWeight == 0 {
		return CompiledStreamProfile{}, ErrZeroTotalWeight
	}

	h := sha256.New()
	h.Write([]byte{p.LatencyWeight, p.ResilienceWeight, byte(p.Intent)})
	digest := h.Sum(nil)

	return CompiledStreamProfile{
		intent:           p.Intent,
		latencyWeight:    p.LatencyWeight,
		resilienceWeight: p.ResilienceWeight,
		configID:         hex.EncodeToString(digest),
	}, nil
}

// CompiledStreamProfile is the immutable, validated runtime form of a
// StreamProfile. Once bound to a session via Session.SetStreamProfile and
// streaming starts, it never changes.
type CompiledStreamProfile struct {
	intent           StreamIntent
	latencyWeight    uint8
	resilienceWeight uint8
	configID         string
}

// ConfigID returns the stable digest identifying this compiled profile.
func (c CompiledStreamProfile) ConfigID() string { return c.configID }

// Intent returns the streaming intent this profile was compiled from.
func (c CompiledStreamProfile) Intent() StreamIntent { return c.intent }

// LatencyWeight returns the compiled latency weight.
func (c CompiledStreamProfile) LatencyWeight() uint8 { return c.latencyWeight }

// ResilienceWeight returns the compiled resilience weight.
func (c CompiledStreamProfile) ResilienceWeight() uint8 { return c.resilienceWeight }

// streamProfileFromPayload decodes a StreamProfile from an OpSetProfile
// ControlEnvelope's payload map ("intent", "latency_weight",
// "resilience_weight"), since CBOR decodes arbitrary maps into
// map[string]any and numeric fields may arrive as any of the concrete
// numeric kinds the wire payload was encoded from.
func streamProfileFromPayload(payload map[string]any) (StreamProfile, error) {
	intent, err := intentFromPayload(payload["intent"])
	if err != nil {
		return StreamProfile{}, err
	}
	latency, err := weightFromPayload(payload["latency_weight"])
	if err != nil {
		return StreamProfile{}, fmt.Errorf("latency_weight: %w", err)
	}
	resilience, err := weightFromPayload(payload["resilience_weight"])
	if err != nil {
		return StreamProfile{}, fmt.Errorf("resilience_weight: %w", err)
	}
	return StreamProfile{Intent: intent, LatencyWeight: latency, ResilienceWeight: resilience}, nil
}

func intentFromPayload(v any) (StreamIntent, error) {
	s, _ := v.(string)
	switch s {
	case "", "auto":
		return IntentAuto, nil
	case "realtime":
		return IntentRealtime, nil
	case "install":
		return IntentInstall, nil
	default:
		return 0, fmt.Errorf("unknown stream intent %q", s)
	}
}

func weightFromPayload(v any) (uint8, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case uint8:
		return n, nil
	case int:
		return uint8(n), nil
	case int64:
		return uint8(n), nil
	case uint64:
		return uint8(n), nil
	case float64:
		return uint8(n), nil
	default:
		return 0, fmt.Errorf("unexpected weight type %T", v)
	}
}

// JitterStrategy selects how the frame builder fills gaps in outgoing
// channel data.
type JitterStrategy uint8

const (
	JitterHoldLast JitterStrategy = iota
	JitterDrop
	JitterLerp
)

func (j JitterStrategy) String() string {
	switch j {
	case JitterHoldLast:
		return "hold_last"
	case JitterDrop:
		return "drop"
	case JitterLerp:
		return "lerp"
	default:
		return "unknown"
	}
}

// defaultJitterStrategy derives the profile-bound default jitter strategy:
// HoldLast when latency is weighted at least as heavily as resilience,
// otherwise Lerp. Drop is only ever used via an explicit session override.
func defaultJitterStrategy(c CompiledStreamProfile) JitterStrategy {
	if c.latencyWeight >= c.resilienceWeight {
		return JitterHoldLast
	}
	return JitterLerp
}
