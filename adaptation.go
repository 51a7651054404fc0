package alpine

// Adaptation engine thresholds and steps.
const (
	dwellFrames = 8

	lossKeyframe = 0.30
	lossDisable  = 0.50
	lossDegrade  = 0.60

	lateDelta     = 0.20
	jitterDelta   = 5.0
	jitterTighten = 8.0
	jitterRelax   = 3.0

	burstKeyframe = 5
	burstDisable  = 8
	burstDegrade  = 10

	deadlineStepMs = 10
)

// ProfileBounds bounds the parameters the adaptation engine may tune,
// keyed by StreamIntent.
type ProfileBounds struct {
	MinKeyframeInterval  uint8
	BaseKeyframeInterval uint8
	MinDeltaDepth        uint8
	BaseDeltaDepth       uint8
	MinDeadlineOffsetMs  int16
	MaxDeadlineOffsetMs  int16
}

// BoundsForIntent returns the fixed ProfileBounds for the given intent.
func BoundsForIntent(intent StreamIntent) ProfileBounds {
	switch intent {
	case IntentRealtime:
		return ProfileBounds{
			MinKeyframeInterval: 8, BaseKeyframeInterval: 12,
			MinDeltaDepth: 1, BaseDeltaDepth: 2,
			MinDeadlineOffsetMs: -20, MaxDeadlineOffsetMs: 0,
		}
	case IntentInstall:
		return ProfileBounds{
			MinKeyframeInterval: 4, BaseKeyframeInterval: 8,
			MinDeltaDepth: 0, BaseDeltaDepth: 3,
			MinDeadlineOffsetMs: -10, MaxDeadlineOffsetMs: 25,
		}
	default: // IntentAuto
		return ProfileBounds{
			MinKeyframeInterval: 6, BaseKeyframeInterval: 10,
			MinDeltaDepth: 1, BaseDeltaDepth: 3,
			MinDeadlineOffsetMs: -15, MaxDeadlineOffsetMs: 15,
		}
	}
}

func (b ProfileBounds) violated(keyframeInterval, deltaDepth uint8, deadlineOffsetMs int16) bool {
	return keyframeInterval < b.MinKeyframeInterval ||
		deltaDepth < b.MinDeltaDepth ||
		deadlineOffsetMs < b.MinDeadlineOffsetMs ||
		deadlineOffsetMs > b.MaxDeadlineOffsetMs
}

// DegradedReason names why the engine latched into degraded-safe mode.
type DegradedReason uint8

const (
	DegradedExceededBounds DegradedReason = iota
	DegradedUnrecoverableBurst
)

// AdaptationEvent is the (at most one) outcome of a DecideNextState call.
type AdaptationEvent uint8

const (
	EventNone AdaptationEvent = iota
	EventKeyframeCadenceIncreased
	EventDeltaDepthReduced
	EventDeltaDisabled
	EventDeadlineAdjusted
	EventEnteredDegradedSafe
	EventExitedDegradedSafe
)

// adaptationSnapshot is the subset of AdaptationState the engine restores
// when exiting degraded-safe mode.
type adaptationSnapshot struct {
	keyframeInterval uint8
	deltaDepth       uint8
	deadlineOffsetMs int16
}

// AdaptationState is the adaptation engine's full state: the tuned
// parameters, dwell counter, and degraded-safe latch plus its snapshot.
type AdaptationState struct {
	ProfileIntent    StreamIntent
	KeyframeInterval uint8
	DeltaDepth       uint8
	DeadlineOffsetMs int16
	FramesInState    uint32
	DegradedSafe     bool

	lastSafeSnapshot    adaptationSnapshot
	hasLastSafeSnapshot bool
}

// BaselineAdaptationState returns the starting adaptation state for a
// compiled profile: parameters at the profile's base values, dwell
// already satisfied so the first decision can act immediately.
func BaselineAdaptationState(profile CompiledStreamProfile) AdaptationState {
	bounds := BoundsForIntent(profile.Intent())
	return AdaptationState{
		ProfileIntent:    profile.Intent(),
		KeyframeInterval: bounds.BaseKeyframeInterval,
		DeltaDepth:       bounds.BaseDeltaDepth,
		DeadlineOffsetMs: 0,
		FramesInState:    dwellFrames,
	}
}

func (s AdaptationState) snapshot() adaptationSnapshot {
	return adaptationSnapshot{
		keyframeInterval: s.KeyframeInterval,
		deltaDepth:       s.DeltaDepth,
		deadlineOffsetMs: s.DeadlineOffsetMs,
	}
}

// AdaptationDecision is the result of one DecideNextState call: the next
// state, at most one event, and — only when Event is
// EventEnteredDegradedSafe — the reason for the latch.
type AdaptationDecision struct {
	State          AdaptationState
	Event          AdaptationEvent
	DegradedReason DegradedReason
}

// DecideNextState is the pure decision core of the adaptation engine.
// Given the current state, the latest network metrics, an optional active
// recovery reason, and the bound profile, it returns the next state and at
// most one event. No I/O, no clock, no logging — callers apply the result
// and log the event if present.
//
// Branches are evaluated in strict precedence order; the first match
// wins and every branch that changes a parameter resets FramesInState to
// 0, which is what prevents oscillation together with the dwell guard.
func DecideNextState(current AdaptationState, network *NetworkConditions, recoveryReason RecoveryReason, hasRecoveryReason bool, profile StreamProfile) AdaptationDecision {
	next := current
	next.FramesInState++

	bounds := BoundsForIntent(profile.Intent)
	metrics := network.Metrics()
	gap := network.MaxLossGap()

	// 1. Degraded-safe exit check takes precedence over everything else.
	if current.DegradedSafe {
		if metrics.LossRatio <= lossDisable && gap <= burstDisable && !hasRecoveryReason {
			if current.hasLastSafeSnapshot {
				next.KeyframeInterval = current.lastSafeSnapshot.keyframeInterval
				next.DeltaDepth = current.lastSafeSnapshot.deltaDepth
				next.DeadlineOffsetMs = current.lastSafeSnapshot.deadlineOffsetMs
			}
			next.DegradedSafe = false
			next.FramesInState = 0
			return AdaptationDecision{State: next, Event: EventExitedDegradedSafe}
		}
		return AdaptationDecision{State: next, Event: EventNone}
	}

	// 2. Catastrophic latch: both loss and burst gap are severe.
	if metrics.LossRatio >= lossDegrade && gap >= burstDegrade {
		next.DegradedSafe = true
		next.lastSafeSnapshot = current.snapshot()
		next.hasLastSafeSnapshot = true
		next.FramesInState = 0
		return AdaptationDecision{State: next, Event: EventEnteredDegradedSafe, DegradedReason: DegradedUnrecoverableBurst}
	}

	// 3. Dwell guard: no parameter mutation before DWELL_FRAMES accumulate.
	if next.FramesInState < dwellFrames {
		return AdaptationDecision{State: next, Event: EventNone}
	}

	jitterMs := 0.0
	if metrics.JitterMsValid {
		jitterMs = metrics.JitterMs
	}

	latch := func() AdaptationDecision {
		next.DegradedSafe = true
		next.lastSafeSnapshot = current.snapshot()
		next.hasLastSafeSnapshot = true
		next.FramesInState = 0
		return AdaptationDecision{State: next, Event: EventEnteredDegradedSafe, DegradedReason: DegradedExceededBounds}
	}

	// 4. Delta disable: only under a burst-loss recovery signal.
	if gap >= burstDisable && hasRecoveryReason && recoveryReason == ReasonBurstLoss && current.DeltaDepth > bounds.MinDeltaDepth {
		const nextDelta = 0
		if bounds.violated(current.KeyframeInterval, nextDelta, current.DeadlineOffsetMs) {
			return latch()
		}
		next.DeltaDepth = nextDelta
		next.FramesInState = 0
		return AdaptationDecision{State: next, Event: EventDeltaDisabled}
	}

	// 5. Keyframe cadence tighten.
	if metrics.LossRatio >= lossKeyframe || gap >= burstKeyframe {
		nextInterval := current.KeyframeInterval - 1
		if current.KeyframeInterval == 0 || nextInterval < bounds.MinKeyframeInterval {
			return latch()
		}
		next.KeyframeInterval = nextInterval
		next.FramesInState = 0
		return AdaptationDecision{State: next, Event: EventKeyframeCadenceIncreased}
	}

	// 6. Delta depth reduce.
	if metrics.LateFrameRate >= lateDelta && jitterMs > jitterDelta && current.DeltaDepth > bounds.MinDeltaDepth {
		nextDeltaDepth := current.DeltaDepth - 1
		if nextDeltaDepth < bounds.MinDeltaDepth {
			return latch()
		}
		next.DeltaDepth = nextDeltaDepth
		next.FramesInState = 0
		return AdaptationDecision{State: next, Event: EventDeltaDepthReduced}
	}

	// 7. Deadline tighten.
	if jitterMs > jitterTighten {
		nextDeadline := current.DeadlineOffsetMs - deadlineStepMs
		if nextDeadline < bounds.MinDeadlineOffsetMs {
			return latch()
		}
		next.DeadlineOffsetMs = nextDeadline
		next.FramesInState = 0
		return AdaptationDecision{State: next, Event: EventDeadlineAdjusted}
	}

	// 8. Deadline relax.
	if jitterMs < jitterRelax {
		nextDeadline := current.DeadlineOffsetMs + deadlineStepMs
		if nextDeadline > bounds.MaxDeadlineOffsetMs {
			return latch()
		}
		next.DeadlineOffsetMs = nextDeadline
		next.FramesInState = 0
		return AdaptationDecision{State: next, Event: EventDeadlineAdjusted}
	}

	return AdaptationDecision{State: next, Event: EventNone}
}
