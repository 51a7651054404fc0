package alpine

import "testing"

func baselineAuto() AdaptationState {
	return BaselineAdaptationState(mustCompile(AutoProfile()))
}

func mustCompile(p StreamProfile) CompiledStreamProfile {
	c, err := p.Compile()
	if err != nil {
		panic(err)
	}
	return c
}

func healthyNetwork() *NetworkConditions {
	n := NewNetworkConditions()
	n.RecordFrame(1, 0, 1000000)
	n.RecordFrame(2, 1000, 1000000)
	return n
}

func TestDecideNextStateDwellGuardBlocksMutation(t *testing.T) {
	state := baselineAuto()
	state.FramesInState = 0 // fresh dwell window

	net := healthyNetwork()
	// Feed conditions that would otherwise tighten the keyframe cadence.
	net.RecordFrame(7, 2000, 1000000) // loss ratio 4/7 >= lossKeyframe

	decision := DecideNextState(state, net, 0, false, AutoProfile())
	if decision.Event != EventNone {
		t.Fatalf("expected no event before dwell elapses, got %v", decision.Event)
	}
	if decision.State.KeyframeInterval != state.KeyframeInterval {
		t.Fatalf("expected no parameter mutation during dwell, got %+v", decision.State)
	}
}

func TestDecideNextStateKeyframeTightenAfterDwell(t *testing.T) {
	state := baselineAuto()
	state.FramesInState = dwellFrames - 1 // next call crosses the dwell threshold

	net := NewNetworkConditions()
	net.RecordFrame(1, 0, 1000000)
	net.RecordFrame(6, 1000, 1000000) // loss ratio 4/6 >= lossKeyframe

	decision := DecideNextState(state, net, 0, false, AutoProfile())
	if decision.Event != EventKeyframeCadenceIncreased {
		t.Fatalf("expected KeyframeCadenceIncreased, got %v (state=%+v)", decision.Event, decision.State)
	}
	bounds := BoundsForIntent(IntentAuto)
	if decision.State.KeyframeInterval != bounds.BaseKeyframeInterval-1 {
		t.Fatalf("expected keyframe_interval %d, got %d", bounds.BaseKeyframeInterval-1, decision.State.KeyframeInterval)
	}
	if decision.State.FramesInState != 0 {
		t.Fatalf("expected dwell counter reset, got %d", decision.State.FramesInState)
	}
}

func TestDecideNextStateStaysWithinBoundsOrDegradedSafe(t *testing.T) {
	state := baselineAuto()
	bounds := BoundsForIntent(IntentAuto)

	net := NewNetworkConditions()
	net.RecordFrame(1, 0, 1000000)
	net.RecordFrame(6, 1000, 1000000)

	for i := 0; i < 40; i++ {
		decision := DecideNextState(state, net, ReasonBurstLoss, true, AutoProfile())
		state = decision.State
		if !state.DegradedSafe {
			if bounds.violated(state.KeyframeInterval, state.DeltaDepth, state.DeadlineOffsetMs) {
				t.Fatalf("parameters left bounds without degraded_safe: %+v", state)
			}
		}
	}
}

func TestDecideNextStateDegradedSafeLatchAndExit(t *testing.T) {
	state := baselineAuto()
	bounds := BoundsForIntent(IntentAuto)
	state.KeyframeInterval = bounds.MinKeyframeInterval

	catastrophic := NewNetworkConditions()
	catastrophic.RecordFrame(1, 0, 1000000)
	catastrophic.RecordFrame(12, 1000, 1000000) // gap 10 >= burstDegrade, loss ratio high

	decision := DecideNextState(state, catastrophic, 0, false, AutoProfile())
	if decision.Event != EventEnteredDegradedSafe {
		t.Fatalf("expected EnteredDegradedSafe, got %v", decision.Event)
	}
	if decision.DegradedReason != DegradedUnrecoverableBurst {
		t.Fatalf("expected UnrecoverableBurst reason, got %v", decision.DegradedReason)
	}
	if !decision.State.DegradedSafe {
		t.Fatalf("expected degraded_safe true")
	}

	snapshot := decision.State
	healthy := healthyNetwork()
	exit := DecideNextState(snapshot, healthy, 0, false, AutoProfile())
	if exit.Event != EventExitedDegradedSafe {
		t.Fatalf("expected ExitedDegradedSafe, got %v", exit.Event)
	}
	if exit.State.DegradedSafe {
		t.Fatalf("expected degraded_safe cleared")
	}
	if exit.State.KeyframeInterval != bounds.MinKeyframeInterval {
		t.Fatalf("expected restored keyframe_interval %d, got %d", bounds.MinKeyframeInterval, exit.State.KeyframeInterval)
	}
}

func TestDecideNextStateExceededBoundsLatchRestoresSnapshot(t *testing.T) {
	state := baselineAuto()
	bounds := BoundsForIntent(IntentAuto)
	state.KeyframeInterval = bounds.MinKeyframeInterval

	// Lossy enough to demand a keyframe tighten, but below the
	// catastrophic loss/burst pair, so the tighten itself is what walks
	// into the bounds violation.
	lossy := NewNetworkConditions()
	lossy.RecordFrame(1, 0, 1000000)
	lossy.RecordFrame(3, 1000, 1000000)
	lossy.RecordFrame(5, 2000, 1000000) // loss ratio 2/5, max gap 1

	decision := DecideNextState(state, lossy, 0, false, AutoProfile())
	if decision.Event != EventEnteredDegradedSafe {
		t.Fatalf("expected EnteredDegradedSafe, got %v", decision.Event)
	}
	if decision.DegradedReason != DegradedExceededBounds {
		t.Fatalf("expected ExceededProfileBounds reason, got %v", decision.DegradedReason)
	}

	exit := DecideNextState(decision.State, healthyNetwork(), 0, false, AutoProfile())
	if exit.Event != EventExitedDegradedSafe {
		t.Fatalf("expected ExitedDegradedSafe, got %v", exit.Event)
	}
	if exit.State.KeyframeInterval != bounds.MinKeyframeInterval {
		t.Fatalf("expected snapshot restored exactly: keyframe_interval %d, got %d",
			bounds.MinKeyframeInterval, exit.State.KeyframeInterval)
	}
	if exit.State.DeltaDepth != state.DeltaDepth || exit.State.DeadlineOffsetMs != state.DeadlineOffsetMs {
		t.Fatalf("expected delta depth and deadline restored exactly, got %+v", exit.State)
	}
}

func TestDecideNextStateDeadlineRelax(t *testing.T) {
	state := baselineAuto()

	lowJitter := NewNetworkConditions()
	lowJitter.RecordFrame(1, 0, 1000000)
	lowJitter.RecordFrame(2, 1000, 1000000)
	lowJitter.RecordFrame(3, 2000, 1000000)
	lowJitter.RecordFrame(4, 3000, 1000000) // intervals all 1000us -> jitter_ms 0

	decision := DecideNextState(state, lowJitter, 0, false, AutoProfile())
	if decision.Event != EventDeadlineAdjusted {
		t.Fatalf("expected DeadlineAdjusted (relax), got %v", decision.Event)
	}
	if decision.State.DeadlineOffsetMs != state.DeadlineOffsetMs+deadlineStepMs {
		t.Fatalf("expected deadline relaxed by %d, got %d", deadlineStepMs, decision.State.DeadlineOffsetMs)
	}
}
