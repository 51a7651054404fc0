package alpine

import "testing"

func TestCompileConfigIDDeterministic(t *testing.T) {
	a, err := AutoProfile().Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	b, err := AutoProfile().Compile()
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a.ConfigID() != b.ConfigID() {
		t.Fatalf("expected equal config ids, got %q and %q", a.ConfigID(), b.ConfigID())
	}
}

func TestCompileBuiltinsDistinctConfigIDs(t *testing.T) {
	auto, err := AutoProfile().Compile()
	if err != nil {
		t.Fatalf("compile auto: %v", err)
	}
	realtime, err := RealtimeProfile().Compile()
	if err != nil {
		t.Fatalf("compile realtime: %v", err)
	}
	install, err := InstallProfile().Compile()
	if err != nil {
		t.Fatalf("compile install: %v", err)
	}

	ids := map[string]string{
		"auto":     auto.ConfigID(),
		"realtime": realtime.ConfigID(),
		"install":  install.ConfigID(),
	}
	seen := map[string]string{}
	for name, id := range ids {
		if other, ok := seen[id]; ok {
			t.Fatalf("%s and %s produced the same config_id %q", name, other, id)
		}
		seen[id] = name
	}
}

func TestCompileRejectsOutOfRangeWeights(t *testing.T) {
	_, err := StreamProfile{Intent: IntentAuto, LatencyWeight: 101, ResilienceWeight: 50}.Compile()
	if err != ErrLatencyWeightOutOfRange {
		t.Fatalf("expected ErrLatencyWeightOutOfRange, got %v", err)
	}

	_, err = StreamProfile{Intent: IntentAuto, LatencyWeight: 50, ResilienceWeight: 101}.Compile()
	if err != ErrResilienceWeightOutOfRange {
		t.Fatalf("expected ErrResilienceWeightOutOfRange, got %v", err)
	}
}

func TestCompileRejectsZeroTotalWeight(t *testing.T) {
	_, err := StreamProfile{Intent: IntentAuto, LatencyWeight: 0, ResilienceWeight: 0}.Compile()
	if err != ErrZeroTotalWeight {
		t.Fatalf("expected ErrZeroTotalWeight, got %v", err)
	}
}

func TestDefaultJitterStrategyFromWeights(t *testing.T) {
	realtime, _ := RealtimeProfile().Compile() // latency 80 >= resilience 20
	if got := defaultJitterStrategy(realtime); got != JitterHoldLast {
		t.Fatalf("realtime: expected HoldLast, got %v", got)
	}

	install, _ := InstallProfile().Compile() // latency 25 < resilience 75
	if got := defaultJitterStrategy(install); got != JitterLerp {
		t.Fatalf("install: expected Lerp, got %v", got)
	}

	auto, _ := AutoProfile().Compile() // latency == resilience
	if got := defaultJitterStrategy(auto); got != JitterHoldLast {
		t.Fatalf("auto (tie): expected HoldLast, got %v", got)
	}
}
