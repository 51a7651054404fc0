package alpine

import "testing"

func conditionsWithGap(gap uint64) *NetworkConditions {
	n := NewNetworkConditions()
	n.RecordFrame(1, 0, 1000000)
	n.RecordFrame(1+gap+1, 1000, 1000000)
	return n
}

// sustainedLossConditions accumulates loss across several small gaps (each
// below the burst-loss gap threshold) so the resulting metrics cross the
// sustained-loss ratio threshold without ever tripping the burst-loss one.
func sustainedLossConditions() *NetworkConditions {
	n := NewNetworkConditions()
	seq := uint64(1)
	n.RecordFrame(seq, 0, 1000000)
	for i := 0; i < 3; i++ {
		seq += 3 // delta=3 -> gap of 2, below the burst threshold of 3
		n.RecordFrame(seq, uint64(i+1)*1000, 1000000)
	}
	return n
}

func TestRecoveryMonitorBurstLossStartsAndClears(t *testing.T) {
	m := NewRecoveryMonitor()

	cond := conditionsWithGap(3) // max_loss_gap = 3 >= burstLossThreshold
	event, ok := m.Feed(cond)
	if !ok || event.Kind != RecoveryStarted || event.Reason != ReasonBurstLoss {
		t.Fatalf("expected RecoveryStarted(BurstLoss), got ok=%v event=%+v", ok, event)
	}
	if !m.IsRecovering() {
		t.Fatalf("expected monitor to report recovering")
	}

	// Repeated non-clearing input is idempotent.
	if _, ok := m.Feed(cond); ok {
		t.Fatalf("expected no event while still recovering with non-clearing input")
	}

	clear := NewNetworkConditions()
	clear.RecordFrame(1, 0, 1000000)
	clear.RecordFrame(2, 1000, 1000000)
	event, ok = m.Feed(clear)
	if !ok || event.Kind != RecoveryComplete || event.Reason != ReasonBurstLoss {
		t.Fatalf("expected RecoveryComplete(BurstLoss), got ok=%v event=%+v", ok, event)
	}
	if m.IsRecovering() {
		t.Fatalf("expected monitor to report idle after clear")
	}
}

func TestRecoveryMonitorSustainedLossStart(t *testing.T) {
	m := NewRecoveryMonitor()
	cond := sustainedLossConditions() // loss ratio >= 0.25, max gap stays below burst threshold

	event, ok := m.Feed(cond)
	if !ok || event.Kind != RecoveryStarted || event.Reason != ReasonSustainedLoss {
		t.Fatalf("expected RecoveryStarted(SustainedLoss), got ok=%v event=%+v", ok, event)
	}
}

func TestRecoveryMonitorBurstEvaluatedBeforeSustained(t *testing.T) {
	m := NewRecoveryMonitor()
	// Construct conditions where both thresholds are crossed simultaneously.
	cond := NewNetworkConditions()
	cond.RecordFrame(1, 0, 1000000)
	cond.RecordFrame(6, 1000, 1000000) // gap of 4 >= 3, loss ratio 4/6 >= 0.25

	event, _ := m.Feed(cond)
	if event.Reason != ReasonBurstLoss {
		t.Fatalf("expected burst loss to take precedence, got %v", event.Reason)
	}
}

func TestRecoveryMonitorNoEventWhenHealthy(t *testing.T) {
	m := NewRecoveryMonitor()
	cond := NewNetworkConditions()
	cond.RecordFrame(1, 0, 1000000)
	cond.RecordFrame(2, 1000, 1000000)

	if _, ok := m.Feed(cond); ok {
		t.Fatalf("expected no event for healthy conditions")
	}
}
