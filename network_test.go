package alpine

import "testing"

func TestNetworkConditionsFirstObservation(t *testing.T) {
	n := NewNetworkConditions()
	n.RecordFrame(1, 1000, 2000)

	m := n.Metrics()
	if m.LossRatio != 0 {
		t.Fatalf("expected zero loss on first observation, got %v", m.LossRatio)
	}
	if m.LateFrameRate != 0 {
		t.Fatalf("expected zero late rate on first observation, got %v", m.LateFrameRate)
	}
	if m.JitterMsValid {
		t.Fatalf("expected no jitter sample yet")
	}
}

func TestNetworkConditionsOutOfOrderIsNoOp(t *testing.T) {
	n := NewNetworkConditions()
	n.RecordFrame(5, 1000, 2000)
	before := n.Metrics()
	gapBefore := n.MaxLossGap()

	n.RecordFrame(5, 5000, 6000) // duplicate
	n.RecordFrame(3, 5000, 6000) // out of order

	after := n.Metrics()
	if after != before {
		t.Fatalf("expected metrics unchanged by seq <= lastSequence, before=%+v after=%+v", before, after)
	}
	if n.MaxLossGap() != gapBefore {
		t.Fatalf("expected max loss gap unchanged, before=%d after=%d", gapBefore, n.MaxLossGap())
	}
}

func TestNetworkConditionsLossAndGap(t *testing.T) {
	n := NewNetworkConditions()
	for _, seq := range []uint64{1, 2, 4, 6, 8} {
		n.RecordFrame(seq, seq*1000, seq*1000+500)
	}

	// total_expected = 8 (1..8), observed = 5, lost = 3 (gaps at 2->4, 4->6, 6->8)
	m := n.Metrics()
	wantLoss := 3.0 / 8.0
	if m.LossRatio != wantLoss {
		t.Fatalf("expected loss ratio %v, got %v", wantLoss, m.LossRatio)
	}
	if n.MaxLossGap() != 1 {
		t.Fatalf("expected max loss gap 1, got %d", n.MaxLossGap())
	}
}

func TestNetworkConditionsLateFrames(t *testing.T) {
	n := NewNetworkConditions()
	n.RecordFrame(1, 1000, 2000) // on time
	n.RecordFrame(2, 5000, 3000) // late
	n.RecordFrame(3, 6000, 7000) // on time

	m := n.Metrics()
	want := 1.0 / 3.0
	if m.LateFrameRate != want {
		t.Fatalf("expected late rate %v, got %v", want, m.LateFrameRate)
	}
}

func TestNetworkConditionsJitter(t *testing.T) {
	n := NewNetworkConditions()
	// Arrivals at 0, 1000, 1900, 3100us -> intervals 1000, 900, 1200.
	n.RecordFrame(1, 0, 1000000)
	n.RecordFrame(2, 1000, 1000000)
	n.RecordFrame(3, 1900, 1000000)
	n.RecordFrame(4, 3100, 1000000)

	m := n.Metrics()
	if !m.JitterMsValid {
		t.Fatalf("expected jitter sample to be valid")
	}
	// |900-1000| = 100, |1200-900| = 300; mean = 200us = 0.2ms
	if m.JitterMs != 0.2 {
		t.Fatalf("expected jitter_ms 0.2, got %v", m.JitterMs)
	}
}
