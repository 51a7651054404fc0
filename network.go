package alpine

// NetworkMetrics is a point-in-time snapshot of observed stream health.
type NetworkMetrics struct {
	// LossRatio is the fraction of expected frames that never arrived, in [0, 1].
	LossRatio float64
	// LateFrameRate is the fraction of observed frames that missed their deadline.
	LateFrameRate float64
	// JitterMs is the mean absolute inter-arrival jitter in milliseconds.
	// Nil (JitterMsValid false) until at least two consecutive intervals
	// have been observed.
	JitterMs      float64
	JitterMsValid bool
}

// NetworkConditions tracks per-arrival loss, lateness, and jitter for one
// streaming direction. It is a pure, deterministic, ordering-sensitive
// accumulator with no I/O of its own. Not safe for concurrent use;
// callers serialize access.
type NetworkConditions struct {
	lastSequence    uint64
	haveLastSeq     bool
	totalExpected   uint64
	observedFrames  uint64
	lostFrames      uint64
	lateFrames      uint64
	lastArrivalUs   uint64
	haveLastArrival bool
	lastIntervalUs  uint64
	haveLastInterval bool
	totalJitterUs   uint64
	jitterSamples   uint64
	maxLossGap      uint64
}

// NewNetworkConditions returns a fresh tracker with no observations.
func NewNetworkConditions() *NetworkConditions {
	return &NetworkConditions{}
}

// RecordFrame records one observed frame arrival. sequence must be the
// frame's wire sequence number, arrivalUs its arrival time, and deadlineUs
// its delivery deadline, all in the same monotonic microsecond timebase.
//
// Arrivals with sequence <= the last accepted sequence are out-of-order or
// duplicate and are ignored entirely — they affect none of the metrics
// (testable property: RecordFrame no-op on seq <= lastSequence).
func (n *NetworkConditions) RecordFrame(sequence, arrivalUs, deadlineUs uint64) {
	if n.haveLastSeq {
		if sequence <= n.lastSequence {
			return
		}
		delta := sequence - n.lastSequence
		n.totalExpected += delta
		if delta > 1 {
			gap := delta - 1
			n.lostFrames += gap
			if gap > n.maxLossGap {
				n.maxLossGap = gap
			}
		}
	} else {
		n.totalExpected++
	}

	n.lastSequence = sequence
	n.haveLastSeq = true
	n.observedFrames++

	if arrivalUs > deadlineUs {
		n.lateFrames++
	}

	if n.haveLastArrival {
		interval := uint64(0)
		if arrivalUs > n.lastArrivalUs {
			interval = arrivalUs - n.lastArrivalUs
		}
		if n.haveLastInterval {
			var jitter uint64
			if interval > n.lastIntervalUs {
				jitter = interval - n.lastIntervalUs
			} else {
				jitter = n.lastIntervalUs - interval
			}
			n.totalJitterUs += jitter
			n.jitterSamples++
		}
		n.lastIntervalUs = interval
		n.haveLastInterval = true
	}
	n.lastArrivalUs = arrivalUs
	n.haveLastArrival = true
}

// Metrics returns the current metrics snapshot derived from all recorded
// arrivals so far.
func (n *NetworkConditions) Metrics() NetworkMetrics {
	totalExpected := n.totalExpected
	if n.observedFrames > totalExpected {
		totalExpected = n.observedFrames
	}

	var lossRatio float64
	if totalExpected != 0 {
		lossRatio = float64(n.lostFrames) / float64(totalExpected)
	}

	var lateRate float64
	if n.observedFrames != 0 {
		lateRate = float64(n.lateFrames) / float64(n.observedFrames)
	}

	m := NetworkMetrics{LossRatio: lossRatio, LateFrameRate: lateRate}
	if n.jitterSamples != 0 {
		// totalJitterUs accumulates in the same microsecond unit as
		// arrivalUs; dividing by 1000 converts to milliseconds.
		m.JitterMs = float64(n.totalJitterUs) / float64(n.jitterSamples) / 1000.0
		m.JitterMsValid = true
	}
	return m
}

// MaxLossGap returns the largest sequence-number jump beyond 1 observed so
// far, used by the recovery monitor and adaptation engine for burst
// detection.
func (n *NetworkConditions) MaxLossGap() uint64 {
	return n.maxLossGap
}
