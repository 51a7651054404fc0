package alpine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FrameTransport sends one unreliable, MAC-authenticated streaming
// datagram. Distinct from HandshakeTransport because the streaming plane
// never expects a response.
type FrameTransport interface {
	SendFrame(ctx context.Context, frame FrameEnvelope) error
}

// StreamSender is the frame builder bound to one session. It holds the
// last emitted frame for jitter interpolation and consults the recovery
// monitor it was built with to tag frames while recovery is active.
type StreamSender struct {
	session   *Session
	transport FrameTransport
	recovery  *RecoveryMonitor

	mu       sync.Mutex
	lastSent *FrameEnvelope
}

// NewStreamSender binds a frame builder to session, emitting over
// transport and consulting recovery for the alpine_recovery metadata tag.
func NewStreamSender(session *Session, transport FrameTransport, recovery *RecoveryMonitor) *StreamSender {
	return &StreamSender{session: session, transport: transport, recovery: recovery}
}

// Send builds, jitters, tags, and emits one frame. groups and metadata may
// be nil.
func (s *StreamSender) Send(ctx context.Context, channelFormat string, channels []uint16, priority uint8, groups []string, metadata map[string]any) error {
	established, err := s.session.EnsureStreamingReady()
	if err != nil {
		return err
	}
	if !s.session.StreamingEnabled() {
		return newErr(KindState, CodeStreamingDisabled, "stream.send", errors.New("streaming disabled on session"))
	}

	strategy := s.session.jitterStrategy()

	s.mu.Lock()
	adjusted := applyJitter(strategy, channels, s.lastSent)
	s.mu.Unlock()

	if metadata == nil {
		metadata = map[string]any{}
	}
	if s.recovery != nil && s.recovery.IsRecovering() {
		if reason, ok := s.recovery.ActiveReason(); ok {
			metadata[RecoveryMetadataKey] = map[string]any{
				"phase":  "recovery",
				"reason": reason.String(),
			}
		}
	}

	frame := FrameEnvelope{
		MessageType:   MessageFrame,
		SessionID:     established.SessionID,
		TimestampUs:   monotonicMicros(),
		Priority:      priority,
		ChannelFormat: channelFormat,
		Channels:      adjusted,
		Groups:        groups,
		Metadata:      metadata,
	}

	// Two sends inside the same microsecond would otherwise share a
	// timestamp; keep each frame strictly after the previous one.
	s.mu.Lock()
	if s.lastSent != nil && frame.TimestampUs <= s.lastSent.TimestampUs {
		frame.TimestampUs = s.lastSent.TimestampUs + 1
	}
	s.mu.Unlock()

	keys := s.session.sessionKeys()
	if keys != nil {
		var sessionIDBytes [16]byte
		copy(sessionIDBytes[:], established.SessionID[:])
		mac, err := keys.ComputeMAC(frame.TimestampUs, sessionIDBytes, encodeFramePayload(frame))
		if err != nil {
			return newErr(KindAuthentication, CodeAuthFailed, "stream.send", err)
		}
		frame.MAC = mac
	}

	if err := s.transport.SendFrame(ctx, frame); err != nil {
		return newErr(KindTransport, CodeTransport, "stream.send", err)
	}

	s.mu.Lock()
	sent := frame
	s.lastSent = &sent
	s.mu.Unlock()

	return nil
}

// applyJitter fills or smooths gaps in the outgoing channel data per the
// selected strategy, using the previously emitted frame when one exists.
func applyJitter(strategy JitterStrategy, channels []uint16, prev *FrameEnvelope) []uint16 {
	switch strategy {
	case JitterHoldLast:
		if len(channels) == 0 && prev != nil {
			return prev.Channels
		}
		return channels
	case JitterDrop:
		return channels
	case JitterLerp:
		if prev == nil {
			return channels
		}
		out := make([]uint16, len(channels))
		for i := range channels {
			var prevVal uint16
			if i < len(prev.Channels) {
				prevVal = prev.Channels[i]
			}
			out[i] = uint16((uint32(prevVal) + uint32(channels[i])) / 2)
		}
		return out
	default:
		return channels
	}
}

// LastFrame returns the most recently emitted frame, if any.
func (s *StreamSender) LastFrame() (FrameEnvelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSent == nil {
		return FrameEnvelope{}, false
	}
	return *s.lastSent, true
}

func encodeFramePayload(f FrameEnvelope) []byte {
	buf := make([]byte, 0, len(f.Channels)*2+len(f.ChannelFormat)+1)
	buf = append(buf, []byte(f.ChannelFormat)...)
	buf = append(buf, f.Priority)
	for _, c := range f.Channels {
		buf = append(buf, byte(c>>8), byte(c))
	}
	return buf
}

// epoch anchors frame timestamps: its wall-clock reading places them on
// the Unix timeline, and its monotonic reading is what they advance by.
var epoch = time.Now()

var epochMicros = uint64(epoch.UnixMicro())

// monotonicMicros returns microseconds since the Unix epoch, advanced from
// a process-start anchor by Go's monotonic clock, so the values never go
// backwards when the wall clock is stepped.
func monotonicMicros() uint64 {
	return epochMicros + uint64(time.Since(epoch).Microseconds())
}

