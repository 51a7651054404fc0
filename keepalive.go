package alpine

import (
	"context"
	"log/slog"
	"time"
)

// DefaultKeepaliveInterval is comfortably inside DefaultSessionTimeout so a
// single dropped tick never trips check_timeouts.
const DefaultKeepaliveInterval = 3 * time.Second

// KeepaliveScheduler periodically sends a KeepaliveMessage over a
// HandshakeTransport until its context is canceled. It never fails the
// session directly — a send error is logged and the scheduler retries on
// the next tick; only Session.CheckTimeouts may transition the session to
// Failed.
type KeepaliveScheduler struct {
	transport HandshakeTransport
	sessionID [16]byte
	interval  time.Duration
	log       *slog.Logger
}

// NewKeepaliveScheduler builds a scheduler that emits a keepalive for
// sessionID over transport every interval.
func NewKeepaliveScheduler(transport HandshakeTransport, sessionID [16]byte, interval time.Duration, log *slog.Logger) *KeepaliveScheduler {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &KeepaliveScheduler{transport: transport, sessionID: sessionID, interval: interval, log: log}
}

// Run blocks, sending a keepalive every interval, until ctx is canceled.
// Intended to run as its own goroutine alongside the session's control
// sender, frame producer, and receive loop.
func (k *KeepaliveScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := HandshakeMessage{Keepalive: &KeepaliveMessage{
				MessageType: MessageKeepalive,
				SessionID:   sessionIDToUUID(k.sessionID),
			}}
			sendCtx, cancel := context.WithTimeout(ctx, k.interval)
			err := k.transport.Send(sendCtx, msg)
			cancel()
			if err != nil {
				k.log.Warn("keepalive send failed", "error", err)
			}
		}
	}
}
