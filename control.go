package alpine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Control channel retransmission parameters.
const (
	controlBaseTimeout = 200 * time.Millisecond
	controlMaxAttempts = 5
)

// ReliableControlChannel layers exponential-backoff retransmission and
// monotonic sequencing on top of a HandshakeTransport, turning the
// unreliable per-message send/recv into a request/ack exchange. A
// keepalive observed while waiting for an ack resets the attempt counter
// instead of counting as a failed round, since it proves the peer is
// still alive even if the ack itself is delayed or lost.
type ReliableControlChannel struct {
	transport   HandshakeTransport
	keys        SessionKeys
	sessionID   [16]byte
	baseTimeout time.Duration
	mu          sync.Mutex
	seq         uint64
	log         *slog.Logger
}

// NewReliableControlChannel wraps transport for session sessionID, using
// keys to MAC every outgoing envelope and verify every incoming ack, with
// the default 200ms base retransmit timeout.
func NewReliableControlChannel(transport HandshakeTransport, keys SessionKeys, sessionID [16]byte, log *slog.Logger) *ReliableControlChannel {
	return NewReliableControlChannelWithTimeout(transport, keys, sessionID, controlBaseTimeout, log)
}

// NewReliableControlChannelWithTimeout is NewReliableControlChannel with
// an explicit base retransmit timeout, for operators who need to tune it
// for a high-latency link (wired from cmd/alpine-nodectl's -base-retransmit flag).
func NewReliableControlChannelWithTimeout(transport HandshakeTransport, keys SessionKeys, sessionID [16]byte, baseTimeout time.Duration, log *slog.Logger) *ReliableControlChannel {
	if log == nil {
		log = slog.Default()
	}
	if baseTimeout <= 0 {
		baseTimeout = controlBaseTimeout
	}
	return &ReliableControlChannel{transport: transport, keys: keys, sessionID: sessionID, baseTimeout: baseTimeout, log: log}
}

// NextSeq returns the next monotonic sequence number without sending
// anything, for callers that need to pre-stamp an envelope.
func (c *ReliableControlChannel) NextSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// SendReliable assigns the next sequence number to envelope, MACs it, and
// retransmits with exponential backoff (starting at the channel's base
// timeout, 200ms by default, doubling, capped at 4x) until an Acknowledge
// for that seq arrives or the retransmit limit is exceeded. A keepalive
// received while waiting resets the attempt counter.
func (c *ReliableControlChannel) SendReliable(ctx context.Context, envelope ControlEnvelope) (Acknowledge, error) {
	c.mu.Lock()
	c.seq++
	envelope.Seq = c.seq
	c.mu.Unlock()

	envelope.SessionID = sessionIDToUUID(c.sessionID)
	payload, err := controlMACPayload(envelope)
	if err != nil {
		return Acknowledge{}, newErr(KindProtocol, "", "control.send_reliable", err)
	}
	mac, err := c.keys.ComputeMAC(envelope.Seq, c.sessionID, payload)
	if err != nil {
		return Acknowledge{}, newErr(KindAuthentication, CodeAuthFailed, "control.send_reliable", err)
	}
	envelope.MAC = mac

	attempt := 0
	for {
		attempt++
		if err := c.transport.Send(ctx, HandshakeMessage{Control: &envelope}); err != nil {
			return Acknowledge{}, newErr(KindTransport, CodeTransport, "control.send_reliable", err)
		}

		timeout := backoffFor(c.baseTimeout, attempt)
		recvCtx, cancel := context.WithTimeout(ctx, timeout)
		msg, err := c.transport.Recv(recvCtx)
		cancel()

		switch {
		case err != nil:
			// timeout or transport error; fall through to retry accounting
		case msg.Ack != nil:
			ack := *msg.Ack
			if ack.Seq == envelope.Seq && ack.OK {
				ok, verr := c.keys.VerifyMAC(ack.Seq, c.sessionID, encodeAckPayload(ack), ack.MAC)
				if verr == nil && ok {
					return ack, nil
				}
				c.log.Warn("control ack failed MAC verification", "seq", ack.Seq)
			}
		case msg.Keepalive != nil:
			attempt = 0
		}

		if attempt >= controlMaxAttempts {
			return Acknowledge{}, newErr(KindTransport, CodeTransport, "control.send_reliable", errors.New("control channel retransmit limit exceeded"))
		}
	}
}

func backoffFor(base time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift > 2 {
		shift = 2 // saturates at base*4, matching 2^2
	}
	return base * time.Duration(1<<uint(shift))
}

var canonicalEnc = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// controlMACPayload produces the canonical byte form of an envelope's op
// and payload for MAC computation. Canonical CBOR sorts map keys, so both
// peers derive identical bytes regardless of map iteration order.
func controlMACPayload(e ControlEnvelope) ([]byte, error) {
	return canonicalEnc.Marshal(struct {
		Op      ControlOp      `cbor:"op"`
		Payload map[string]any `cbor:"payload,omitempty"`
	}{e.Op, e.Payload})
}

func encodeAckPayload(a Acknowledge) []byte {
	if a.OK {
		return []byte("ok:" + a.Detail)
	}
	return []byte("err:" + a.Detail)
}

// ControlResponder is the receiving side of the reliable control channel:
// it verifies an incoming envelope's MAC, rejects replays by tracking the
// highest seq it has accepted for this direction, and answers accepted
// envelopes with a signed Acknowledge.
type ControlResponder struct {
	keys      SessionKeys
	sessionID [16]byte
	mu        sync.Mutex
	lastSeq   uint64
	log       *slog.Logger
}

// NewControlResponder builds a responder verifying envelopes addressed to
// sessionID with keys. log may be nil, in which case slog.Default() is
// used.
func NewControlResponder(keys SessionKeys, sessionID [16]byte, log *slog.Logger) *ControlResponder {
	if log == nil {
		log = slog.Default()
	}
	return &ControlResponder{keys: keys, sessionID: sessionID, log: log}
}

// AcceptEnvelope verifies env's MAC and rejects it with CodeReplayDetected
// if its seq is at or below the last seq this responder has accepted.
// Only on success does it advance its high-water seq and return a signed
// Acknowledge; on any failure it returns no ack, and the caller must not
// send one.
func (r *ControlResponder) AcceptEnvelope(env ControlEnvelope) (Acknowledge, error) {
	payload, err := controlMACPayload(env)
	if err != nil {
		return Acknowledge{}, newErr(KindProtocol, "", "control.accept_envelope", err)
	}
	ok, err := r.keys.VerifyMAC(env.Seq, r.sessionID, payload, env.MAC)
	if err != nil {
		return Acknowledge{}, newErr(KindAuthentication, CodeAuthFailed, "control.accept_envelope", err)
	}
	if !ok {
		return Acknowledge{}, newErr(KindAuthentication, CodeAuthFailed, "control.accept_envelope",
			errors.New("control envelope MAC verification failed"))
	}

	r.mu.Lock()
	if env.Seq <= r.lastSeq {
		last := r.lastSeq
		r.mu.Unlock()
		return Acknowledge{}, newErr(KindAuthentication, CodeReplayDetected, "control.accept_envelope",
			fmt.Errorf("seq %d is not greater than last accepted seq %d", env.Seq, last))
	}
	r.lastSeq = env.Seq
	r.mu.Unlock()

	return r.signAck(env.Seq, true, "")
}

func (r *ControlResponder) signAck(seq uint64, ok bool, detail string) (Acknowledge, error) {
	ack := Acknowledge{MessageType: MessageControlAck, SessionID: sessionIDToUUID(r.sessionID), Seq: seq, OK: ok, Detail: detail}
	mac, err := r.keys.ComputeMAC(ack.Seq, r.sessionID, encodeAckPayload(ack))
	if err != nil {
		return Acknowledge{}, newErr(KindAuthentication, CodeAuthFailed, "control.accept_envelope", err)
	}
	ack.MAC = mac
	return ack, nil
}

// Serve reads HandshakeMessages from transport until ctx is done or Recv
// fails, verifying and acknowledging every Control envelope against
// session, applying its op (Session.ApplyControlOp), and recording
// liveness for every Keepalive. This is the node-side counterpart to
// ReliableControlChannel.SendReliable: the controller drives the control
// plane, the node verifies, replay-checks, applies, and acks it.
func (r *ControlResponder) Serve(ctx context.Context, transport HandshakeTransport, session *Session) error {
	for {
		msg, err := transport.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return newErr(KindTransport, CodeTransport, "control.serve", err)
		}

		switch {
		case msg.Control != nil:
			env := *msg.Control
			ack, acceptErr := r.AcceptEnvelope(env)
			if acceptErr != nil {
				r.log.Warn("rejecting control envelope", "op", env.Op, "seq", env.Seq, "error", acceptErr)
				continue
			}
			if opErr := session.ApplyControlOp(env.Op, env.Payload); opErr != nil {
				r.log.Warn("control op failed", "op", env.Op, "seq", env.Seq, "error", opErr)
				if ack, acceptErr = r.signAck(env.Seq, false, opErr.Error()); acceptErr != nil {
					continue
				}
			}
			sendCtx, cancel := context.WithTimeout(ctx, controlBaseTimeout)
			sendErr := transport.Send(sendCtx, HandshakeMessage{Ack: &ack})
			cancel()
			if sendErr != nil {
				r.log.Warn("control ack send failed", "seq", ack.Seq, "error", sendErr)
			}
		case msg.Keepalive != nil:
			session.UpdateKeepalive()
		}
	}
}

// TimeoutTransport wraps a HandshakeTransport and enforces a fixed Recv
// deadline independent of whatever the caller's context carries.
type TimeoutTransport struct {
	inner       HandshakeTransport
	recvTimeout time.Duration
}

// WithRecvTimeout wraps inner so every Recv call is bounded by timeout.
func WithRecvTimeout(inner HandshakeTransport, timeout time.Duration) TimeoutTransport {
	return TimeoutTransport{inner: inner, recvTimeout: timeout}
}

// Send delegates to the wrapped transport unchanged.
func (t TimeoutTransport) Send(ctx context.Context, msg HandshakeMessage) error {
	return t.inner.Send(ctx, msg)
}

// Recv bounds the wrapped transport's Recv to t.recvTimeout.
func (t TimeoutTransport) Recv(ctx context.Context) (HandshakeMessage, error) {
	recvCtx, cancel := context.WithTimeout(ctx, t.recvTimeout)
	defer cancel()
	msg, err := t.inner.Recv(recvCtx)
	if err != nil {
		return HandshakeMessage{}, newErr(KindTransport, CodeTransport, "timeout_transport.recv", err)
	}
	return msg, nil
}

// LoopbackTransport is an in-memory, single-process HandshakeTransport
// useful for tests: Send enqueues, Recv dequeues FIFO. It never blocks on
// an empty queue — Recv fails immediately instead.
type LoopbackTransport struct {
	mu    sync.Mutex
	inbox []HandshakeMessage
}

// NewLoopbackTransport returns an empty loopback queue.
func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{}
}

// Send enqueues msg.
func (l *LoopbackTransport) Send(ctx context.Context, msg HandshakeMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inbox = append(l.inbox, msg)
	return nil
}

// Recv dequeues the oldest pending message, or fails if the queue is empty.
func (l *LoopbackTransport) Recv(ctx context.Context) (HandshakeMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.inbox) == 0 {
		return HandshakeMessage{}, newErr(KindTransport, CodeTransport, "loopback.recv", errors.New("loopback queue empty"))
	}
	msg := l.inbox[0]
	l.inbox = l.inbox[1:]
	return msg, nil
}

// LinkedLoopbackTransports returns two LoopbackTransport-backed pipes
// wired so a send on one is visible to a recv on the other — the shape a
// controller/node pair of tests actually needs, since a single
// LoopbackTransport only ever talks to itself.
func LinkedLoopbackTransports() (a, b *pipeTransport) {
	ab := make(chan HandshakeMessage, 64)
	ba := make(chan HandshakeMessage, 64)
	return &pipeTransport{send: ab, recv: ba}, &pipeTransport{send: ba, recv: ab}
}

// pipeTransport is a channel-backed HandshakeTransport linking exactly two
// endpoints, used by LinkedLoopbackTransports.
type pipeTransport struct {
	send chan<- HandshakeMessage
	recv <-chan HandshakeMessage
}

// Send delivers msg to the paired endpoint's Recv.
func (p *pipeTransport) Send(ctx context.Context, msg HandshakeMessage) error {
	select {
	case p.send <- msg:
		return nil
	case <-ctx.Done():
		return newErr(KindTransport, CodeTransport, "pipe.send", ctx.Err())
	}
}

// Recv blocks for the next message sent by the paired endpoint, or until
// ctx is done.
func (p *pipeTransport) Recv(ctx context.Context) (HandshakeMessage, error) {
	select {
	case msg := <-p.recv:
		return msg, nil
	case <-ctx.Done():
		return HandshakeMessage{}, newErr(KindTransport, CodeTransport, "pipe.recv", ctx.Err())
	}
}
