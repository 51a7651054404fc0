package alpine

import (
	"context"
	"time"

	"github.com/y-link-dmx/alpine/internal/quictransport"
)

const (
	handshakeDatagramKind       = "handshake"
	frameDatagramKind           = "frame"
	discoverRequestDatagramKind = "discover_request"
	discoverReplyDatagramKind   = "discover_reply"
)

// QUICDiscoveryTransport adapts a quictransport.Transport to
// DiscoveryTransport.
type QUICDiscoveryTransport struct {
	inner *quictransport.Transport
}

// NewQUICDiscoveryTransport wraps an established QUIC connection adapter.
func NewQUICDiscoveryTransport(inner *quictransport.Transport) QUICDiscoveryTransport {
	return QUICDiscoveryTransport{inner: inner}
}

// RecvDiscoverRequest blocks for the next discover-request datagram.
func (t QUICDiscoveryTransport) RecvDiscoverRequest(ctx context.Context) (DiscoverRequest, error) {
	var req DiscoverRequest
	if err := t.inner.RecvKind(ctx, discoverRequestDatagramKind, &req); err != nil {
		return DiscoverRequest{}, err
	}
	return req, nil
}

// SendDiscoverReply sends reply as a discover-reply datagram.
func (t QUICDiscoveryTransport) SendDiscoverReply(ctx context.Context, reply DiscoverReply) error {
	return t.inner.SendKind(ctx, discoverReplyDatagramKind, &reply)
}

// QUICHandshakeTransport adapts a quictransport.Transport to
// HandshakeTransport, moving handshake, control, and keepalive messages
// as "handshake"-tagged QUIC datagrams.
type QUICHandshakeTransport struct {
	inner *quictransport.Transport
}

// NewQUICHandshakeTransport wraps an established QUIC connection adapter.
func NewQUICHandshakeTransport(inner *quictransport.Transport) QUICHandshakeTransport {
	return QUICHandshakeTransport{inner: inner}
}

// Send CBOR-encodes and sends msg as a handshake-tagged datagram.
func (t QUICHandshakeTransport) Send(ctx context.Context, msg HandshakeMessage) error {
	return t.inner.SendKind(ctx, handshakeDatagramKind, &msg)
}

// Recv blocks for the next handshake-tagged datagram and decodes it.
func (t QUICHandshakeTransport) Recv(ctx context.Context) (HandshakeMessage, error) {
	var msg HandshakeMessage
	if err := t.inner.RecvKind(ctx, handshakeDatagramKind, &msg); err != nil {
		return HandshakeMessage{}, err
	}
	return msg, nil
}

// QUICFrameTransport adapts a quictransport.Transport to FrameTransport,
// moving streaming frames as "frame"-tagged QUIC datagrams independent of
// the handshake/control traffic sharing the same connection.
type QUICFrameTransport struct {
	inner *quictransport.Transport
}

// NewQUICFrameTransport wraps an established QUIC connection adapter.
func NewQUICFrameTransport(inner *quictransport.Transport) QUICFrameTransport {
	return QUICFrameTransport{inner: inner}
}

// SendFrame CBOR-encodes and sends frame as a frame-tagged datagram.
func (t QUICFrameTransport) SendFrame(ctx context.Context, frame FrameEnvelope) error {
	return t.inner.SendKind(ctx, frameDatagramKind, &frame)
}

// QUICListener accepts incoming controller connections for a node-side
// process.
type QUICListener struct {
	inner *quictransport.Listener
}

// ListenQUIC opens a QUIC listener bound to addr, returning it alongside
// its self-signed certificate's fingerprint for operators to display
// out-of-band (discovery replies carry the node's Ed25519 identity, not
// this fingerprint, so pinning it is optional hardening).
func ListenQUIC(addr string, certValidity time.Duration) (QUICListener, string, error) {
	ln, fingerprint, err := quictransport.Listen(addr, certValidity)
	if err != nil {
		return QUICListener{}, "", newErr(KindTransport, CodeTransport, "quic.listen", err)
	}
	return QUICListener{inner: ln}, fingerprint, nil
}

// Accept waits for the next incoming connection and wraps it for
// handshake and frame traffic.
func (l QUICListener) Accept(ctx context.Context) (QUICHandshakeTransport, QUICFrameTransport, error) {
	t, err := l.inner.Accept(ctx)
	if err != nil {
		return QUICHandshakeTransport{}, QUICFrameTransport{}, newErr(KindTransport, CodeTransport, "quic.accept", err)
	}
	return NewQUICHandshakeTransport(t), NewQUICFrameTransport(t), nil
}

// Close shuts down the listener.
func (l QUICListener) Close() error { return l.inner.Close() }

// DialQUIC opens a QUIC connection to addr and wraps it for handshake and
// frame traffic. expectedFingerprint, if non-empty, pins the node's
// self-signed certificate (learned out of band from ListenQUIC's return
// value) before any ALPINE traffic is exchanged; pass "" to skip pinning
// and rely solely on the handshake's Ed25519 exchange for trust.
func DialQUIC(ctx context.Context, addr, expectedFingerprint string) (QUICHandshakeTransport, QUICFrameTransport, error) {
	t, err := quictransport.Dial(ctx, addr, expectedFingerprint)
	if err != nil {
		return QUICHandshakeTransport{}, QUICFrameTransport{}, newErr(KindTransport, CodeTransport, "quic.dial", err)
	}
	return NewQUICHandshakeTransport(t), NewQUICFrameTransport(t), nil
}
