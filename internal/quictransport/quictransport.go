// Package quictransport carries ALPINE handshake, control, and streaming
// traffic over QUIC datagrams (RFC 9221): an unreliable,
// connection-oriented carrier beneath the protocol's own reliability and
// authentication layers. Wire messages are CBOR-encoded.
package quictransport

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/quic-go/quic-go"
)

const alpnProtocol = "alpine/1"

// wireMessage is the CBOR envelope put on the wire. It carries either a
// HandshakeMessage-shaped payload or a raw FrameEnvelope, discriminated by
// Kind, so a single QUIC datagram channel moves every ALPINE message type.
type wireMessage struct {
	Kind    string          `cbor:"kind"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// Transport adapts a *quic.Conn's unreliable datagrams to alpine's
// HandshakeTransport and FrameTransport interfaces. One Transport wraps
// exactly one QUIC connection between a controller and a node.
type Transport struct {
	conn *quic.Conn
}

// New wraps an established QUIC connection.
func New(conn *quic.Conn) *Transport {
	return &Transport{conn: conn}
}

// Listener wraps a *quic.Listener so callers of this package never need
// to import quic-go directly.
type Listener struct {
	ln *quic.Listener
}

// Listen opens a QUIC listener on addr using a self-signed certificate
// valid for certValidity, returning the listener and its TLS fingerprint
// for out-of-band display (e.g. in operator logs).
func Listen(addr string, certValidity time.Duration) (*Listener, string, error) {
	tlsConf, fingerprint, err := GenerateTLSConfig(certValidity, "")
	if err != nil {
		return nil, "", err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, "", fmt.Errorf("quictransport: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln}, fingerprint, nil
}

// Accept waits for and returns the next incoming QUIC connection as a
// Transport, completing the QUIC-layer handshake only — the ALPINE
// handshake driver still runs on top of it.
func (l *Listener) Accept(ctx context.Context) (*Transport, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("quictransport: accept: %w", err)
	}
	return New(conn), nil
}

// Close shuts down the listener.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Dial opens a QUIC connection to addr and wraps it as a Transport.
// expectedFingerprint, if non-empty, pins the server's self-signed
// certificate (see ClientTLSConfig); pass "" when no pinned value is
// available.
func Dial(ctx context.Context, addr, expectedFingerprint string) (*Transport, error) {
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(expectedFingerprint), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quictransport: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

func quicConfig() *quic.Config {
	return &quic.Config{EnableDatagrams: true}
}

// SendKind CBOR-encodes v and sends it as a datagram tagged kind. v is
// typically a pointer to alpine.HandshakeMessage or alpine.FrameEnvelope;
// this package accepts `any` rather than importing those types directly
// to avoid a cycle (the root alpine package wraps Transport to implement
// its HandshakeTransport/FrameTransport interfaces).
func (t *Transport) SendKind(ctx context.Context, kind string, v any) error {
	return t.sendTagged(kind, v)
}

// RecvKind blocks until a datagram tagged kind arrives and decodes its
// payload into out, skipping any datagrams tagged otherwise.
func (t *Transport) RecvKind(ctx context.Context, kind string, out any) error {
	return t.recvTagged(ctx, kind, out)
}

func (t *Transport) sendTagged(kind string, v any) error {
	payload, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("quictransport: encode %s: %w", kind, err)
	}
	msg, err := cbor.Marshal(wireMessage{Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("quictransport: encode envelope: %w", err)
	}
	if err := t.conn.SendDatagram(msg); err != nil {
		return fmt.Errorf("quictransport: send datagram: %w", err)
	}
	return nil
}

func (t *Transport) recvTagged(ctx context.Context, wantKind string, out any) error {
	for {
		raw, err := t.conn.ReceiveDatagram(ctx)
		if err != nil {
			return fmt.Errorf("quictransport: receive datagram: %w", err)
		}
		var msg wireMessage
		if err := cbor.Unmarshal(raw, &msg); err != nil {
			return fmt.Errorf("quictransport: decode envelope: %w", err)
		}
		if msg.Kind != wantKind {
			continue
		}
		if err := cbor.Unmarshal(msg.Payload, out); err != nil {
			return fmt.Errorf("quictransport: decode %s: %w", wantKind, err)
		}
		return nil
	}
}

// Close closes the underlying QUIC connection.
func (t *Transport) Close() error {
	return t.conn.CloseWithError(0, "closed")
}
