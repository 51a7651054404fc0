package alpine

import (
	"bytes"
	"context"

	"github.com/y-link-dmx/alpine/internal/cryptocap"
)

// DiscoveryTransport exchanges exactly one DiscoverRequest/DiscoverReply
// pair. It is deliberately narrower than HandshakeTransport: discovery is
// stateless and request/reply only, never a sequence of messages.
type DiscoveryTransport interface {
	RecvDiscoverRequest(ctx context.Context) (DiscoverRequest, error)
	SendDiscoverReply(ctx context.Context, reply DiscoverReply) error
}

// DiscoveryResponder answers stateless discovery probes with a reply
// signed over server_nonce‖client_nonce, binding the reply to the
// requester's nonce so it cannot be replayed against a different
// requester. The signature covers only the two nonces; the identity and
// capabilities carried in the reply are not signed.
type DiscoveryResponder struct {
	identity     DeviceIdentity
	capabilities CapabilitySet
	creds        cryptocap.NodeCredentials
}

// NewDiscoveryResponder builds a responder that signs replies with creds.
func NewDiscoveryResponder(identity DeviceIdentity, capabilities CapabilitySet, creds cryptocap.NodeCredentials) *DiscoveryResponder {
	return &DiscoveryResponder{identity: identity, capabilities: capabilities, creds: creds}
}

// RespondOnce waits for a single DiscoverRequest and answers it.
func (r *DiscoveryResponder) RespondOnce(ctx context.Context, t DiscoveryTransport) error {
	req, err := t.RecvDiscoverRequest(ctx)
	if err != nil {
		return newErr(KindTransport, CodeTransport, "discovery.respond", err)
	}

	serverNonce, err := cryptocap.RandomNonce(32)
	if err != nil {
		return newErr(KindTransport, CodeTransport, "discovery.respond", err)
	}

	signed := append(append([]byte{}, serverNonce...), req.ClientNonce...)
	reply := DiscoverReply{
		MessageType:  MessageDiscoverReply,
		Identity:     r.identity,
		Capabilities: r.capabilities,
		ServerNonce:  serverNonce,
		ClientNonce:  req.ClientNonce,
		Signature:    r.creds.Sign(signed),
	}

	if err := t.SendDiscoverReply(ctx, reply); err != nil {
		return newErr(KindTransport, CodeTransport, "discovery.respond", err)
	}
	return nil
}

// VerifyDiscoverReply checks that reply.Signature is a valid signature by
// pub over (reply.ServerNonce ‖ reply.ClientNonce), and that ClientNonce
// matches the nonce the requester sent.
func VerifyDiscoverReply(pub []byte, sentClientNonce []byte, reply DiscoverReply) bool {
	if !bytes.Equal(reply.ClientNonce, sentClientNonce) {
		return false
	}
	signed := append(append([]byte{}, reply.ServerNonce...), reply.ClientNonce...)
	return cryptocap.Verify(pub, signed, reply.Signature)
}

// LoopbackDiscoveryTransport is an in-memory DiscoveryTransport pairing a
// single request with a single reply, for unit tests.
type LoopbackDiscoveryTransport struct {
	request chan DiscoverRequest
	reply   chan DiscoverReply
}

// NewLoopbackDiscoveryTransport returns a transport with the request
// pre-loaded, ready for a responder to answer.
func NewLoopbackDiscoveryTransport(req DiscoverRequest) *LoopbackDiscoveryTransport {
	t := &LoopbackDiscoveryTransport{
		request: make(chan DiscoverRequest, 1),
		reply:   make(chan DiscoverReply, 1),
	}
	t.request <- req
	return t
}

// RecvDiscoverRequest returns the pre-loaded request.
func (t *LoopbackDiscoveryTransport) RecvDiscoverRequest(ctx context.Context) (DiscoverRequest, error) {
	select {
	case req := <-t.request:
		return req, nil
	case <-ctx.Done():
		return DiscoverRequest{}, ctx.Err()
	}
}

// SendDiscoverReply stores reply for the caller to retrieve with Reply.
func (t *LoopbackDiscoveryTransport) SendDiscoverReply(ctx context.Context, reply DiscoverReply) error {
	t.reply <- reply
	return nil
}

// Reply blocks until a reply has been sent, or ctx is done.
func (t *LoopbackDiscoveryTransport) Reply(ctx context.Context) (DiscoverReply, error) {
	select {
	case reply := <-t.reply:
		return reply, nil
	case <-ctx.Done():
		return DiscoverReply{}, ctx.Err()
	}
}
