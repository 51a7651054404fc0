package alpine

import (
	"context"
	"testing"
	"time"

	"github.com/y-link-dmx/alpine/internal/cryptocap"
)

func TestDiscoveryRespondOnceSignsReply(t *testing.T) {
	creds, err := cryptocap.GenerateNodeCredentials()
	if err != nil {
		t.Fatalf("generate credentials: %v", err)
	}
	identity := DeviceIdentity{ManufacturerID: "acme", ModelID: "node"}
	caps := DefaultCapabilitySet()
	responder := NewDiscoveryResponder(identity, caps, creds)

	clientNonce, err := cryptocap.RandomNonce(16)
	if err != nil {
		t.Fatalf("random nonce: %v", err)
	}
	transport := NewLoopbackDiscoveryTransport(DiscoverRequest{MessageType: MessageDiscoverRequest, ClientNonce: clientNonce})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := responder.RespondOnce(ctx, transport); err != nil {
		t.Fatalf("respond_once: %v", err)
	}

	reply, err := transport.Reply(ctx)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !VerifyDiscoverReply(creds.Public, clientNonce, reply) {
		t.Fatalf("expected reply signature to verify")
	}
}

func TestDiscoveryRejectsMismatchedNonce(t *testing.T) {
	creds, err := cryptocap.GenerateNodeCredentials()
	if err != nil {
		t.Fatalf("generate credentials: %v", err)
	}
	identity := DeviceIdentity{ManufacturerID: "acme", ModelID: "node"}
	responder := NewDiscoveryResponder(identity, DefaultCapabilitySet(), creds)

	clientNonce, _ := cryptocap.RandomNonce(16)
	transport := NewLoopbackDiscoveryTransport(DiscoverRequest{MessageType: MessageDiscoverRequest, ClientNonce: clientNonce})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := responder.RespondOnce(ctx, transport); err != nil {
		t.Fatalf("respond_once: %v", err)
	}
	reply, err := transport.Reply(ctx)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}

	wrongNonce, _ := cryptocap.RandomNonce(16)
	if VerifyDiscoverReply(creds.Public, wrongNonce, reply) {
		t.Fatalf("expected verification to fail against an unrelated client nonce")
	}
}
