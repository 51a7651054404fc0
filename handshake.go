package alpine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/y-link-dmx/alpine/internal/cryptocap"
)

// HandshakeTransport moves one HandshakeMessage at a time in either
// direction. Implementations carry handshake AND control-plane traffic so
// the reliable control channel can reuse the same capability after the
// handshake completes.
type HandshakeTransport interface {
	Send(ctx context.Context, msg HandshakeMessage) error
	Recv(ctx context.Context) (HandshakeMessage, error)
}

// ChallengeAuthenticator signs and verifies the handshake's challenge
// nonce. StaticKeyAuthenticator and Ed25519Authenticator are the two
// concrete implementations below.
type ChallengeAuthenticator interface {
	SignChallenge(nonce []byte) []byte
	VerifyChallenge(nonce, signature []byte) bool
}

// HandshakeContext carries the fields that do not vary per message: the
// protocol version this side records as SessionEstablished's
// NegotiatedVersion. The version is not exchanged or checked during the
// handshake.
type HandshakeContext struct {
	MinProtocolVersion int
}

// DefaultHandshakeContext records the version this core speaks.
func DefaultHandshakeContext() HandshakeContext {
	return HandshakeContext{MinProtocolVersion: ProtocolVersion}
}

// HandshakeOutcome is the driver's output: the established session record
// plus the derived symmetric keys.
type HandshakeOutcome struct {
	Established SessionEstablished
	Keys        SessionKeys
}

// handshakeDriver runs the hello/challenge/confirm exchange for one role.
// Controller dials (sends Hello first); Node accepts (waits for Hello).
type handshakeDriver struct {
	identity      DeviceIdentity
	capabilities  CapabilitySet
	authenticator ChallengeAuthenticator
	keyExchange   cryptocap.KeyExchange
	context       HandshakeContext
	log           *slog.Logger
}

// runController drives the initiating side of the handshake: send Hello,
// await Challenge, verify it, send Confirm.
func (d handshakeDriver) runController(ctx context.Context, t HandshakeTransport) (HandshakeOutcome, error) {
	priv, err := d.keyExchange.GenerateEphemeral()
	if err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.controller", err)
	}
	nonce, err := cryptocap.RandomNonce(32)
	if err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.controller", err)
	}

	hello := HelloMessage{
		MessageType:  MessageHandshakeHello,
		Identity:     d.identity,
		Capabilities: d.capabilities,
		EphemeralPub: priv.PublicKey().Bytes(),
		Nonce:        nonce,
	}
	if err := t.Send(ctx, HandshakeMessage{Hello: &hello}); err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.controller", err)
	}

	msg, err := t.Recv(ctx)
	if err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.controller", err)
	}
	if msg.Challenge == nil {
		return HandshakeOutcome{}, newErr(KindProtocol, "", "handshake.controller", fmt.Errorf("expected Challenge, got %+v", msg))
	}
	challenge := msg.Challenge

	if !d.authenticator.VerifyChallenge(nonce, challenge.Signature) {
		return HandshakeOutcome{}, newErr(KindAuthentication, CodeAuthFailed, "handshake.controller", errors.New("challenge signature invalid"))
	}

	secret, err := d.keyExchange.Agree(priv, challenge.EphemeralPub)
	if err != nil {
		return HandshakeOutcome{}, newErr(KindAuthentication, CodeAuthFailed, "handshake.controller", err)
	}

	sessionID := uuid.New()
	var sessionIDBytes [16]byte
	copy(sessionIDBytes[:], sessionID[:])
	keys, err := cryptocap.DeriveSessionKeys(secret, sessionIDBytes)
	if err != nil {
		return HandshakeOutcome{}, newErr(KindAuthentication, CodeAuthFailed, "handshake.controller", err)
	}

	confirmMAC, err := keys.ComputeMAC(0, sessionIDBytes, []byte("confirm"))
	if err != nil {
		return HandshakeOutcome{}, newErr(KindAuthentication, CodeAuthFailed, "handshake.controller", err)
	}
	confirm := ConfirmMessage{
		MessageType: MessageConfirm,
		SessionID:   sessionID,
		Signature:   d.authenticator.SignChallenge(challenge.Nonce),
		MAC:         confirmMAC,
	}
	if err := t.Send(ctx, HandshakeMessage{Confirm: &confirm}); err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.controller", err)
	}

	d.log.Info("handshake complete", "role", "controller", "session_id", sessionID)
	return HandshakeOutcome{
		Established: SessionEstablished{
			SessionID:         sessionID,
			PeerIdentity:      challenge.Identity,
			PeerCapabilities:  challenge.Capabilities,
			NegotiatedVersion: d.context.MinProtocolVersion,
		},
		Keys: keys,
	}, nil
}

// runNode drives the accepting side of the handshake: await Hello, send
// Challenge, await and verify Confirm.
func (d handshakeDriver) runNode(ctx context.Context, t HandshakeTransport) (HandshakeOutcome, error) {
	msg, err := t.Recv(ctx)
	if err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.node", err)
	}
	if msg.Hello == nil {
		return HandshakeOutcome{}, newErr(KindProtocol, "", "handshake.node", fmt.Errorf("expected Hello, got %+v", msg))
	}
	hello := msg.Hello

	priv, err := d.keyExchange.GenerateEphemeral()
	if err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.node", err)
	}

	challenge := ChallengeMessage{
		MessageType:  MessageChallenge,
		Identity:     d.identity,
		Capabilities: d.capabilities,
		EphemeralPub: priv.PublicKey().Bytes(),
		Nonce:        hello.Nonce,
		Signature:    d.authenticator.SignChallenge(hello.Nonce),
	}
	if err := t.Send(ctx, HandshakeMessage{Challenge: &challenge}); err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.node", err)
	}

	secret, err := d.keyExchange.Agree(priv, hello.EphemeralPub)
	if err != nil {
		return HandshakeOutcome{}, newErr(KindAuthentication, CodeAuthFailed, "handshake.node", err)
	}

	confirmMsg, err := t.Recv(ctx)
	if err != nil {
		return HandshakeOutcome{}, newErr(KindTransport, CodeTransport, "handshake.node", err)
	}
	if confirmMsg.Confirm == nil {
		return HandshakeOutcome{}, newErr(KindProtocol, "", "handshake.node", fmt.Errorf("expected Confirm, got %+v", confirmMsg))
	}
	confirm := confirmMsg.Confirm

	if !d.authenticator.VerifyChallenge(challenge.Nonce, confirm.Signature) {
		return HandshakeOutcome{}, newErr(KindAuthentication, CodeAuthFailed, "handshake.node", errors.New("confirm signature invalid"))
	}

	var sessionIDBytes [16]byte
	copy(sessionIDBytes[:], confirm.SessionID[:])
	keys, err := cryptocap.DeriveSessionKeys(secret, sessionIDBytes)
	if err != nil {
		return HandshakeOutcome{}, newErr(KindAuthentication, CodeAuthFailed, "handshake.node", err)
	}

	ok, err := keys.VerifyMAC(0, sessionIDBytes, []byte("confirm"), confirm.MAC)
	if err != nil || !ok {
		return HandshakeOutcome{}, newErr(KindAuthentication, CodeAuthFailed, "handshake.node", errors.New("confirm MAC invalid"))
	}

	d.log.Info("handshake complete", "role", "node", "session_id", confirm.SessionID)
	return HandshakeOutcome{
		Established: SessionEstablished{
			SessionID:         confirm.SessionID,
			PeerIdentity:      hello.Identity,
			PeerCapabilities:  hello.Capabilities,
			NegotiatedVersion: d.context.MinProtocolVersion,
		},
		Keys: keys,
	}, nil
}

// DialController runs the controller side of a handshake over t and
// returns a Ready session. A convenience wrapper around NewSession plus
// the handshake driver with the default key exchange bound.
func DialController(ctx context.Context, identity DeviceIdentity, caps CapabilitySet, auth ChallengeAuthenticator, t HandshakeTransport, log *slog.Logger) (*Session, error) {
	return runHandshake(ctx, RoleController, identity, caps, auth, t, log)
}

// AcceptNode runs the node side of a handshake over t and returns a Ready
// session.
func AcceptNode(ctx context.Context, identity DeviceIdentity, caps CapabilitySet, auth ChallengeAuthenticator, t HandshakeTransport, log *slog.Logger) (*Session, error) {
	return runHandshake(ctx, RoleNode, identity, caps, auth, t, log)
}

func runHandshake(ctx context.Context, role Role, identity DeviceIdentity, caps CapabilitySet, auth ChallengeAuthenticator, t HandshakeTransport, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	session := NewSession(role, log)
	if err := session.beginHandshake(); err != nil {
		return nil, err
	}

	driver := handshakeDriver{
		identity:      identity,
		capabilities:  caps,
		authenticator: auth,
		keyExchange:   cryptocap.X25519KeyExchange{},
		context:       DefaultHandshakeContext(),
		log:           log,
	}

	var outcome HandshakeOutcome
	var err error
	if role == RoleController {
		outcome, err = driver.runController(ctx, t)
	} else {
		outcome, err = driver.runNode(ctx, t)
	}
	if err != nil {
		session.Fail(err.Error())
		return nil, err
	}

	if err := session.applyHandshakeOutcome(outcome); err != nil {
		session.Fail(err.Error())
		return nil, err
	}
	return session, nil
}

// StaticKeyAuthenticator is a shared-secret placeholder authenticator
// useful for tests and the loopback transport. Not suitable for
// production use — the signature is trivially forgeable by anyone who
// observes one exchange.
type StaticKeyAuthenticator struct {
	secret []byte
}

// NewStaticKeyAuthenticator returns an authenticator keyed by secret.
func NewStaticKeyAuthenticator(secret []byte) StaticKeyAuthenticator {
	return StaticKeyAuthenticator{secret: append([]byte(nil), secret...)}
}

// DefaultStaticKeyAuthenticator returns a StaticKeyAuthenticator with a
// well-known secret, for tests and examples where both sides are local.
func DefaultStaticKeyAuthenticator() StaticKeyAuthenticator {
	return NewStaticKeyAuthenticator([]byte("default-alpine-secret"))
}

// SignChallenge concatenates the shared secret and the nonce.
func (a StaticKeyAuthenticator) SignChallenge(nonce []byte) []byte {
	sig := make([]byte, 0, len(a.secret)+len(nonce))
	sig = append(sig, a.secret...)
	sig = append(sig, nonce...)
	return sig
}

// VerifyChallenge checks that signature is exactly secret‖nonce.
func (a StaticKeyAuthenticator) VerifyChallenge(nonce, signature []byte) bool {
	if len(signature) != len(a.secret)+len(nonce) {
		return false
	}
	return bytes.HasPrefix(signature, a.secret) && bytes.HasSuffix(signature, nonce)
}

// Ed25519Authenticator is the production ChallengeAuthenticator, backed by
// a node's Ed25519 credentials.
type Ed25519Authenticator struct {
	creds cryptocap.NodeCredentials
}

// NewEd25519Authenticator wraps creds as a ChallengeAuthenticator.
func NewEd25519Authenticator(creds cryptocap.NodeCredentials) Ed25519Authenticator {
	return Ed25519Authenticator{creds: creds}
}

// SignChallenge signs nonce with the node's Ed25519 private key.
func (a Ed25519Authenticator) SignChallenge(nonce []byte) []byte {
	return a.creds.Sign(nonce)
}

// VerifyChallenge checks signature against nonce using the node's public key.
func (a Ed25519Authenticator) VerifyChallenge(nonce, signature []byte) bool {
	return cryptocap.Verify(a.creds.Public, nonce, signature)
}
