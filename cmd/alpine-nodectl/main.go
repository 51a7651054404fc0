// Command alpine-nodectl wires a single ALPINE node or controller session
// end to end — handshake, control, and streaming — over the QUIC
// transport adapter. It is thin wiring, not a reimplementation of the
// core: every decision (state transitions, adaptation, recovery) lives in
// the alpine package.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	alpine "github.com/y-link-dmx/alpine"
	"github.com/y-link-dmx/alpine/internal/cryptocap"
)

func main() {
	role := flag.String("role", "node", "session role: \"node\" (accept) or \"controller\" (dial)")
	addr := flag.String("addr", ":7443", "QUIC listen address (node) or dial address (controller)")
	intent := flag.String("intent", "auto", "stream profile intent: auto, realtime, or install")
	handshakeTimeout := flag.Duration("handshake-timeout", 3*time.Second, "handshake round timeout")
	baseRetransmit := flag.Duration("base-retransmit", 200*time.Millisecond, "control channel base retransmit timeout")
	keepaliveInterval := flag.Duration("keepalive-interval", alpine.DefaultKeepaliveInterval, "keepalive send interval")
	frameInterval := flag.Duration("frame-interval", 500*time.Millisecond, "synthetic frame emit interval (controller role; 0 disables)")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity (node role only)")
	manufacturerID := flag.String("manufacturer-id", "alpine-reference", "advertised manufacturer identifier")
	modelID := flag.String("model-id", "nodectl", "advertised model identifier")
	peerFingerprint := flag.String("peer-fingerprint", "", "pin the node's self-signed TLS certificate fingerprint (controller role only; printed by the node at startup)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	handshakeCtx, cancelHandshake := context.WithTimeout(ctx, *handshakeTimeout)
	defer cancelHandshake()

	identity := alpine.DeviceIdentity{
		DeviceID:       uuid.New(),
		ManufacturerID: *manufacturerID,
		ModelID:        *modelID,
	}
	caps := alpine.DefaultCapabilitySet()

	creds, err := cryptocap.GenerateNodeCredentials()
	if err != nil {
		logger.Error("generate credentials", "error", err)
		os.Exit(1)
	}
	auth := alpine.NewEd25519Authenticator(creds)

	profile, err := profileForIntent(*intent)
	if err != nil {
		logger.Error("invalid stream profile intent", "intent", *intent, "error", err)
		os.Exit(1)
	}
	compiled, err := profile.Compile()
	if err != nil {
		logger.Error("compile stream profile", "error", err)
		os.Exit(1)
	}

	var session *alpine.Session
	var handshakeConn alpine.QUICHandshakeTransport
	var frames alpine.FrameTransport

	switch *role {
	case "node":
		session, handshakeConn, frames, err = runNode(handshakeCtx, *addr, *certValidity, identity, caps, auth, logger)
	case "controller":
		session, handshakeConn, frames, err = runController(handshakeCtx, *addr, *peerFingerprint, identity, caps, auth, logger)
	default:
		logger.Error("unknown role", "role", *role)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("session setup failed", "role", *role, "error", err)
		os.Exit(1)
	}
	defer session.Close()

	if err := session.SetStreamProfile(compiled); err != nil {
		logger.Error("set stream profile", "error", err)
		os.Exit(1)
	}
	session.MarkStreaming()

	sessionID := session.Established().SessionID
	var sessionIDBytes [16]byte
	copy(sessionIDBytes[:], sessionID[:])

	logger.Info("session ready",
		"role", *role,
		"session_id", sessionID,
		"config_id", compiled.ConfigID(),
		"keepalive_interval", keepaliveInterval,
	)

	keepalive := alpine.NewKeepaliveScheduler(handshakeConn, sessionIDBytes, *keepaliveInterval, logger)
	go keepalive.Run(ctx)

	keys, _ := session.Keys()
	switch *role {
	case "controller":
		// The controller drives the control plane: it sends commands and
		// waits for the node's signed ack.
		control := alpine.NewReliableControlChannelWithTimeout(handshakeConn, keys, sessionIDBytes, *baseRetransmit, logger)
		if _, err := control.SendReliable(ctx, alpine.ControlEnvelope{
			MessageType: alpine.MessageControl,
			Op:          alpine.OpPing,
		}); err != nil {
			logger.Warn("initial ping failed", "error", err)
		}
		// The controller also drives the streaming plane with a synthetic
		// ramp pattern, so one controller/node pair exercises handshake,
		// control, and frames end to end.
		if *frameInterval > 0 {
			sender := alpine.NewStreamSender(session, frames, alpine.NewRecoveryMonitor())
			go emitTestFrames(ctx, sender, *frameInterval, logger)
		}
	case "node":
		// The node verifies, replay-checks, applies, and acks every
		// control envelope the controller sends, and records keepalive
		// liveness — see ControlResponder.Serve.
		responder := alpine.NewControlResponder(keys, sessionIDBytes, logger)
		go func() {
			if err := responder.Serve(ctx, handshakeConn, session); err != nil {
				logger.Warn("control responder stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down", "role", *role)
}

// emitTestFrames emits a slowly ramping three-channel pattern until ctx
// is canceled, giving a controller run real frame traffic without a
// fixture attached.
func emitTestFrames(ctx context.Context, sender *alpine.StreamSender, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var step uint16
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			channels := []uint16{step, step + 64, step + 128}
			if err := sender.Send(ctx, "generic-u16", channels, 0, nil, nil); err != nil {
				logger.Warn("frame send failed", "error", err)
				continue
			}
			step += 8
		}
	}
}

func profileForIntent(intent string) (alpine.StreamProfile, error) {
	switch intent {
	case "auto", "":
		return alpine.AutoProfile(), nil
	case "realtime":
		return alpine.RealtimeProfile(), nil
	case "install":
		return alpine.InstallProfile(), nil
	default:
		return alpine.StreamProfile{}, errUnknownIntent
	}
}

var errUnknownIntent = unknownIntentError{}

type unknownIntentError struct{}

func (unknownIntentError) Error() string { return "unknown stream profile intent" }

func runNode(ctx context.Context, addr string, certValidity time.Duration, identity alpine.DeviceIdentity, caps alpine.CapabilitySet, auth alpine.Ed25519Authenticator, logger *slog.Logger) (*alpine.Session, alpine.QUICHandshakeTransport, alpine.FrameTransport, error) {
	ln, fingerprint, err := alpine.ListenQUIC(addr, certValidity)
	if err != nil {
		return nil, alpine.QUICHandshakeTransport{}, nil, err
	}
	defer ln.Close()
	logger.Info("listening", "addr", addr, "tls_fingerprint", fingerprint)

	handshakeConn, frameConn, err := ln.Accept(ctx)
	if err != nil {
		return nil, alpine.QUICHandshakeTransport{}, nil, err
	}

	session, err := alpine.AcceptNode(ctx, identity, caps, auth, handshakeConn, logger)
	if err != nil {
		return nil, alpine.QUICHandshakeTransport{}, nil, err
	}
	return session, handshakeConn, frameConn, nil
}

func runController(ctx context.Context, addr, peerFingerprint string, identity alpine.DeviceIdentity, caps alpine.CapabilitySet, auth alpine.Ed25519Authenticator, logger *slog.Logger) (*alpine.Session, alpine.QUICHandshakeTransport, alpine.FrameTransport, error) {
	handshakeConn, frameConn, err := alpine.DialQUIC(ctx, addr, peerFingerprint)
	if err != nil {
		return nil, alpine.QUICHandshakeTransport{}, nil, err
	}

	session, err := alpine.DialController(ctx, identity, caps, auth, handshakeConn, logger)
	if err != nil {
		return nil, alpine.QUICHandshakeTransport{}, nil, err
	}
	return session, handshakeConn, frameConn, nil
}
