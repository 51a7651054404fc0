package alpine

import "github.com/google/uuid"

// ProtocolVersion is the negotiated wire version this core speaks.
// Backward compatibility with prior versions is an explicit non-goal.
const ProtocolVersion = 1

// MessageType tags every wire envelope with its concrete shape, mirroring
// the discriminator field the wire format calls message_type.
type MessageType string

const (
	MessageDiscoverRequest MessageType = "AlpineDiscoverRequest"
	MessageDiscoverReply   MessageType = "AlpineDiscoverReply"
	MessageHandshakeHello  MessageType = "AlpineHandshakeHello"
	MessageChallenge       MessageType = "Challenge"
	MessageConfirm         MessageType = "Confirm"
	MessageControl         MessageType = "AlpineControl"
	MessageControlAck      MessageType = "AlpineControlAck"
	MessageKeepalive       MessageType = "AlpineKeepalive"
	MessageFrame           MessageType = "AlpineFrame"
)

// ControlOp enumerates the operations a ControlEnvelope carries.
type ControlOp string

const (
	OpSetProfile     ControlOp = "SetProfile"
	OpStartStreaming ControlOp = "StartStreaming"
	OpStopStreaming  ControlOp = "StopStreaming"
	OpPing           ControlOp = "Ping"
	OpCustom         ControlOp = "Custom"
)

// DeviceIdentity is a stable peer identity, immutable for the life of a
// session.
type DeviceIdentity struct {
	DeviceID       uuid.UUID
	ManufacturerID string
	ModelID        string
	HardwareRev    string
	FirmwareRev    string
}

// CapabilitySet advertises the features a peer supports.
type CapabilitySet struct {
	StreamingSupported  bool
	EncryptionSupported bool
	ChannelFormats      []string
	MaxChannels         uint16
	VendorData          []byte
}

// DefaultCapabilitySet returns the baseline capability set advertised by
// this implementation: streaming and encryption supported, a single
// generic channel format, and a conservative channel count ceiling.
func DefaultCapabilitySet() CapabilitySet {
	return CapabilitySet{
		StreamingSupported:  true,
		EncryptionSupported: true,
		ChannelFormats:      []string{"generic-u16"},
		MaxChannels:         512,
	}
}

// SessionEstablished is the read-only handshake output. Exactly one exists
// per session lifetime.
type SessionEstablished struct {
	SessionID         uuid.UUID
	PeerIdentity      DeviceIdentity
	PeerCapabilities  CapabilitySet
	NegotiatedVersion int
}

// ControlEnvelope is a reliable, MAC-authenticated control-plane message.
type ControlEnvelope struct {
	MessageType MessageType
	SessionID   uuid.UUID
	Seq         uint64
	Op          ControlOp
	Payload     map[string]any
	MAC         []byte
}

// Acknowledge responds to a ControlEnvelope by echoing its sequence number.
type Acknowledge struct {
	MessageType MessageType
	SessionID   uuid.UUID
	Seq         uint64
	OK          bool
	Detail      string
	MAC         []byte
}

// RecoveryMetadataKey is the reserved FrameEnvelope.Metadata key a frame
// builder sets while the recovery monitor reports an active reason.
const RecoveryMetadataKey = "alpine_recovery"

// FrameEnvelope is one unreliable, MAC-authenticated streaming datagram.
type FrameEnvelope struct {
	MessageType   MessageType
	SessionID     uuid.UUID
	TimestampUs   uint64
	Priority      uint8
	ChannelFormat string
	Channels      []uint16
	Groups        []string
	Metadata      map[string]any
	MAC           []byte
}

// HandshakeMessage is the sum type carried by a HandshakeTransport. Only
// one field is set per instance, so a single transport capability can move
// every handshake and control-plane message without six separate channel
// types.
type HandshakeMessage struct {
	Hello     *HelloMessage
	Challenge *ChallengeMessage
	Confirm   *ConfirmMessage
	Control   *ControlEnvelope
	Ack       *Acknowledge
	Keepalive *KeepaliveMessage
}

// HelloMessage opens a handshake: identity, capabilities, ephemeral public
// key, and a fresh nonce.
type HelloMessage struct {
	MessageType  MessageType
	Identity     DeviceIdentity
	Capabilities CapabilitySet
	EphemeralPub []byte
	Nonce        []byte
}

// ChallengeMessage carries the responder's ephemeral public key and a
// signature over the initiator's nonce.
type ChallengeMessage struct {
	MessageType  MessageType
	Identity     DeviceIdentity
	Capabilities CapabilitySet
	EphemeralPub []byte
	Nonce        []byte
	Signature    []byte
}

// ConfirmMessage finalizes the handshake with the agreed session_id and a
// MAC proving both sides derived matching keys.
type ConfirmMessage struct {
	MessageType MessageType
	SessionID   uuid.UUID
	Signature   []byte
	MAC         []byte
}

// KeepaliveMessage is a liveness signal; it never completes a request and
// carries no payload beyond its tag and session id.
type KeepaliveMessage struct {
	MessageType MessageType
	SessionID   uuid.UUID
}

// sessionIDToUUID converts a raw 16-byte session identifier into a
// uuid.UUID, since google/uuid's UUID is itself defined as [16]byte.
func sessionIDToUUID(b [16]byte) uuid.UUID { return uuid.UUID(b) }

// DiscoverRequest is the stateless discovery probe.
type DiscoverRequest struct {
	MessageType MessageType
	ClientNonce []byte
}

// DiscoverReply answers a DiscoverRequest, signed over
// server_nonce‖client_nonce.
type DiscoverReply struct {
	MessageType  MessageType
	Identity     DeviceIdentity
	Capabilities CapabilitySet
	ServerNonce  []byte
	ClientNonce  []byte
	Signature    []byte
}
