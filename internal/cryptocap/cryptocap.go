// Package cryptocap implements the ALPINE crypto capability: X25519 key
// agreement, Ed25519 challenge signing, HKDF-SHA256 session key derivation,
// and ChaCha20-Poly1305 used as an authenticated MAC over control and
// stream frames.
package cryptocap

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeyExchange performs X25519 Diffie-Hellman key agreement.
type KeyExchange interface {
	// GenerateEphemeral returns a fresh private key and its public bytes.
	GenerateEphemeral() (*ecdh.PrivateKey, error)
	// Agree computes the shared secret given our private key and the
	// peer's public key bytes.
	Agree(priv *ecdh.PrivateKey, peerPublic []byte) ([]byte, error)
}

// X25519KeyExchange is the production KeyExchange implementation.
type X25519KeyExchange struct{}

// GenerateEphemeral returns a fresh X25519 keypair.
func (X25519KeyExchange) GenerateEphemeral() (*ecdh.PrivateKey, error) {
	return ecdh.X25519().GenerateKey(rand.Reader)
}

// Agree computes the X25519 shared secret.
func (X25519KeyExchange) Agree(priv *ecdh.PrivateKey, peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, errFromOp("key_agree", err)
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, errFromOp("key_agree", err)
	}
	return secret, nil
}

// RandomNonce returns n cryptographically random bytes.
func RandomNonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, errFromOp("random_nonce", err)
	}
	return buf, nil
}

// SessionKeys is the symmetric material derived from a completed key
// agreement. It exposes only the capability to MAC and verify payloads,
// never the raw key bytes.
type SessionKeys struct {
	aead cipher.AEAD // keyed with the derived MAC key; sealed over an empty plaintext
}

// DeriveSessionKeys runs HKDF-SHA256 over the X25519 shared secret, with
// the session identifier as salt and a fixed version label as info, so
// each session_id yields its own key material.
func DeriveSessionKeys(sharedSecret []byte, sessionID [16]byte) (SessionKeys, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, sessionID[:], []byte("alpine session keys v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return SessionKeys{}, errFromOp("derive_session_keys", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return SessionKeys{}, errFromOp("derive_session_keys", err)
	}
	return SessionKeys{aead: aead}, nil
}

// Zeroize drops the reference to the derived key, making it eligible for
// garbage collection immediately rather than waiting on the session's own
// lifetime. Go gives us no way to scrub the underlying AEAD's key schedule
// directly, so this is best-effort.
func (k *SessionKeys) Zeroize() {
	k.aead = nil
}

// nonceFor deterministically derives a 12-byte ChaCha20-Poly1305 nonce from
// (seq, sessionID) so MAC computation never reuses a nonce under the same
// key for two distinct (seq, session) pairs.
func nonceFor(seq uint64, sessionID [16]byte) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[:8], seq)
	copy(nonce[8:], sessionID[:4])
	return nonce
}

// ErrNoKeys is returned by ComputeMAC/VerifyMAC after Zeroize.
var ErrNoKeys = errors.New("cryptocap: session keys zeroized")

// ComputeMAC authenticates (seq, sessionID, payload) and returns the tag.
// It is implemented as a ChaCha20-Poly1305 seal over an empty plaintext
// with the triple as associated data, the idiomatic Go way to get an
// AEAD-backed MAC without a second primitive.
func (k SessionKeys) ComputeMAC(seq uint64, sessionID [16]byte, payload []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, ErrNoKeys
	}
	ad := associatedData(seq, sessionID, payload)
	return k.aead.Seal(nil, nonceFor(seq, sessionID), nil, ad), nil
}

// VerifyMAC recomputes the tag for (seq, sessionID, payload) and reports
// whether it matches tag, in constant time via the AEAD's own Open.
func (k SessionKeys) VerifyMAC(seq uint64, sessionID [16]byte, payload, tag []byte) (bool, error) {
	if k.aead == nil {
		return false, ErrNoKeys
	}
	ad := associatedData(seq, sessionID, payload)
	_, err := k.aead.Open(nil, nonceFor(seq, sessionID), tag, ad)
	return err == nil, nil
}

func associatedData(seq uint64, sessionID [16]byte, payload []byte) []byte {
	buf := make([]byte, 0, 8+16+len(payload))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], seq)
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, sessionID[:]...)
	buf = append(buf, payload...)
	return buf
}

// NodeCredentials holds an Ed25519 keypair used to sign and verify
// handshake challenges and discovery replies.
type NodeCredentials struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateNodeCredentials creates a fresh Ed25519 keypair.
func GenerateNodeCredentials() (NodeCredentials, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return NodeCredentials{}, errFromOp("generate_credentials", err)
	}
	return NodeCredentials{Public: pub, private: priv}, nil
}

// NodeCredentialsFromSeed reconstructs deterministic credentials from a
// 32-byte seed, for callers that load a persisted identity.
func NodeCredentialsFromSeed(seed []byte) (NodeCredentials, error) {
	if len(seed) != ed25519.SeedSize {
		return NodeCredentials{}, errFromOp("load_credentials", errors.New("seed must be 32 bytes"))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return NodeCredentials{Public: priv.Public().(ed25519.PublicKey), private: priv}, nil
}

// Sign signs nonce with this node's private key.
func (c NodeCredentials) Sign(nonce []byte) []byte {
	return ed25519.Sign(c.private, nonce)
}

// Verify reports whether sig is a valid signature over nonce by pub.
func Verify(pub ed25519.PublicKey, nonce, sig []byte) bool {
	return ed25519.Verify(pub, nonce, sig)
}

type capError struct {
	op  string
	err error
}

func (e *capError) Error() string { return "cryptocap: " + e.op + ": " + e.err.Error() }
func (e *capError) Unwrap() error { return e.err }

func errFromOp(op string, err error) error { return &capError{op: op, err: err} }
