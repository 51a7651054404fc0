package cryptocap

import (
	"bytes"
	"testing"
)

func TestX25519KeyExchangeAgreement(t *testing.T) {
	kx := X25519KeyExchange{}

	alicePriv, err := kx.GenerateEphemeral()
	if err != nil {
		t.Fatalf("generate alice: %v", err)
	}
	bobPriv, err := kx.GenerateEphemeral()
	if err != nil {
		t.Fatalf("generate bob: %v", err)
	}

	aliceSecret, err := kx.Agree(alicePriv, bobPriv.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("alice agree: %v", err)
	}
	bobSecret, err := kx.Agree(bobPriv, alicePriv.PublicKey().Bytes())
	if err != nil {
		t.Fatalf("bob agree: %v", err)
	}

	if !bytes.Equal(aliceSecret, bobSecret) {
		t.Fatalf("expected matching shared secrets")
	}
}

func TestDeriveSessionKeysDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	var sessionID [16]byte
	sessionID[0] = 9

	k1, err := DeriveSessionKeys(secret, sessionID)
	if err != nil {
		t.Fatalf("derive 1: %v", err)
	}
	k2, err := DeriveSessionKeys(secret, sessionID)
	if err != nil {
		t.Fatalf("derive 2: %v", err)
	}

	mac, err := k1.ComputeMAC(1, sessionID, []byte("payload"))
	if err != nil {
		t.Fatalf("compute mac: %v", err)
	}
	ok, err := k2.VerifyMAC(1, sessionID, []byte("payload"), mac)
	if err != nil || !ok {
		t.Fatalf("expected independently derived keys from equal inputs to interoperate: ok=%v err=%v", ok, err)
	}
}

func TestComputeMACRejectsTamperedPayload(t *testing.T) {
	secret := bytes.Repeat([]byte{0x01}, 32)
	var sessionID [16]byte
	keys, err := DeriveSessionKeys(secret, sessionID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	mac, err := keys.ComputeMAC(1, sessionID, []byte("original"))
	if err != nil {
		t.Fatalf("compute mac: %v", err)
	}
	ok, err := keys.VerifyMAC(1, sessionID, []byte("tampered"), mac)
	if err != nil {
		t.Fatalf("unexpected error verifying: %v", err)
	}
	if ok {
		t.Fatalf("expected verification to fail for tampered payload")
	}
}

func TestComputeMACRejectsWrongSeq(t *testing.T) {
	secret := bytes.Repeat([]byte{0x02}, 32)
	var sessionID [16]byte
	keys, err := DeriveSessionKeys(secret, sessionID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	mac, err := keys.ComputeMAC(1, sessionID, []byte("payload"))
	if err != nil {
		t.Fatalf("compute mac: %v", err)
	}
	ok, _ := keys.VerifyMAC(2, sessionID, []byte("payload"), mac)
	if ok {
		t.Fatalf("expected verification to fail when seq differs, binding seq into the MAC")
	}
}

func TestZeroizeInvalidatesKeys(t *testing.T) {
	secret := bytes.Repeat([]byte{0x03}, 32)
	var sessionID [16]byte
	keys, err := DeriveSessionKeys(secret, sessionID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	keys.Zeroize()

	if _, err := keys.ComputeMAC(1, sessionID, []byte("x")); err != ErrNoKeys {
		t.Fatalf("expected ErrNoKeys after zeroize, got %v", err)
	}
}

func TestEd25519SignVerify(t *testing.T) {
	creds, err := GenerateNodeCredentials()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	nonce := []byte("nonce-bytes")
	sig := creds.Sign(nonce)
	if !Verify(creds.Public, nonce, sig) {
		t.Fatalf("expected signature to verify")
	}
	if Verify(creds.Public, []byte("other"), sig) {
		t.Fatalf("expected signature to fail against a different message")
	}
}

func TestNodeCredentialsFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	a, err := NodeCredentialsFromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	b, err := NodeCredentialsFromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if !bytes.Equal(a.Public, b.Public) {
		t.Fatalf("expected deterministic public key from equal seeds")
	}
}
