package quictransport

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"testing"
	"time"
)

func TestGenerateTLSConfigReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	tlsCfg, fingerprint, err := GenerateTLSConfig(validity, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if tlsCfg == nil {
		t.Fatal("expected non-nil tls.Config")
	}
	if len(fingerprint) != 64 { // SHA-256 hex = 32 bytes = 64 chars
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(tlsCfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(tlsCfg.Certificates))
	}

	leaf := tlsCfg.Certificates[0].Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "alpine-node" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "alpine-node")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid at current time: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}
}

func TestGenerateTLSConfigHostnameOverridesCommonName(t *testing.T) {
	tlsCfg, _, err := GenerateTLSConfig(time.Hour, "node-7.example")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf
	if leaf.Subject.CommonName != "node-7.example" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "node-7.example")
	}
	found := false
	for _, name := range leaf.DNSNames {
		if name == "node-7.example" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected hostname in DNS SANs, got %v", leaf.DNSNames)
	}
}

func TestGenerateTLSConfigUniqueCerts(t *testing.T) {
	_, fp1, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, fp2, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if fp1 == fp2 {
		t.Error("two calls should produce different certificates")
	}
}

func TestGenerateTLSConfigSelfSigned(t *testing.T) {
	tlsCfg, _, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	leaf := tlsCfg.Certificates[0].Leaf

	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("expected self-signed cert: issuer=%q subject=%q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}

	found := false
	for _, name := range leaf.DNSNames {
		if name == "localhost" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected localhost in DNS names, got %v", leaf.DNSNames)
	}

	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "localhost", Roots: pool}); err != nil {
		t.Errorf("self-verification failed: %v", err)
	}
}

func TestClientTLSConfigBlindWhenNoFingerprintPinned(t *testing.T) {
	cfg := ClientTLSConfig("")
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify")
	}
	if cfg.VerifyPeerCertificate != nil {
		t.Fatal("expected no VerifyPeerCertificate hook when no fingerprint is pinned")
	}
}

func TestClientTLSConfigPinnedFingerprintAccepted(t *testing.T) {
	serverCfg, _, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	rawCert := serverCfg.Certificates[0].Certificate[0]
	fp := sha256.Sum256(rawCert)
	expected := hex.EncodeToString(fp[:])

	cfg := ClientTLSConfig(expected)
	if cfg.VerifyPeerCertificate == nil {
		t.Fatal("expected a VerifyPeerCertificate hook when a fingerprint is pinned")
	}
	if err := cfg.VerifyPeerCertificate([][]byte{rawCert}, nil); err != nil {
		t.Errorf("expected matching fingerprint to verify, got %v", err)
	}
}

func TestClientTLSConfigPinnedFingerprintRejectsMismatch(t *testing.T) {
	otherCfg, _, err := GenerateTLSConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	cfg := ClientTLSConfig("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err := cfg.VerifyPeerCertificate([][]byte{otherCfg.Certificates[0].Certificate[0]}, nil); err == nil {
		t.Fatal("expected mismatched fingerprint to fail verification")
	}
}
