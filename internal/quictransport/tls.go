package quictransport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// GenerateTLSConfig creates the self-signed certificate a QUIC listener
// presents, returning the resulting tls.Config and the certificate's
// SHA-256 fingerprint for out-of-band pinning. The TLS layer is only a
// carrier here: ALPINE peers authenticate each other through the
// handshake's Ed25519 challenge, so the certificate's job is to stand up
// the QUIC session and give operators a pinnable fingerprint, not to
// prove identity. The certificate key is Ed25519 to match the protocol's
// identity plane, and the cert asserts server auth only — dialers never
// present one. validity controls the certificate lifetime; hostname
// becomes the Common Name and joins "localhost" in the DNS SANs.
func GenerateTLSConfig(validity time.Duration, hostname string) (*tls.Config, string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, "", fmt.Errorf("quictransport: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, "", fmt.Errorf("quictransport: generate serial: %w", err)
	}

	cn := "alpine-node"
	sans := []string{"localhost"}
	if hostname != "" {
		cn = hostname
		if hostname != "localhost" {
			sans = append(sans, hostname)
		}
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		// Backdated an hour so a freshly generated cert survives clock
		// skew between controller and node.
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(validity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    sans,
		// Self-signed: the cert is its own trust root, so it must be a
		// usable CA for callers that pin it into a cert pool.
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, pub, priv)
	if err != nil {
		return nil, "", fmt.Errorf("quictransport: create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, "", fmt.Errorf("quictransport: parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	cfg := &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{certDER},
			PrivateKey:  priv,
			Leaf:        leaf,
		}},
		NextProtos: []string{alpnProtocol},
	}
	return cfg, hex.EncodeToString(fp[:]), nil
}

// ClientTLSConfig returns a client-side tls.Config for dialing a node's
// self-signed listener. ALPINE's real trust anchor is the handshake's
// Ed25519 exchange, not the TLS layer, so certificate verification is
// always skipped at the TLS layer itself. When
// expectedFingerprint is non-empty — typically the value GenerateTLSConfig
// returned to the node operator, carried to the dialer out of band —
// VerifyPeerCertificate additionally cross-checks
// the presented leaf certificate against it and fails the dial before any
// ALPINE traffic is exchanged, catching a misdirected or substituted
// listener earlier than letting it only surface as a failed handshake. An
// empty expectedFingerprint keeps the previous fully-blind behavior for
// callers with no pinned value to check.
func ClientTLSConfig(expectedFingerprint string) *tls.Config {
	cfg := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
	if expectedFingerprint == "" {
		return cfg
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("quictransport: peer presented no certificate")
		}
		fp := sha256.Sum256(rawCerts[0])
		got := hex.EncodeToString(fp[:])
		if !strings.EqualFold(got, expectedFingerprint) {
			return fmt.Errorf("quictransport: peer certificate fingerprint mismatch: got %s, want %s", got, expectedFingerprint)
		}
		return nil
	}
	return cfg
}
