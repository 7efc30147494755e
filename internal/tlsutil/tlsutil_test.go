package tlsutil

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"testing"
	"time"
)

func TestGenerateCertReturnsValidCert(t *testing.T) {
	validity := 2 * time.Hour
	cert, fingerprint, err := GenerateCert(validity, "")
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	if fingerprint == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	if len(fingerprint) != 64 { // SHA-256 hex = 32 bytes = 64 chars
		t.Errorf("fingerprint length: got %d, want 64", len(fingerprint))
	}
	if len(cert.Certificate) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(cert.Certificate))
	}

	leaf := cert.Leaf
	if leaf == nil {
		t.Fatal("expected parsed leaf certificate")
	}
	if leaf.Subject.CommonName != "swiftlet" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "swiftlet")
	}

	now := time.Now()
	if now.Before(leaf.NotBefore) || now.After(leaf.NotAfter) {
		t.Errorf("cert not valid at current time: NotBefore=%v NotAfter=%v", leaf.NotBefore, leaf.NotAfter)
	}
}

func TestGenerateCertHostnameSAN(t *testing.T) {
	cert, _, err := GenerateCert(time.Hour, "media.example.com")
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	var found bool
	for _, name := range cert.Leaf.DNSNames {
		if name == "media.example.com" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected DNS SAN %q in %v", "media.example.com", cert.Leaf.DNSNames)
	}
	if cert.Leaf.DNSNames[0] != "localhost" {
		t.Errorf("expected localhost to remain a SAN, got %v", cert.Leaf.DNSNames)
	}
}

func TestWritePEMRoundTrips(t *testing.T) {
	cert, _, err := GenerateCert(time.Hour, "")
	if err != nil {
		t.Fatalf("GenerateCert: %v", err)
	}
	path := t.TempDir() + "/cert.pem"
	if err := WritePEM(cert, path); err != nil {
		t.Fatalf("WritePEM: %v", err)
	}

	pemBytes, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back pem: %v", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		t.Fatal("expected a decodable PEM block")
	}
	if _, err := x509.ParseCertificate(block.Bytes); err != nil {
		t.Fatalf("parse round-tripped certificate: %v", err)
	}
}
