// Package tlsutil generates the self-signed certificate this system's QUIC
// listener presents, and the PEM helpers around it. Certificate templating
// follows the teacher's server-side HTTPS helper (ECDSA P256, one
// self-signed leaf doubling as its own CA), adapted for a QUIC endpoint
// that is addressed by raw UDP address as often as by name: hostname is
// classified as either a DNS SAN or an IP SAN instead of always landing in
// DNSNames, which a UDP listener bound to a literal address needs for SNI
// verification to succeed at all.
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// GenerateCert creates a self-signed ECDSA P256 certificate for the QUIC
// listener. Returns the tls.Certificate, its SHA-256 fingerprint (for
// operators to read aloud / publish out of band so clients can pin it),
// and any error. validity controls how long the certificate is valid for;
// hostname becomes the Common Name and is added as a SAN alongside
// "localhost" — as a DNSName if it parses as a name, or an IPAddress if it
// parses as a literal address (the teacher's HTTPS helper never needed
// this distinction since browsers dial it by name).
func GenerateCert(validity time.Duration, hostname string) (tls.Certificate, string, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("[tls] generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("[tls] generate serial: %w", err)
	}

	cn := "swiftlet"
	if hostname != "" {
		cn = hostname
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	addSAN(&tmpl, hostname)

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("[tls] create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("[tls] parse certificate: %w", err)
	}

	fp := sha256.Sum256(certDER)
	fingerprint := hex.EncodeToString(fp[:])

	tlsCert := tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        cert,
	}

	return tlsCert, fingerprint, nil
}

// addSAN classifies hostname as an IP literal or a DNS name and appends it
// to tmpl's matching SAN list. Empty, "localhost" (already present), and
// the unspecified addresses ("0.0.0.0", "::") are skipped — none of them
// are a SAN a peer would ever actually dial.
func addSAN(tmpl *x509.Certificate, hostname string) {
	if hostname == "" || hostname == "localhost" {
		return
	}
	if ip := net.ParseIP(hostname); ip != nil {
		if ip.IsUnspecified() {
			return
		}
		tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		return
	}
	tmpl.DNSNames = append(tmpl.DNSNames, hostname)
}

// FormatFingerprint renders a raw hex fingerprint as colon-separated byte
// pairs (e.g. "AA:BB:CC..."), the conventional form for reading a
// certificate fingerprint aloud or publishing it for pinning, matching the
// GenerateCert doc comment's stated purpose for the value.
func FormatFingerprint(hexFingerprint string) string {
	hexFingerprint = strings.ToUpper(hexFingerprint)
	var b strings.Builder
	for i := 0; i < len(hexFingerprint); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		end := i + 2
		if end > len(hexFingerprint) {
			end = len(hexFingerprint)
		}
		b.WriteString(hexFingerprint[i:end])
	}
	return b.String()
}

// WritePEM writes the certificate (DER-encoded, PEM-wrapped) to path, so a
// client can load it as its trust anchor the way quicconn.ClientTLSConfig
// expects.
func WritePEM(cert tls.Certificate, path string) error {
	return writePEMBlock(path, "CERTIFICATE", cert.Certificate[0])
}
