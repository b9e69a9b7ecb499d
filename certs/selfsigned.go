// Package certs generates self-signed ECDSA P-256 certificates for local
// TLS endpoints such as a loopback camera relay or integration tests.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"net"
	"time"

	"github.com/pkg/errors"
)

const defaultValidity = 24 * time.Hour

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Leaf        *x509.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintHex returns the SHA-256 fingerprint as lowercase hex.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// ServerConfig returns a TLS config that presents the certificate.
func (c *CertInfo) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientConfig returns a TLS config that trusts only this certificate.
func (c *CertInfo) ClientConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(c.Leaf)
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}
}

// Generate creates a self-signed certificate for commonName, valid for the
// given hosts (DNS names or IP literals) and duration. localhost and the
// loopback addresses are always included. A non-positive validity selects
// one day.
func Generate(commonName string, hosts []string, validity time.Duration) (*CertInfo, error) {
	if validity <= 0 {
		validity = defaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate private key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generate serial number")
	}

	notBefore := time.Now().Add(-1 * time.Minute) // clock skew
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf:        leaf,
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}
