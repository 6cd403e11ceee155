package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	// Web server certificates are pinned by clients, so they outlive any server
	webCertValidity = 20 * 365 * 24 * time.Hour
	webKeySize      = 2048
)

// WebServerCertificate is a self-signed certificate for a server's handshake
// web server. Both fields are single-line base64 DER so they can travel in
// space-separated server entries.
type WebServerCertificate struct {
	Certificate string
	PrivateKey  string
}

// GenerateWebServerCertificate creates a self-signed certificate for ip
func GenerateWebServerCertificate(commonName string, ip string) (*WebServerCertificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, webKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate web server key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(webCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		template.IPAddresses = []net.IP{parsed}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create web server certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal web server key: %w", err)
	}

	return &WebServerCertificate{
		Certificate: base64.StdEncoding.EncodeToString(certDER),
		PrivateKey:  base64.StdEncoding.EncodeToString(keyDER),
	}, nil
}

// TLSCertificate converts the stored form back into a tls.Certificate
func (c *WebServerCertificate) TLSCertificate() (*tls.Certificate, error) {
	certDER, err := base64.StdEncoding.DecodeString(c.Certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	keyDER, err := base64.StdEncoding.DecodeString(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(keyDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// CertificatePool returns a pool trusting only the given stored certificate,
// used when probing a server's web port
func CertificatePool(certificate string) (*x509.CertPool, error) {
	der, err := base64.StdEncoding.DecodeString(certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return pool, nil
}
