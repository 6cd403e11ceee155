package security

import (
	"crypto/x509"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair(SentinelPassword)
	require.NoError(t, err)

	assert.Equal(t, SentinelPassword, kp.Password)
	_, err = x509.ParsePKIXPublicKey(kp.PublicKey)
	assert.NoError(t, err, "public key must be DER encoded")

	key, err := PrivateKey(kp)
	require.NoError(t, err)
	assert.NoError(t, key.Validate())
}

func TestSignAndVerifyAuthenticatedData(t *testing.T) {
	kp, err := GenerateKeyPair(SentinelPassword)
	require.NoError(t, err)

	payload := []byte("3139322e302e322e31 ...")
	envelope, err := SignAuthenticatedData(kp, payload)
	require.NoError(t, err)

	got, err := VerifyAuthenticatedData(kp.PublicKey, envelope)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	t.Run("other key rejected", func(t *testing.T) {
		other, err := GenerateKeyPair(SentinelPassword)
		require.NoError(t, err)
		_, err = VerifyAuthenticatedData(other.PublicKey, envelope)
		assert.Error(t, err)
	})

	t.Run("tampered data rejected", func(t *testing.T) {
		tampered := []byte(string(envelope))
		idx := len(`{"data":"`)
		if tampered[idx] == 'A' {
			tampered[idx] = 'B'
		} else {
			tampered[idx] = 'A'
		}
		_, err := VerifyAuthenticatedData(kp.PublicKey, tampered)
		assert.Error(t, err)
	})
}

func TestGenerateWebServerCertificate(t *testing.T) {
	cert, err := GenerateWebServerCertificate("psinet-server", "192.0.2.10")
	require.NoError(t, err)

	assert.NotContains(t, cert.Certificate, " ")
	assert.NotContains(t, cert.Certificate, "\n")

	tlsCert, err := cert.TLSCertificate()
	require.NoError(t, err)
	require.Len(t, tlsCert.Leaf.IPAddresses, 1)
	assert.Equal(t, "192.0.2.10", tlsCert.Leaf.IPAddresses[0].String())

	pool, err := CertificatePool(cert.Certificate)
	require.NoError(t, err)
	_, err = tlsCert.Leaf.Verify(x509.VerifyOptions{Roots: pool})
	assert.NoError(t, err)
}

func TestGenerateMeekCookieKeyPair(t *testing.T) {
	pub, priv, err := GenerateMeekCookieKeyPair()
	require.NoError(t, err)

	pubBytes, err := base64.StdEncoding.DecodeString(pub)
	require.NoError(t, err)
	privBytes, err := base64.StdEncoding.DecodeString(priv)
	require.NoError(t, err)
	assert.Len(t, pubBytes, 32)
	assert.Len(t, privBytes, 32)
}
