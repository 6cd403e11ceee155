package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/psinet-ops/psinet/pkg/types"
	"golang.org/x/crypto/nacl/box"
)

const (
	keyPairTypeRSA = "rsa-2048"
	rsaKeySize     = 2048
)

// GenerateKeyPair creates an RSA keypair whose private half is wrapped with password
func GenerateKeyPair(password string) (*types.KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	privateDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	w, err := NewWrapper(password)
	if err != nil {
		return nil, err
	}
	wrapped, err := w.Wrap(privateDER)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap private key: %w", err)
	}

	return &types.KeyPair{
		Type:                keyPairTypeRSA,
		PublicKey:           publicDER,
		EncryptedPrivateKey: wrapped,
		Password:            password,
	}, nil
}

// PrivateKey unwraps the RSA private key of a keypair
func PrivateKey(kp *types.KeyPair) (*rsa.PrivateKey, error) {
	if kp == nil {
		return nil, fmt.Errorf("keypair is nil")
	}
	w, err := NewWrapper(kp.Password)
	if err != nil {
		return nil, err
	}
	der, err := w.Unwrap(kp.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", parsed)
	}
	return key, nil
}

// PublicKeyDigest is the base64 SHA-256 of a DER public key, used by clients
// to pick the verification key for a signed package
func PublicKeyDigest(publicDER []byte) string {
	sum := sha256.Sum256(publicDER)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// AuthenticatedData is the signed envelope shipped to clients for remote
// server lists, upgrade packages and routes
type AuthenticatedData struct {
	Data                   string `json:"data"`
	SigningPublicKeyDigest string `json:"signingPublicKeyDigest"`
	Signature              string `json:"signature"`
}

// SignAuthenticatedData signs data with the keypair and returns the JSON envelope
func SignAuthenticatedData(kp *types.KeyPair, data []byte) ([]byte, error) {
	key, err := PrivateKey(kp)
	if err != nil {
		return nil, err
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	digest := sha256.Sum256([]byte(encoded))
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign data: %w", err)
	}

	return json.Marshal(&AuthenticatedData{
		Data:                   encoded,
		SigningPublicKeyDigest: PublicKeyDigest(kp.PublicKey),
		Signature:              base64.StdEncoding.EncodeToString(signature),
	})
}

// VerifyAuthenticatedData checks an envelope against a DER public key and
// returns the signed payload
func VerifyAuthenticatedData(publicDER []byte, envelope []byte) ([]byte, error) {
	var ad AuthenticatedData
	if err := json.Unmarshal(envelope, &ad); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if ad.SigningPublicKeyDigest != PublicKeyDigest(publicDER) {
		return nil, fmt.Errorf("envelope signed by a different key")
	}

	parsed, err := x509.ParsePKIXPublicKey(publicDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", parsed)
	}

	signature, err := base64.StdEncoding.DecodeString(ad.Signature)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}
	digest := sha256.Sum256([]byte(ad.Data))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}

	return base64.StdEncoding.DecodeString(ad.Data)
}

// GenerateMeekCookieKeyPair returns a base64 curve25519 keypair for meek
// cookie encryption
func GenerateMeekCookieKeyPair() (publicKey, privateKey string, err error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate meek cookie keypair: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub[:]), base64.StdEncoding.EncodeToString(priv[:]), nil
}
