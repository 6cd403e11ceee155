package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize = 16
	keySize  = 32 // AES-256
)

// SentinelPassword wraps private keys of signing-only pairs whose only secret
// store is the network database itself
const SentinelPassword = "none"

// Wrapper encrypts and decrypts private key material under a password
type Wrapper struct {
	password []byte
}

// NewWrapper creates a wrapper for the given password
func NewWrapper(password string) (*Wrapper, error) {
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	return &Wrapper{password: []byte(password)}, nil
}

// deriveKey stretches the password with argon2id
func (w *Wrapper) deriveKey(salt []byte) []byte {
	return argon2.IDKey(w.password, salt, 1, 64*1024, 4, keySize)
}

// Wrap encrypts plaintext using AES-256-GCM under a password-derived key.
// Output layout: salt || nonce || ciphertext.
func (w *Wrapper) Wrap(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := newGCM(w.deriveKey(salt))
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// Unwrap decrypts data produced by Wrap
func (w *Wrapper) Unwrap(wrapped []byte) ([]byte, error) {
	if len(wrapped) < saltSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	salt, rest := wrapped[:saltSize], wrapped[saltSize:]

	gcm, err := newGCM(w.deriveKey(salt))
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := rest[:nonceSize], rest[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// RandomBytes returns n bytes from the system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// RandomHex returns n random bytes hex encoded
func RandomHex(n int) (string, error) {
	b, err := RandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
