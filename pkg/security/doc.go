/*
Package security holds the network's key material primitives.

Three things live here: password wrapping of private keys, RSA signing of
client-facing payloads, and self-signed certificates for server web ports.

# Key Wrapping

Private keys are never stored in the clear. Wrapper derives an AES-256 key
from a password with argon2id and seals the key with AES-GCM:

	password ──argon2id(salt)──► 32-byte key
	                                  │
	private key DER ──AES-256-GCM─────┴──► salt || nonce || ciphertext

Signing-only keypairs (remote server list, upgrade packages, routes) are
wrapped with SentinelPassword because the database file is their only store.
The feedback encryption keypair gets a random password.

# Authenticated Data

Remote server lists, upgrade packages and route files are shipped as a JSON
envelope:

	{
	  "data": base64(payload),
	  "signingPublicKeyDigest": base64(sha256(public key DER)),
	  "signature": base64(RSA-PKCS1v15(sha256(data field)))
	}

Clients carry the public keys compiled in and pick the right one by digest.

# Web Server Certificates

Each server gets a self-signed certificate that clients pin through the
server entry. The certificate and key are stored as single-line base64 DER.

# Usage

	kp, err := security.GenerateKeyPair(security.SentinelPassword)
	if err != nil {
		return err
	}
	envelope, err := security.SignAuthenticatedData(kp, serverList)
*/
package security
