package psinet

import (
	"encoding/hex"
	"fmt"

	"github.com/psinet-ops/psinet/pkg/security"
	"github.com/psinet-ops/psinet/pkg/types"
)

const hmacKeySize = 32

// DiscoveryHMACKey returns the discovery strategy value key, generating it on
// first use. Generation requires the lock.
func (n *Network) DiscoveryHMACKey() ([]byte, error) {
	if n.DiscoveryStrategyValueHMACKey == "" {
		if err := n.assertLocked(); err != nil {
			return nil, err
		}
		key, err := security.RandomHex(hmacKeySize)
		if err != nil {
			return nil, err
		}
		n.DiscoveryStrategyValueHMACKey = key
	}
	key, err := hex.DecodeString(n.DiscoveryStrategyValueHMACKey)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery hmac key: %w", err)
	}
	return key, nil
}

func (n *Network) lazyKeyPair(slot **types.KeyPair, password func() (string, error)) (*types.KeyPair, error) {
	if *slot != nil {
		return *slot, nil
	}
	if err := n.assertLocked(); err != nil {
		return nil, err
	}
	pw, err := password()
	if err != nil {
		return nil, err
	}
	kp, err := security.GenerateKeyPair(pw)
	if err != nil {
		return nil, err
	}
	*slot = kp
	return kp, nil
}

func sentinelPassword() (string, error) {
	return security.SentinelPassword, nil
}

func randomPassword() (string, error) {
	return security.RandomHex(32)
}

// GetRemoteServerListSigningKeyPair returns the remote server list signing pair
func (n *Network) GetRemoteServerListSigningKeyPair() (*types.KeyPair, error) {
	return n.lazyKeyPair(&n.RemoteServerListSigningKeyPair, sentinelPassword)
}

// GetUpgradePackageSigningKeyPair returns the upgrade package signing pair
func (n *Network) GetUpgradePackageSigningKeyPair() (*types.KeyPair, error) {
	return n.lazyKeyPair(&n.UpgradePackageSigningKeyPair, sentinelPassword)
}

// GetRoutesSigningKeyPair returns the routes signing pair
func (n *Network) GetRoutesSigningKeyPair() (*types.KeyPair, error) {
	return n.lazyKeyPair(&n.RoutesSigningKeyPair, sentinelPassword)
}

// GetFeedbackEncryptionKeyPair returns the feedback encryption pair. Unlike
// the signing pairs its private key is wrapped with a random password.
func (n *Network) GetFeedbackEncryptionKeyPair() (*types.KeyPair, error) {
	return n.lazyKeyPair(&n.FeedbackEncryptionKeyPair, randomPassword)
}
