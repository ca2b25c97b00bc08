package wireguard

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// GenerateKeyPair generates a new WireGuard key pair as base64 strings.
func GenerateKeyPair() (privateKey, publicKey string, err error) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("failed to generate private key: %w", err)
	}

	return key.String(), key.PublicKey().String(), nil
}

// GeneratePresharedKey generates a symmetric preshared key for
// defense-in-depth on a single peer session.
func GeneratePresharedKey() (string, error) {
	key, err := wgtypes.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate preshared key: %w", err)
	}
	return key.String(), nil
}

// DerivePublicKey derives the public key from a base64 private key.
func DerivePublicKey(privateKey string) (string, error) {
	key, err := wgtypes.ParseKey(privateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	return key.PublicKey().String(), nil
}

// ValidateKey validates a base64-encoded WireGuard key (private or public).
func ValidateKey(key string) error {
	_, err := wgtypes.ParseKey(key)
	return err
}
