// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/ssh"
)

// fingerprintDomainKey separates key fingerprints from every other
// BLAKE3 use in the trust core. Changing it changes every fingerprint.
var fingerprintDomainKey = [32]byte{
	'a', 'b', 'i', '.', 'k', 'e', 'y', 'r', 'i', 'n', 'g', '.',
	'f', 'i', 'n', 'g', 'e', 'r', 'p', 'r', 'i', 'n', 't',
}

// Fingerprint returns "b3:" followed by the first 16 bytes of the keyed
// BLAKE3 hash of the key, in hex.
func Fingerprint(publicKey ed25519.PublicKey) string {
	hasher, err := blake3.NewKeyed(fingerprintDomainKey[:])
	if err != nil {
		panic("keyring: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(publicKey)
	sum := hasher.Sum(nil)
	return "b3:" + hex.EncodeToString(sum[:16])
}

// ParsePublicKey decodes an Ed25519 public key from any of:
//
//   - an OpenSSH authorized_keys line ("ssh-ed25519 AAAA... comment")
//   - 64 hex characters
//   - standard or URL-safe base64, with or without padding
//   - the raw 32 bytes
func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	trimmed := strings.TrimSpace(encoded)
	if trimmed == "" {
		return nil, fmt.Errorf("keyring: empty public key")
	}

	if strings.HasPrefix(trimmed, "ssh-") {
		return parseAuthorizedKey(trimmed)
	}

	if len(trimmed) == hex.EncodedLen(ed25519.PublicKeySize) {
		if decoded, err := hex.DecodeString(trimmed); err == nil {
			return ed25519.PublicKey(decoded), nil
		}
	}

	decoded, base64Err := DecodeBase64(trimmed)
	if base64Err == nil && len(decoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey(decoded), nil
	}

	if len(encoded) == ed25519.PublicKeySize {
		return ed25519.PublicKey([]byte(encoded)), nil
	}

	if base64Err == nil {
		return nil, fmt.Errorf("keyring: public key is %d bytes, want %d", len(decoded), ed25519.PublicKeySize)
	}
	return nil, fmt.Errorf("keyring: unrecognized public key encoding")
}

func parseAuthorizedKey(line string) (ed25519.PublicKey, error) {
	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing OpenSSH key: %w", err)
	}
	cryptoKey, ok := parsed.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("keyring: OpenSSH key type %s not supported", parsed.Type())
	}
	publicKey, ok := cryptoKey.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keyring: OpenSSH key type %s is not ssh-ed25519", parsed.Type())
	}
	return publicKey, nil
}

// DecodeBase64 decodes standard or URL-safe base64 whether or not the
// padding is present.
func DecodeBase64(encoded string) ([]byte, error) {
	unpadded := strings.TrimRight(encoded, "=")
	if decoded, err := base64.RawStdEncoding.DecodeString(unpadded); err == nil {
		return decoded, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(unpadded)
	if err != nil {
		return nil, fmt.Errorf("keyring: invalid base64: %w", err)
	}
	return decoded, nil
}

// EncodePublicKey renders a key as padded standard base64, the form
// the CLI prints and ParsePublicKey accepts back.
func EncodePublicKey(publicKey ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(publicKey)
}
