// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/abi/lib/secret"
)

// Keypair is an age x25519 identity. PrivateKey is in
// AGE-SECRET-KEY-1... form and must never be logged. PublicKey
// (age1...) is safe to publish.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a new age x25519 identity. The caller must
// Close the result.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating age identity: %w", err)
	}

	// identity.String() leaves a heap copy that the GC reclaims; the
	// buffer is the only long-lived copy.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Seal encrypts plaintext to every recipient (age1... strings) and
// returns armored ciphertext.
func Seal(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("sealed: at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("sealed: parsing recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	armorWriter := armor.NewWriter(&ciphertext)
	writer, err := age.Encrypt(armorWriter, recipients...)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing encryption: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing armor: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts armored ciphertext with identity. The identity buffer
// is borrowed, not closed. The caller must Close the returned buffer.
func Open(ciphertext []byte, identity *secret.Buffer) (*secret.Buffer, error) {
	parsed, err := age.ParseX25519Identity(identity.String())
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing identity: %w", err)
	}

	reader, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), parsed)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: plaintext is empty")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting plaintext: %w", err)
	}
	return buffer, nil
}

// SealSigningKey writes the seed of key, sealed to recipientKeys, to
// path with mode 0600. An existing file is not overwritten.
func SealSigningKey(path string, key ed25519.PrivateKey, recipientKeys []string) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("sealed: signing key is %d bytes, want %d", len(key), ed25519.PrivateKeySize)
	}

	ciphertext, err := Seal(key.Seed(), recipientKeys)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("sealed: %w", err)
	}
	if _, err := file.Write(ciphertext); err != nil {
		file.Close()
		return fmt.Errorf("sealed: writing %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sealed: syncing %s: %w", path, err)
	}
	return file.Close()
}

// OpenSigningKey unseals the key at path with identity and returns the
// 64-byte Ed25519 private key in a Buffer. Use it in place with
// ed25519.PrivateKey(buffer.Bytes()).
func OpenSigningKey(path string, identity *secret.Buffer) (*secret.Buffer, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sealed: %w", err)
	}

	seed, err := Open(ciphertext, identity)
	if err != nil {
		return nil, err
	}
	defer seed.Close()

	if seed.Len() != ed25519.SeedSize {
		return nil, fmt.Errorf("sealed: %s holds %d bytes, want a %d-byte Ed25519 seed", path, seed.Len(), ed25519.SeedSize)
	}
	return secret.NewFromBytes(ed25519.NewKeyFromSeed(seed.Bytes()))
}

// PublicKeyOf returns the age recipient (age1...) for identity. The
// identity buffer is borrowed, not closed.
func PublicKeyOf(identity *secret.Buffer) (string, error) {
	parsed, err := age.ParseX25519Identity(identity.String())
	if err != nil {
		return "", fmt.Errorf("sealed: parsing identity: %w", err)
	}
	return parsed.Recipient().String(), nil
}

// ParsePublicKey validates an age recipient string.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("sealed: invalid age public key: %w", err)
	}
	return nil
}
