// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessiontoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/abi/lib/codec"
)

const signatureSize = ed25519.SignatureSize

// Token is the signed payload of a session credential.
type Token struct {
	// AEID is the admitted agent.
	AEID string `cbor:"1,keyasint" json:"ae_id"`

	// Audience scopes the token to one deployment; a token minted for
	// one audience is refused by verifiers expecting another.
	Audience string `cbor:"2,keyasint" json:"audience"`

	// Fingerprint identifies the key the agent proved at admission.
	Fingerprint string `cbor:"3,keyasint" json:"fingerprint"`

	// ID is a unique token identifier (hex), the handle for
	// revocation.
	ID string `cbor:"4,keyasint" json:"id"`

	// IssuedAt and ExpiresAt are Unix seconds.
	IssuedAt  int64 `cbor:"5,keyasint" json:"issued_at"`
	ExpiresAt int64 `cbor:"6,keyasint" json:"expires_at"`
}

// Errors returned by VerifyAt and the Issuer.
var (
	ErrTokenTooShort    = errors.New("sessiontoken: token too short for signature")
	ErrInvalidSignature = errors.New("sessiontoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("sessiontoken: token has expired")
	ErrAudienceMismatch = errors.New("sessiontoken: audience does not match")
	ErrTokenRevoked     = errors.New("sessiontoken: token has been revoked")
)

// Mint signs token and returns its wire bytes.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("sessiontoken: encoding token payload: %w", err)
	}
	return appendSignature(privateKey, payload), nil
}

// VerifyAt checks the signature and expiry of tokenBytes at now and
// returns the decoded token. Audience and revocation are the caller's
// concern; Issuer.Verify checks both.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	payload, err := splitSigned(publicKey, tokenBytes)
	if err != nil {
		return nil, err
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("sessiontoken: decoding token payload: %w", err)
	}
	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}
	return &token, nil
}

func appendSignature(privateKey ed25519.PrivateKey, payload []byte) []byte {
	signature := ed25519.Sign(privateKey, payload)
	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)
	return result
}

func splitSigned(publicKey ed25519.PublicKey, data []byte) ([]byte, error) {
	if len(data) <= signatureSize {
		return nil, ErrTokenTooShort
	}
	splitPoint := len(data) - signatureSize
	payload, signature := data[:splitPoint], data[splitPoint:]
	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}
