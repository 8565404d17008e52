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

// RevocationEntry identifies one token to revoke.
type RevocationEntry struct {
	TokenID string `cbor:"1,keyasint"`

	// ExpiresAt is the token's natural expiry (Unix seconds), when the
	// blacklist entry can be dropped.
	ExpiresAt int64 `cbor:"2,keyasint"`
}

// RevocationRequest lists the tokens invalidated by revoking one agent.
type RevocationRequest struct {
	AEID     string            `cbor:"1,keyasint"`
	Entries  []RevocationEntry `cbor:"2,keyasint"`
	IssuedAt int64             `cbor:"3,keyasint"`
}

var (
	ErrRevocationBadSig    = errors.New("sessiontoken: invalid revocation signature")
	ErrRevocationNoEntries = errors.New("sessiontoken: revocation request has no entries")
)

// SignRevocation signs a revocation request. The wire format mirrors
// tokens: CBOR payload followed by a 64-byte Ed25519 signature.
func SignRevocation(privateKey ed25519.PrivateKey, request *RevocationRequest) ([]byte, error) {
	payload, err := codec.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("sessiontoken: encoding revocation request: %w", err)
	}
	return appendSignature(privateKey, payload), nil
}

// VerifyRevocation checks the signature on a revocation request and
// decodes it.
func VerifyRevocation(publicKey ed25519.PublicKey, data []byte) (*RevocationRequest, error) {
	payload, err := splitSigned(publicKey, data)
	if errors.Is(err, ErrInvalidSignature) {
		return nil, ErrRevocationBadSig
	}
	if err != nil {
		return nil, err
	}

	var request RevocationRequest
	if err := codec.Unmarshal(payload, &request); err != nil {
		return nil, fmt.Errorf("sessiontoken: decoding revocation request: %w", err)
	}
	if len(request.Entries) == 0 {
		return nil, ErrRevocationNoEntries
	}
	return &request, nil
}

// Apply adds every entry of a verified request to blacklist.
func (r *RevocationRequest) Apply(blacklist *Blacklist) {
	for _, entry := range r.Entries {
		blacklist.Revoke(entry.TokenID, time.Unix(entry.ExpiresAt, 0))
	}
}
