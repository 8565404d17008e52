// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessiontoken

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/abi/lib/clock"
)

// DefaultTTL is the session lifetime when the configuration does not
// set one.
const DefaultTTL = time.Hour

// Config holds the parameters for NewIssuer.
type Config struct {
	// SigningKey signs tokens and revocation requests. Required.
	SigningKey ed25519.PrivateKey

	// Audience is stamped into every token and required by Verify.
	// Required.
	Audience string

	// TTL is the token lifetime. Defaults to DefaultTTL.
	TTL time.Duration

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger receives mint and revoke messages. Nil discards.
	Logger *slog.Logger
}

// mintedToken is a token still worth tracking for revocation.
type mintedToken struct {
	id        string
	expiresAt time.Time
}

// Issuer mints session tokens and tracks them per agent so revoking an
// agent invalidates its live sessions.
type Issuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	audience   string
	ttl        time.Duration
	clock      clock.Clock
	logger     *slog.Logger
	blacklist  *Blacklist

	mu     sync.Mutex
	issued map[string][]mintedToken
}

// NewIssuer validates cfg and returns an Issuer.
func NewIssuer(cfg Config) (*Issuer, error) {
	if len(cfg.SigningKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("sessiontoken: signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(cfg.SigningKey))
	}
	if cfg.Audience == "" {
		return nil, fmt.Errorf("sessiontoken: Audience is required")
	}
	issuer := &Issuer{
		privateKey: cfg.SigningKey,
		publicKey:  cfg.SigningKey.Public().(ed25519.PublicKey),
		audience:   cfg.Audience,
		ttl:        cfg.TTL,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		blacklist:  NewBlacklist(),
		issued:     make(map[string][]mintedToken),
	}
	if issuer.ttl <= 0 {
		issuer.ttl = DefaultTTL
	}
	if issuer.clock == nil {
		issuer.clock = clock.Real()
	}
	if issuer.logger == nil {
		issuer.logger = slog.New(slog.DiscardHandler)
	}
	return issuer, nil
}

// Mint issues a session token for an agent that has just proved the
// key with the given fingerprint.
func (i *Issuer) Mint(ctx context.Context, aeID, fingerprint string) ([]byte, error) {
	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, fmt.Errorf("sessiontoken: generating token ID: %w", err)
	}

	now := i.clock.Now()
	expiresAt := now.Add(i.ttl)
	token := &Token{
		AEID:        aeID,
		Audience:    i.audience,
		Fingerprint: fingerprint,
		ID:          hex.EncodeToString(idBytes[:]),
		IssuedAt:    now.Unix(),
		ExpiresAt:   expiresAt.Unix(),
	}
	tokenBytes, err := Mint(i.privateKey, token)
	if err != nil {
		return nil, err
	}

	i.mu.Lock()
	i.issued[aeID] = append(live(i.issued[aeID], now), mintedToken{id: token.ID, expiresAt: time.Unix(token.ExpiresAt, 0)})
	i.mu.Unlock()

	i.logger.Debug("session minted", "ae_id", aeID, "token_id", token.ID, "expires_at", expiresAt)
	return tokenBytes, nil
}

// Verify checks signature, expiry, audience, and revocation.
func (i *Issuer) Verify(tokenBytes []byte) (*Token, error) {
	token, err := VerifyAt(i.publicKey, tokenBytes, i.clock.Now())
	if err != nil {
		return nil, err
	}
	if token.Audience != i.audience {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrAudienceMismatch, token.Audience, i.audience)
	}
	if i.blacklist.IsRevoked(token.ID) {
		return nil, ErrTokenRevoked
	}
	return token, nil
}

// RevokeAgent blacklists every live token minted for aeID and returns
// the signed revocation request for distribution, or nil when there
// was nothing to revoke.
func (i *Issuer) RevokeAgent(aeID string) ([]byte, error) {
	now := i.clock.Now()

	i.mu.Lock()
	tokens := live(i.issued[aeID], now)
	delete(i.issued, aeID)
	i.mu.Unlock()

	if len(tokens) == 0 {
		return nil, nil
	}
	request := &RevocationRequest{AEID: aeID, IssuedAt: now.Unix()}
	for _, token := range tokens {
		request.Entries = append(request.Entries, RevocationEntry{TokenID: token.id, ExpiresAt: token.expiresAt.Unix()})
	}
	request.Apply(i.blacklist)
	i.logger.Info("sessions revoked", "ae_id", aeID, "tokens", len(tokens))
	return SignRevocation(i.privateKey, request)
}

// Cleanup drops expired blacklist entries and returns how many went.
func (i *Issuer) Cleanup() int {
	return i.blacklist.Cleanup(i.clock.Now())
}

// Blacklisted returns how many revoked tokens are still tracked.
func (i *Issuer) Blacklisted() int {
	return i.blacklist.Len()
}

// PublicKey returns the key that verifies tokens and revocations.
func (i *Issuer) PublicKey() ed25519.PublicKey { return i.publicKey }

// Audience returns the audience stamped into tokens.
func (i *Issuer) Audience() string { return i.audience }

func live(tokens []mintedToken, now time.Time) []mintedToken {
	kept := tokens[:0]
	for _, token := range tokens {
		if now.Before(token.expiresAt) {
			kept = append(kept, token)
		}
	}
	return kept
}
