// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/abi/lib/audit"
	"github.com/bureau-foundation/abi/lib/clock"
	"github.com/bureau-foundation/abi/lib/errkind"
	"github.com/bureau-foundation/abi/lib/keyring"
)

const (
	// NonceSize is the length of a challenge nonce in bytes.
	NonceSize = 32

	// DefaultChallengeTTL is how long an agent has to answer.
	DefaultChallengeTTL = 300 * time.Second

	// DefaultSweepInterval is how often Run removes stale challenges.
	DefaultSweepInterval = 30 * time.Second
)

// SessionIssuer mints the credential handed to an agent after a
// successful admission.
type SessionIssuer interface {
	Mint(ctx context.Context, aeID, fingerprint string) ([]byte, error)
}

// Auditor records audit events. *audit.Log implements it.
type Auditor interface {
	Record(ctx context.Context, kind audit.EventKind, payload map[string]string) (audit.Envelope, error)
}

// Config holds the collaborators of a Service.
type Config struct {
	Keyring *keyring.Keyring
	Audit   Auditor

	// Sessions mints credentials on success. Nil admits without one.
	Sessions SessionIssuer

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger receives handshake messages. Nil discards.
	Logger *slog.Logger

	// ChallengeTTL defaults to DefaultChallengeTTL.
	ChallengeTTL time.Duration

	// SweepInterval is Run's period. Defaults to DefaultSweepInterval.
	SweepInterval time.Duration
}

// Challenge is an outstanding proof-of-possession request.
type Challenge struct {
	AEID  string
	Nonce []byte

	// Key is the key the response must verify against, fixed when the
	// challenge was issued.
	Key ed25519.PublicKey

	IssuedAt  time.Time
	ExpiresAt time.Time

	// superseded holds the most recent challenges this one replaced,
	// newest first, so a response to one of them can be told apart
	// from a forgery.
	superseded []*Challenge
}

// maxSuperseded bounds how many replaced challenges are remembered.
const maxSuperseded = 4

// Outcome is the result of a successful admission.
type Outcome struct {
	AEID        string
	Fingerprint string

	// Identity is the keyring record after the commit.
	Identity keyring.AgentIdentity

	// Session is the credential minted by the SessionIssuer, or nil
	// when none is configured.
	Session []byte
}

// Service issues and verifies challenges.
type Service struct {
	keyring       *keyring.Keyring
	audit         Auditor
	sessions      SessionIssuer
	clock         clock.Clock
	logger        *slog.Logger
	challengeTTL  time.Duration
	sweepInterval time.Duration

	locks *lockTable

	mu         sync.Mutex
	challenges map[string]*Challenge
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Keyring == nil {
		return nil, fmt.Errorf("admission: Keyring is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("admission: Audit is required")
	}
	service := &Service{
		keyring:       cfg.Keyring,
		audit:         cfg.Audit,
		sessions:      cfg.Sessions,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		challengeTTL:  cfg.ChallengeTTL,
		sweepInterval: cfg.SweepInterval,
		locks:         newLockTable(),
		challenges:    make(map[string]*Challenge),
	}
	if service.clock == nil {
		service.clock = clock.Real()
	}
	if service.logger == nil {
		service.logger = slog.New(slog.DiscardHandler)
	}
	if service.challengeTTL <= 0 {
		service.challengeTTL = DefaultChallengeTTL
	}
	if service.sweepInterval <= 0 {
		service.sweepInterval = DefaultSweepInterval
	}
	return service, nil
}

// IssueChallenge starts a handshake for a registered agent and returns
// the nonce to sign. A live challenge for the same agent is replaced.
// Unknown and pending identities move to PendingVerification; trusted
// identities stay trusted while they prove a staged key or renew a
// session. Revoked identities and lapsed registrations are refused
// with InvalidTransition.
func (s *Service) IssueChallenge(ctx context.Context, aeID string) ([]byte, error) {
	unlock := s.locks.lock(aeID)
	defer unlock()

	identity, err := s.keyring.Get(ctx, aeID)
	if err != nil {
		return nil, err
	}
	if identity.TrustState == keyring.Revoked {
		return nil, errkind.New(errkind.InvalidTransition, "%q is revoked", aeID)
	}
	if identity.Expired(s.clock.Now()) {
		return nil, errkind.New(errkind.InvalidTransition,
			"registration of %q expired at %s", aeID, identity.ExpiresAt.Format(time.RFC3339))
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("admission: generating nonce: %w", err)
	}
	now := s.clock.Now()
	challenge := &Challenge{
		AEID:      aeID,
		Nonce:     nonce,
		Key:       identity.VerificationKey(),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.challengeTTL),
	}
	fingerprint := keyring.Fingerprint(challenge.Key)

	if _, err := s.audit.Record(ctx, audit.ChallengeIssued, map[string]string{
		"ae_id":       aeID,
		"fingerprint": fingerprint,
		"expires_at":  challenge.ExpiresAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}

	if identity.TrustState != keyring.Trusted {
		if _, err := s.keyring.SetTrustState(ctx, aeID, keyring.PendingVerification); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	previous, replaced := s.challenges[aeID]
	if replaced {
		challenge.superseded = append([]*Challenge{previous}, previous.superseded...)
		previous.superseded = nil
		if len(challenge.superseded) > maxSuperseded {
			challenge.superseded = challenge.superseded[:maxSuperseded]
		}
	}
	s.challenges[aeID] = challenge
	s.mu.Unlock()

	s.logger.Info("challenge issued",
		"ae_id", aeID,
		"fingerprint", fingerprint,
		"replaced", replaced,
		"expires_at", challenge.ExpiresAt,
	)
	return slices.Clone(nonce), nil
}

// VerifyResponse checks signature over the agent's outstanding nonce.
//
// The challenge is consumed before anything else happens. With no
// challenge the result is NoActiveChallenge; so is a valid signature
// over a nonce that a later IssueChallenge replaced, in which case the
// live challenge is kept. A late response yields
// ChallengeExpired and a bad one SignatureInvalid; both revert a
// pending identity to Unknown and are audited. A valid signature from
// an identity that was revoked, lost the challenged key, or lapsed
// while the challenge was outstanding is refused with
// InvalidTransition and audited as a failure. On success the event is
// audited before the keyring commit, so an audit failure returns
// AuditSinkUnavailable and leaves the identity untouched.
func (s *Service) VerifyResponse(ctx context.Context, aeID string, signature []byte) (Outcome, error) {
	unlock := s.locks.lock(aeID)
	defer unlock()

	s.mu.Lock()
	challenge := s.challenges[aeID]
	delete(s.challenges, aeID)
	s.mu.Unlock()

	if challenge == nil {
		s.logger.Warn("response without an active challenge", "ae_id", aeID)
		return Outcome{}, errkind.New(errkind.NoActiveChallenge, "no outstanding challenge for %q", aeID)
	}

	fingerprint := keyring.Fingerprint(challenge.Key)
	now := s.clock.Now()
	if !now.Before(challenge.ExpiresAt) {
		failure := errkind.New(errkind.ChallengeExpired,
			"challenge for %q expired at %s", aeID, challenge.ExpiresAt.UTC().Format(time.RFC3339))
		return Outcome{}, s.expire(ctx, challenge, "response_after_expiry", failure)
	}

	if len(signature) != ed25519.SignatureSize || !ed25519.Verify(challenge.Key, challenge.Nonce, signature) {
		if answersSuperseded(challenge, signature) {
			s.mu.Lock()
			s.challenges[aeID] = challenge
			s.mu.Unlock()
			s.logger.Warn("response to a replaced challenge", "ae_id", aeID)
			return Outcome{}, errkind.New(errkind.NoActiveChallenge, "response from %q answers a replaced challenge", aeID)
		}
		failure := errkind.New(errkind.SignatureInvalid,
			"response from %q does not verify against %s", aeID, fingerprint)
		return Outcome{}, s.reject(ctx, challenge, failure)
	}

	identity, err := s.keyring.Get(ctx, aeID)
	if err != nil {
		return Outcome{}, err
	}
	if failure := admissible(identity, challenge.Key, now); failure != nil {
		return Outcome{}, s.reject(ctx, challenge, failure)
	}
	payload := map[string]string{
		"ae_id":       aeID,
		"fingerprint": fingerprint,
	}
	if identity.StagedKey != nil && bytes.Equal(identity.StagedKey, challenge.Key) {
		payload["staged_key"] = "promoted"
	}
	if _, err := s.audit.Record(ctx, audit.AdmissionSucceeded, payload); err != nil {
		return Outcome{}, err
	}

	identity, err = s.keyring.MarkVerified(ctx, aeID, challenge.Key)
	if err != nil {
		return Outcome{}, err
	}

	outcome := Outcome{AEID: aeID, Fingerprint: fingerprint, Identity: identity}
	if s.sessions != nil {
		session, err := s.sessions.Mint(ctx, aeID, fingerprint)
		if err != nil {
			return Outcome{}, fmt.Errorf("admission: minting session for %q: %w", aeID, err)
		}
		outcome.Session = session
	}

	s.logger.Info("agent admitted", "ae_id", aeID, "fingerprint", fingerprint)
	return outcome, nil
}

// admissible checks that identity may still be admitted with key.
func admissible(identity keyring.AgentIdentity, key ed25519.PublicKey, now time.Time) error {
	switch {
	case identity.TrustState != keyring.PendingVerification && identity.TrustState != keyring.Trusted:
		return errkind.New(errkind.InvalidTransition,
			"%q became %s while the challenge was outstanding", identity.AEID, identity.TrustState)
	case !bytes.Equal(key, identity.PublicKey) && !bytes.Equal(key, identity.StagedKey):
		return errkind.New(errkind.InvalidTransition,
			"key %s is no longer held by %q", keyring.Fingerprint(key), identity.AEID)
	case identity.Expired(now):
		return errkind.New(errkind.InvalidTransition,
			"registration of %q expired at %s", identity.AEID, identity.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func answersSuperseded(challenge *Challenge, signature []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	for _, old := range challenge.superseded {
		if ed25519.Verify(old.Key, old.Nonce, signature) {
			return true
		}
	}
	return false
}

// reject handles a response that failed verification.
func (s *Service) reject(ctx context.Context, challenge *Challenge, failure error) error {
	s.logger.Warn("admission failed",
		"ae_id", challenge.AEID,
		"fingerprint", keyring.Fingerprint(challenge.Key),
		"reason", errkind.Of(failure),
	)
	_, auditErr := s.audit.Record(ctx, audit.AdmissionFailed, map[string]string{
		"ae_id":       challenge.AEID,
		"fingerprint": keyring.Fingerprint(challenge.Key),
		"reason":      errkind.Of(failure).String(),
	})
	if _, err := s.keyring.MarkRejected(ctx, challenge.AEID, challenge.Key); err != nil {
		return errors.Join(failure, auditErr, err)
	}
	return errors.Join(failure, auditErr)
}

// expire handles a challenge whose window closed, found either by a
// late response or by Sweep.
func (s *Service) expire(ctx context.Context, challenge *Challenge, reason string, failure error) error {
	s.logger.Info("challenge expired", "ae_id", challenge.AEID, "reason", reason)
	_, auditErr := s.audit.Record(ctx, audit.ChallengeExpired, map[string]string{
		"ae_id":       challenge.AEID,
		"fingerprint": keyring.Fingerprint(challenge.Key),
		"reason":      reason,
	})

	identity, err := s.keyring.Get(ctx, challenge.AEID)
	if err == nil && identity.TrustState == keyring.PendingVerification {
		_, err = s.keyring.SetTrustState(ctx, challenge.AEID, keyring.Unknown)
	}
	return errors.Join(failure, auditErr, err)
}

// Cancel drops aeID's live challenge, reporting whether there was one.
func (s *Service) Cancel(aeID string) bool {
	unlock := s.locks.lock(aeID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.challenges[aeID]
	delete(s.challenges, aeID)
	return ok
}

// Pending reports whether aeID has a live, unexpired challenge.
func (s *Service) Pending(aeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	challenge := s.challenges[aeID]
	return challenge != nil && s.clock.Now().Before(challenge.ExpiresAt)
}

// Sweep removes every expired challenge, auditing each and reverting
// pending identities to Unknown. It returns how many were removed.
func (s *Service) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	var expired []string
	s.mu.Lock()
	for aeID, challenge := range s.challenges {
		if !now.Before(challenge.ExpiresAt) {
			expired = append(expired, aeID)
		}
	}
	s.mu.Unlock()
	slices.Sort(expired)

	removed := 0
	for _, aeID := range expired {
		unlock := s.locks.lock(aeID)

		// A new challenge may have replaced the expired one while the
		// lock was contended.
		s.mu.Lock()
		challenge := s.challenges[aeID]
		stale := challenge != nil && !now.Before(challenge.ExpiresAt)
		if stale {
			delete(s.challenges, aeID)
		}
		s.mu.Unlock()

		if stale {
			removed++
			if err := s.expire(ctx, challenge, "swept", nil); err != nil {
				s.logger.Error("expiring challenge", "ae_id", aeID, "error", err)
			}
		}
		unlock()
	}
	return removed
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.Sweep(ctx); removed > 0 {
				s.logger.Debug("challenges swept", "removed", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}

// DecodeSignature decodes a base64 signature, with or without padding,
// in the standard or URL alphabet.
func DecodeSignature(encoded string) ([]byte, error) {
	signature, err := keyring.DecodeBase64(encoded)
	if err != nil {
		return nil, errkind.Wrap(errkind.SignatureInvalid, err, "decoding signature")
	}
	if len(signature) != ed25519.SignatureSize {
		return nil, errkind.New(errkind.SignatureInvalid,
			"signature is %d bytes, want %d", len(signature), ed25519.SignatureSize)
	}
	return signature, nil
}
