// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gatekeeper

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bureau-foundation/abi/lib/admission"
	"github.com/bureau-foundation/abi/lib/audit"
	"github.com/bureau-foundation/abi/lib/clock"
	"github.com/bureau-foundation/abi/lib/errkind"
	"github.com/bureau-foundation/abi/lib/keyring"
	"github.com/bureau-foundation/abi/lib/policy"
	"github.com/bureau-foundation/abi/lib/sessiontoken"
)

// DefaultRevocationTopic receives signed session revocations when a
// Publisher is configured.
const DefaultRevocationTopic = "abi.session.revocations"

// Config holds the components a Gatekeeper composes.
type Config struct {
	Keyring *keyring.Keyring
	Policy  *policy.Engine
	Audit   *audit.Log

	// Sessions mints and verifies session tokens. Nil admits agents
	// without a credential and disables AuthenticateSession.
	Sessions *sessiontoken.Issuer

	// Publisher, when set, receives the signed revocation request each
	// time Revoke invalidates live sessions.
	Publisher       audit.Publisher
	RevocationTopic string

	// FailOpen lets granted decisions stand when their audit record
	// cannot be written.
	FailOpen bool

	ChallengeTTL  time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Gatekeeper is the trust core's public surface.
type Gatekeeper struct {
	keyring         *keyring.Keyring
	policy          *policy.Engine
	audit           *audit.Log
	sessions        *sessiontoken.Issuer
	admission       *admission.Service
	publisher       audit.Publisher
	revocationTopic string
	failOpen        bool
	clock           clock.Clock
	sweepInterval   time.Duration
	logger          *slog.Logger
}

// New wires the components together and seeds the policy engine with
// the roles already in the keyring.
func New(ctx context.Context, cfg Config) (*Gatekeeper, error) {
	if cfg.Keyring == nil || cfg.Policy == nil || cfg.Audit == nil {
		return nil, fmt.Errorf("gatekeeper: Keyring, Policy, and Audit are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	admissionConfig := admission.Config{
		Keyring:       cfg.Keyring,
		Audit:         cfg.Audit,
		Clock:         cfg.Clock,
		Logger:        logger.With("component", "admission"),
		ChallengeTTL:  cfg.ChallengeTTL,
		SweepInterval: cfg.SweepInterval,
	}
	if cfg.Sessions != nil {
		admissionConfig.Sessions = cfg.Sessions
	}
	service, err := admission.New(admissionConfig)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: %w", err)
	}

	gatekeeper := &Gatekeeper{
		keyring:         cfg.Keyring,
		policy:          cfg.Policy,
		audit:           cfg.Audit,
		sessions:        cfg.Sessions,
		admission:       service,
		publisher:       cfg.Publisher,
		revocationTopic: cfg.RevocationTopic,
		failOpen:        cfg.FailOpen,
		clock:           cfg.Clock,
		sweepInterval:   cfg.SweepInterval,
		logger:          logger,
	}
	if gatekeeper.revocationTopic == "" {
		gatekeeper.revocationTopic = DefaultRevocationTopic
	}
	if gatekeeper.clock == nil {
		gatekeeper.clock = clock.Real()
	}
	if gatekeeper.sweepInterval <= 0 {
		gatekeeper.sweepInterval = admission.DefaultSweepInterval
	}

	for identity := range cfg.Keyring.List(ctx) {
		if len(identity.Roles) > 0 {
			cfg.Policy.SetRoles(identity.AEID, identity.Roles)
		}
	}
	if gatekeeper.failOpen {
		logger.Warn("audit fail-open enabled: granted decisions proceed without an audit record")
	}
	return gatekeeper, nil
}

// Register adds or updates an agent's key and roles. A new agent
// starts Unknown; a new key for an existing agent is staged until
// admission proves it. Registration grants nothing by itself, so it is
// committed before it is audited.
func (g *Gatekeeper) Register(ctx context.Context, aeID string, publicKey ed25519.PublicKey, roles []string) (keyring.AgentIdentity, error) {
	identity, change, err := g.keyring.AddOrUpdateKey(ctx, aeID, publicKey, roles...)
	if err != nil {
		return keyring.AgentIdentity{}, err
	}
	g.policy.SetRoles(aeID, identity.Roles)

	kind := audit.KeyRegistered
	if change == keyring.Staged {
		kind = audit.KeyStaged
	}
	err = g.record(ctx, kind, map[string]string{
		"ae_id":       aeID,
		"fingerprint": keyring.Fingerprint(publicKey),
		"change":      change.String(),
		"roles":       strings.Join(identity.Roles, ","),
	})
	if err != nil && !g.failOpen {
		return identity, err
	}
	g.logger.Info("agent registered", "ae_id", aeID, "change", change, "fingerprint", keyring.Fingerprint(publicKey))
	return identity, nil
}

// SetExpiry bounds aeID's registration: from expiresAt on the agent
// can neither be admitted nor act, and its sessions stop
// authenticating. The zero time removes the bound. Like Register it is
// committed before it is audited.
func (g *Gatekeeper) SetExpiry(ctx context.Context, aeID string, expiresAt time.Time) (keyring.AgentIdentity, error) {
	identity, err := g.keyring.SetExpiry(ctx, aeID, expiresAt)
	if err != nil {
		return keyring.AgentIdentity{}, err
	}
	expiry := "never"
	if !identity.ExpiresAt.IsZero() {
		expiry = identity.ExpiresAt.Format(time.RFC3339)
	}
	err = g.record(ctx, audit.KeyExpirySet, map[string]string{
		"ae_id":       aeID,
		"fingerprint": keyring.Fingerprint(identity.PublicKey),
		"expires_at":  expiry,
	})
	if err != nil && !g.failOpen {
		return identity, err
	}
	return identity, nil
}

// Admit issues a challenge and returns the nonce the agent must sign.
func (g *Gatekeeper) Admit(ctx context.Context, aeID string) ([]byte, error) {
	return g.admission.IssueChallenge(ctx, aeID)
}

// CompleteAdmission verifies the agent's signature over its nonce and
// returns the outcome, including the session credential.
func (g *Gatekeeper) CompleteAdmission(ctx context.Context, aeID string, signature []byte) (admission.Outcome, error) {
	return g.admission.VerifyResponse(ctx, aeID, signature)
}

// Emit authorizes aeID to publish on subject.
func (g *Gatekeeper) Emit(ctx context.Context, aeID, subject string) error {
	return g.authorize(ctx, aeID, subject, policy.Publish)
}

// Subscribe authorizes aeID to subscribe to subject.
func (g *Gatekeeper) Subscribe(ctx context.Context, aeID, subject string) error {
	return g.authorize(ctx, aeID, subject, policy.Subscribe)
}

func (g *Gatekeeper) authorize(ctx context.Context, aeID, subject string, op policy.Operation) error {
	decision := g.trusted(ctx, aeID)
	if decision == nil {
		decision = g.policy.Authorize(aeID, subject, op)
	}

	allowed, denied := audit.PublishAuthorized, audit.PublishDenied
	if op == policy.Subscribe {
		allowed, denied = audit.SubscribeAuthorized, audit.SubscribeDenied
	}
	payload := map[string]string{
		"ae_id":   aeID,
		"subject": subject,
	}
	if labels := g.policy.Labels(subject); len(labels) > 0 {
		payload["labels"] = strings.Join(labels, ",")
	}

	if decision != nil {
		payload["reason"] = errkind.Of(decision).String()
		g.logger.Info("operation denied", "ae_id", aeID, "subject", subject, "operation", op, "reason", payload["reason"])
		if err := g.record(ctx, denied, payload); err != nil {
			return errors.Join(decision, err)
		}
		return decision
	}

	if err := g.record(ctx, allowed, payload); err != nil && !g.failOpen {
		return err
	}
	return nil
}

// trusted returns nil when aeID is registered, Trusted, and not
// expired.
func (g *Gatekeeper) trusted(ctx context.Context, aeID string) error {
	identity, err := g.keyring.Get(ctx, aeID)
	if err != nil {
		return err
	}
	return g.acting(identity)
}

func (g *Gatekeeper) acting(identity keyring.AgentIdentity) error {
	if identity.TrustState != keyring.Trusted {
		return errkind.New(errkind.NotAuthorized, "%q is %s, not trusted", identity.AEID, identity.TrustState)
	}
	if identity.Expired(g.clock.Now()) {
		return errkind.New(errkind.NotAuthorized, "registration of %q expired at %s",
			identity.AEID, identity.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// DeclareCapabilities replaces a trusted agent's declared publish and
// subscribe subjects and returns the parts policy resolution rejected.
// The declaration is audited before it takes effect.
func (g *Gatekeeper) DeclareCapabilities(ctx context.Context, aeID string, declared policy.Capabilities) ([]policy.Rejection, error) {
	if err := g.trusted(ctx, aeID); err != nil {
		return nil, err
	}

	err := g.record(ctx, audit.CapabilitiesDeclared, map[string]string{
		"ae_id":      aeID,
		"publishes":  strings.Join(declared.Publishes, ","),
		"subscribes": strings.Join(declared.Subscribes, ","),
		"mode":       g.policy.Options().Mode.String(),
	})
	if err != nil && !g.failOpen {
		return nil, err
	}

	rejected := g.policy.SetCapabilities(aeID, declared)
	for _, rejection := range rejected {
		g.logger.Warn("declared capability rejected",
			"ae_id", aeID,
			"subject", rejection.Subject,
			"operation", rejection.Operation,
			"reason", rejection.Reason,
		)
	}
	return rejected, nil
}

// Revoke permanently distrusts aeID: the keyring record moves to
// Revoked, any live challenge is dropped, its declared capabilities are
// cleared, and its sessions are blacklisted. Revoking an already
// revoked agent is a no-op apart from the audit record.
func (g *Gatekeeper) Revoke(ctx context.Context, aeID, reason string) error {
	identity, changed, err := g.keyring.Revoke(ctx, aeID)
	if err != nil {
		return err
	}
	cancelled := g.admission.Cancel(aeID)
	g.policy.ClearCapabilities(aeID)

	var errs []error
	sessionsRevoked := false
	if g.sessions != nil {
		signed, err := g.sessions.RevokeAgent(aeID)
		if err != nil {
			errs = append(errs, fmt.Errorf("gatekeeper: revoking sessions of %q: %w", aeID, err))
		}
		if signed != nil {
			sessionsRevoked = true
			if g.publisher != nil {
				if err := g.publisher.Publish(ctx, g.revocationTopic, signed); err != nil {
					g.logger.Error("publishing session revocation", "ae_id", aeID, "error", err)
				}
			}
		}
	}

	if err := g.record(ctx, audit.KeyRevoked, map[string]string{
		"ae_id":               aeID,
		"fingerprint":         keyring.Fingerprint(identity.PublicKey),
		"reason":              reason,
		"changed":             fmt.Sprint(changed),
		"challenge_cancelled": fmt.Sprint(cancelled),
		"sessions_revoked":    fmt.Sprint(sessionsRevoked),
	}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AuthenticateSession verifies a session token and checks that the
// agent is still trusted under the key it proved.
func (g *Gatekeeper) AuthenticateSession(ctx context.Context, token []byte) (*sessiontoken.Token, error) {
	if g.sessions == nil {
		return nil, errkind.New(errkind.NotAuthorized, "session tokens are not enabled")
	}
	verified, err := g.sessions.Verify(token)
	if err != nil {
		return nil, errkind.Wrap(errkind.NotAuthorized, err, "session rejected")
	}
	identity, err := g.keyring.Get(ctx, verified.AEID)
	if err != nil {
		return nil, err
	}
	if err := g.acting(identity); err != nil {
		return nil, err
	}
	if keyring.Fingerprint(identity.PublicKey) != verified.Fingerprint {
		return nil, errkind.New(errkind.NotAuthorized, "%q no longer holds the key its session was issued for", verified.AEID)
	}
	return verified, nil
}

// Run sweeps expired challenges and prunes the session blacklist on
// every tick until ctx is cancelled.
func (g *Gatekeeper) Run(ctx context.Context) {
	ticker := g.clock.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gatekeeper) sweep(ctx context.Context) {
	challenges := g.admission.Sweep(ctx)
	sessions := 0
	if g.sessions != nil {
		sessions = g.sessions.Cleanup()
	}
	if challenges > 0 || sessions > 0 {
		g.logger.Debug("sweep", "challenges_expired", challenges, "blacklist_pruned", sessions)
	}
}

// record writes an audit event. Under FailOpen a failure is logged and
// also returned so callers can decide; granted paths ignore it.
func (g *Gatekeeper) record(ctx context.Context, kind audit.EventKind, payload map[string]string) error {
	_, err := g.audit.Record(ctx, kind, payload)
	if err != nil && g.failOpen {
		g.logger.Error("audit record failed, continuing (fail-open)", "event_kind", kind, "error", err)
	}
	return err
}
