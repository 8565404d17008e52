// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/abi/lib/clock"
	"github.com/bureau-foundation/abi/lib/errkind"
)

// DefaultWriteTimeout bounds a store write when Config.WriteTimeout is
// zero.
const DefaultWriteTimeout = 5 * time.Second

// Config holds the dependencies of a Keyring.
type Config struct {
	// Store persists identities. Nil uses a MemoryStore.
	Store Store

	// Clock stamps CreatedAt and LastVerifiedAt. Nil uses the real
	// clock.
	Clock clock.Clock

	// Logger receives registration and trust-state changes. Nil
	// discards.
	Logger *slog.Logger

	// WriteTimeout bounds each Store.Save.
	WriteTimeout time.Duration
}

// Change describes what AddOrUpdateKey did.
type Change int

const (
	// Unchanged: the key was already the identity's active or staged
	// key. Roles may still have been updated.
	Unchanged Change = iota

	// Registered: a new identity was created in Unknown.
	Registered

	// Staged: the key was staged on an existing identity.
	Staged

	// Reset: a revoked identity was reinitialized to Unknown with a
	// new key.
	Reset
)

func (c Change) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case Registered:
		return "registered"
	case Staged:
		return "staged"
	case Reset:
		return "reset"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

// Keyring is the in-memory view of all identities, written through to
// a Store. A single mutex covers every read-check-write sequence.
type Keyring struct {
	store        Store
	clock        clock.Clock
	logger       *slog.Logger
	writeTimeout time.Duration

	mu         sync.Mutex
	identities map[string]*AgentIdentity
	// owners maps a key (active or staged) to the ae_id holding it.
	owners map[string]string
}

// Open loads every identity from cfg.Store. It fails if the store holds
// two identities claiming the same key.
func Open(ctx context.Context, cfg Config) (*Keyring, error) {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	keyring := &Keyring{
		store:        cfg.Store,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
		identities:   make(map[string]*AgentIdentity),
		owners:       make(map[string]string),
	}

	stored, err := cfg.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("keyring: loading identities: %w", err)
	}
	for _, identity := range stored {
		for _, key := range heldKeys(identity) {
			if owner, exists := keyring.owners[string(key)]; exists && owner != identity.AEID {
				return nil, fmt.Errorf("keyring: store corrupt: key %s held by both %q and %q",
					Fingerprint(key), owner, identity.AEID)
			}
			keyring.owners[string(key)] = identity.AEID
		}
		loaded := identity.Clone()
		keyring.identities[identity.AEID] = &loaded
	}

	keyring.logger.Info("keyring opened", "identities", len(stored))
	return keyring, nil
}

// AddOrUpdateKey registers publicKey for aeID.
//
// A new aeID is created in Unknown. For an existing identity, a key it
// already holds is a no-op, and any other key is staged without
// touching the active key or trust state. A revoked identity presented
// with a key it has never held is reset to Unknown with that key;
// presented with its revoked key it fails with InvalidTransition. A
// key held by another identity fails with DuplicateKeyConflict.
//
// Non-nil roles replace the identity's roles.
func (k *Keyring) AddOrUpdateKey(ctx context.Context, aeID string, publicKey ed25519.PublicKey, roles ...string) (AgentIdentity, Change, error) {
	if aeID == "" {
		return AgentIdentity{}, Unchanged, fmt.Errorf("keyring: ae_id is required")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return AgentIdentity{}, Unchanged, fmt.Errorf("keyring: public key is %d bytes, want %d", len(publicKey), ed25519.PublicKeySize)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if owner, owned := k.owners[string(publicKey)]; owned && owner != aeID {
		return AgentIdentity{}, Unchanged, errkind.New(errkind.DuplicateKeyConflict,
			"key %s is already registered to %q", Fingerprint(publicKey), owner)
	}

	existing := k.identities[aeID]
	if existing == nil {
		identity := AgentIdentity{
			AEID:       aeID,
			PublicKey:  slices.Clone(publicKey),
			TrustState: Unknown,
			Roles:      normalizeRoles(roles),
			CreatedAt:  k.clock.Now().UTC(),
		}
		if err := k.commit(ctx, nil, identity); err != nil {
			return AgentIdentity{}, Unchanged, err
		}
		k.logger.Info("identity registered",
			"ae_id", aeID, "fingerprint", Fingerprint(publicKey))
		return identity.Clone(), Registered, nil
	}

	updated := existing.Clone()
	if roles != nil {
		updated.Roles = normalizeRoles(roles)
	}

	var change Change
	switch {
	case existing.TrustState == Revoked:
		if bytes.Equal(publicKey, existing.PublicKey) {
			return AgentIdentity{}, Unchanged, errkind.New(errkind.InvalidTransition,
				"%q is revoked; re-registration requires a new key", aeID)
		}
		updated.PublicKey = slices.Clone(publicKey)
		updated.StagedKey = nil
		updated.TrustState = Unknown
		updated.LastVerifiedAt = time.Time{}
		updated.ExpiresAt = time.Time{}
		change = Reset

	case bytes.Equal(publicKey, existing.PublicKey), bytes.Equal(publicKey, existing.StagedKey):
		change = Unchanged

	default:
		updated.StagedKey = slices.Clone(publicKey)
		change = Staged
	}

	if change == Unchanged && slices.Equal(updated.Roles, existing.Roles) {
		return updated, Unchanged, nil
	}
	if err := k.commit(ctx, existing, updated); err != nil {
		return AgentIdentity{}, Unchanged, err
	}

	switch change {
	case Staged:
		k.logger.Info("key staged",
			"ae_id", aeID, "fingerprint", Fingerprint(existing.PublicKey),
			"staged_fingerprint", Fingerprint(publicKey))
	case Reset:
		k.logger.Info("revoked identity reset",
			"ae_id", aeID, "fingerprint", Fingerprint(publicKey))
	}
	return updated.Clone(), change, nil
}

// Get returns the identity for aeID, or an UnknownAgent error.
func (k *Keyring) Get(ctx context.Context, aeID string) (AgentIdentity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing := k.identities[aeID]
	if existing == nil {
		return AgentIdentity{}, unknownAgent(aeID)
	}
	return existing.Clone(), nil
}

// SetTrustState moves aeID to state if the transition table allows it.
// Entering Trusted stamps LastVerifiedAt.
func (k *Keyring) SetTrustState(ctx context.Context, aeID string, state TrustState) (AgentIdentity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing := k.identities[aeID]
	if existing == nil {
		return AgentIdentity{}, unknownAgent(aeID)
	}
	if !CanTransition(existing.TrustState, state) {
		return AgentIdentity{}, errkind.New(errkind.InvalidTransition,
			"%q: %s -> %s", aeID, existing.TrustState, state)
	}

	updated := existing.Clone()
	updated.TrustState = state
	switch state {
	case Trusted:
		updated.LastVerifiedAt = k.clock.Now().UTC()
	case Revoked:
		updated.StagedKey = nil
	}
	if err := k.commit(ctx, existing, updated); err != nil {
		return AgentIdentity{}, err
	}

	k.logger.Debug("trust state changed",
		"ae_id", aeID, "from", existing.TrustState, "to", state)
	return updated.Clone(), nil
}

// MarkVerified records a successful proof of possession of provenKey.
// The identity must be PendingVerification or Trusted, and provenKey
// must be its active or staged key. A staged key is promoted to
// active. The identity ends Trusted with LastVerifiedAt stamped.
func (k *Keyring) MarkVerified(ctx context.Context, aeID string, provenKey ed25519.PublicKey) (AgentIdentity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing := k.identities[aeID]
	if existing == nil {
		return AgentIdentity{}, unknownAgent(aeID)
	}
	if existing.TrustState != PendingVerification && existing.TrustState != Trusted {
		return AgentIdentity{}, errkind.New(errkind.InvalidTransition,
			"%q: cannot verify from %s", aeID, existing.TrustState)
	}

	updated := existing.Clone()
	promoted := false
	switch {
	case existing.StagedKey != nil && bytes.Equal(provenKey, existing.StagedKey):
		updated.PublicKey = updated.StagedKey
		updated.StagedKey = nil
		promoted = true
	case bytes.Equal(provenKey, existing.PublicKey):
	default:
		return AgentIdentity{}, errkind.New(errkind.InvalidTransition,
			"%q: key %s is no longer held by this identity", aeID, Fingerprint(provenKey))
	}
	updated.TrustState = Trusted
	updated.LastVerifiedAt = k.clock.Now().UTC()

	if err := k.commit(ctx, existing, updated); err != nil {
		return AgentIdentity{}, err
	}

	if promoted {
		k.logger.Info("staged key promoted",
			"ae_id", aeID, "previous_fingerprint", Fingerprint(existing.PublicKey),
			"fingerprint", Fingerprint(updated.PublicKey))
	}
	return updated.Clone(), nil
}

// MarkRejected records a failed or abandoned proof against
// attemptedKey: a PendingVerification identity returns to Unknown,
// and attemptedKey is discarded if it was the staged key. A Trusted
// identity stays Trusted.
func (k *Keyring) MarkRejected(ctx context.Context, aeID string, attemptedKey ed25519.PublicKey) (AgentIdentity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing := k.identities[aeID]
	if existing == nil {
		return AgentIdentity{}, unknownAgent(aeID)
	}

	updated := existing.Clone()
	if existing.StagedKey != nil && bytes.Equal(attemptedKey, existing.StagedKey) {
		updated.StagedKey = nil
	}
	if existing.TrustState == PendingVerification {
		updated.TrustState = Unknown
	}
	if updated.TrustState == existing.TrustState && (updated.StagedKey == nil) == (existing.StagedKey == nil) {
		return updated, nil
	}
	if err := k.commit(ctx, existing, updated); err != nil {
		return AgentIdentity{}, err
	}
	return updated.Clone(), nil
}

// SetExpiry sets when aeID's registration lapses. The zero time
// removes the limit. A revoked identity cannot be given a new expiry.
func (k *Keyring) SetExpiry(ctx context.Context, aeID string, expiresAt time.Time) (AgentIdentity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing := k.identities[aeID]
	if existing == nil {
		return AgentIdentity{}, unknownAgent(aeID)
	}
	if existing.TrustState == Revoked {
		return AgentIdentity{}, errkind.New(errkind.InvalidTransition, "%q is revoked", aeID)
	}
	if !expiresAt.IsZero() {
		expiresAt = expiresAt.UTC()
	}
	if existing.ExpiresAt.Equal(expiresAt) {
		return existing.Clone(), nil
	}
	updated := existing.Clone()
	updated.ExpiresAt = expiresAt
	if err := k.commit(ctx, existing, updated); err != nil {
		return AgentIdentity{}, err
	}
	k.logger.Info("registration expiry set", "ae_id", aeID, "expires_at", expiresAt)
	return updated.Clone(), nil
}

// DiscardStagedKey drops a pending key change.
func (k *Keyring) DiscardStagedKey(ctx context.Context, aeID string) (AgentIdentity, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing := k.identities[aeID]
	if existing == nil {
		return AgentIdentity{}, unknownAgent(aeID)
	}
	if existing.StagedKey == nil {
		return existing.Clone(), nil
	}
	updated := existing.Clone()
	updated.StagedKey = nil
	if err := k.commit(ctx, existing, updated); err != nil {
		return AgentIdentity{}, err
	}
	return updated.Clone(), nil
}

// Revoke forces aeID to Revoked and drops any staged key. Revoking a
// revoked identity succeeds with changed false.
func (k *Keyring) Revoke(ctx context.Context, aeID string) (identity AgentIdentity, changed bool, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	existing := k.identities[aeID]
	if existing == nil {
		return AgentIdentity{}, false, unknownAgent(aeID)
	}
	if existing.TrustState == Revoked {
		return existing.Clone(), false, nil
	}

	updated := existing.Clone()
	updated.TrustState = Revoked
	updated.StagedKey = nil
	if err := k.commit(ctx, existing, updated); err != nil {
		return AgentIdentity{}, false, err
	}
	k.logger.Warn("identity revoked",
		"ae_id", aeID, "fingerprint", Fingerprint(updated.PublicKey), "previous_state", existing.TrustState)
	return updated.Clone(), true, nil
}

// List returns the identities as of the call, ordered by ae_id.
// Ranging over the result more than once yields the same snapshot.
func (k *Keyring) List(ctx context.Context) iter.Seq[AgentIdentity] {
	k.mu.Lock()
	snapshot := make([]AgentIdentity, 0, len(k.identities))
	for _, identity := range k.identities {
		snapshot = append(snapshot, identity.Clone())
	}
	k.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].AEID < snapshot[j].AEID
	})

	return func(yield func(AgentIdentity) bool) {
		for _, identity := range snapshot {
			if !yield(identity.Clone()) {
				return
			}
		}
	}
}

// Len returns the number of identities.
func (k *Keyring) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.identities)
}

// Close closes the store.
func (k *Keyring) Close() error {
	return k.store.Close()
}

// commit saves updated and, only if that succeeds, swaps it into the
// in-memory view and re-points key ownership. previous is nil for a new
// identity. The caller holds k.mu.
func (k *Keyring) commit(ctx context.Context, previous *AgentIdentity, updated AgentIdentity) error {
	writeContext, cancel := context.WithTimeout(ctx, k.writeTimeout)
	defer cancel()

	if err := k.store.Save(writeContext, updated); err != nil {
		return fmt.Errorf("keyring: saving %q: %w", updated.AEID, err)
	}

	if previous != nil {
		for _, key := range heldKeys(*previous) {
			delete(k.owners, string(key))
		}
	}
	for _, key := range heldKeys(updated) {
		k.owners[string(key)] = updated.AEID
	}
	stored := updated.Clone()
	k.identities[updated.AEID] = &stored
	return nil
}

func heldKeys(identity AgentIdentity) []ed25519.PublicKey {
	keys := []ed25519.PublicKey{identity.PublicKey}
	if identity.StagedKey != nil {
		keys = append(keys, identity.StagedKey)
	}
	return keys
}

func normalizeRoles(roles []string) []string {
	if len(roles) == 0 {
		return nil
	}
	normalized := slices.Clone(roles)
	slices.Sort(normalized)
	return slices.Compact(normalized)
}

func unknownAgent(aeID string) error {
	return errkind.New(errkind.UnknownAgent, "no identity for %q", aeID)
}
