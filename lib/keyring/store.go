// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/abi/lib/codec"
)

// ErrNotFound is returned by Store.Load for an absent ae_id.
var ErrNotFound = errors.New("keyring: identity not found")

// Store persists identities. Save must be durable when it returns nil.
// Implementations must be safe for concurrent use.
type Store interface {
	Load(ctx context.Context, aeID string) (AgentIdentity, error)
	Save(ctx context.Context, identity AgentIdentity) error

	// List returns every identity, ordered by ae_id.
	List(ctx context.Context) ([]AgentIdentity, error)

	Close() error
}

// record is the CBOR form of an identity used by the Badger store and
// for the SQLite roles column. Integer keys keep it compact.
type record struct {
	AEID           string   `cbor:"1,keyasint"`
	PublicKey      []byte   `cbor:"2,keyasint"`
	TrustState     uint8    `cbor:"3,keyasint"`
	Roles          []string `cbor:"4,keyasint,omitempty"`
	StagedKey      []byte   `cbor:"5,keyasint,omitempty"`
	CreatedAt      int64    `cbor:"6,keyasint"`
	LastVerifiedAt int64    `cbor:"7,keyasint,omitempty"`
	ExpiresAt      int64    `cbor:"8,keyasint,omitempty"`
}

func encodeIdentity(identity AgentIdentity) ([]byte, error) {
	return codec.Marshal(record{
		AEID:           identity.AEID,
		PublicKey:      identity.PublicKey,
		TrustState:     uint8(identity.TrustState),
		Roles:          identity.Roles,
		StagedKey:      identity.StagedKey,
		CreatedAt:      unixNano(identity.CreatedAt),
		LastVerifiedAt: unixNano(identity.LastVerifiedAt),
		ExpiresAt:      unixNano(identity.ExpiresAt),
	})
}

func decodeIdentity(data []byte) (AgentIdentity, error) {
	var decoded record
	if err := codec.Unmarshal(data, &decoded); err != nil {
		return AgentIdentity{}, fmt.Errorf("keyring: decoding identity: %w", err)
	}
	if len(decoded.PublicKey) != ed25519.PublicKeySize {
		return AgentIdentity{}, fmt.Errorf("keyring: identity %q has %d-byte public key", decoded.AEID, len(decoded.PublicKey))
	}
	if decoded.StagedKey != nil && len(decoded.StagedKey) != ed25519.PublicKeySize {
		return AgentIdentity{}, fmt.Errorf("keyring: identity %q has %d-byte staged key", decoded.AEID, len(decoded.StagedKey))
	}
	if TrustState(decoded.TrustState) > Revoked {
		return AgentIdentity{}, fmt.Errorf("keyring: identity %q has invalid trust state %d", decoded.AEID, decoded.TrustState)
	}
	return AgentIdentity{
		AEID:           decoded.AEID,
		PublicKey:      decoded.PublicKey,
		TrustState:     TrustState(decoded.TrustState),
		Roles:          decoded.Roles,
		StagedKey:      decoded.StagedKey,
		CreatedAt:      fromUnixNano(decoded.CreatedAt),
		LastVerifiedAt: fromUnixNano(decoded.LastVerifiedAt),
		ExpiresAt:      fromUnixNano(decoded.ExpiresAt),
	}, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// MemoryStore keeps identities in a map. State is lost on exit; use it
// for tests and ephemeral gatekeepers.
type MemoryStore struct {
	mu         sync.Mutex
	identities map[string]AgentIdentity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]AgentIdentity)}
}

func (s *MemoryStore) Load(ctx context.Context, aeID string) (AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[aeID]
	if !ok {
		return AgentIdentity{}, ErrNotFound
	}
	return identity.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, identity AgentIdentity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.AEID] = identity.Clone()
	return nil
}

func (s *MemoryStore) List(ctx context.Context) ([]AgentIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identities := make([]AgentIdentity, 0, len(s.identities))
	for _, identity := range s.identities {
		identities = append(identities, identity.Clone())
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].AEID < identities[j].AEID
	})
	return identities, nil
}

func (s *MemoryStore) Close() error { return nil }
