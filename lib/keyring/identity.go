// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

import (
	"crypto/ed25519"
	"fmt"
	"slices"
	"time"
)

// TrustState is an agent's position in the admission lifecycle.
type TrustState uint8

const (
	Unknown TrustState = iota
	PendingVerification
	Trusted
	Revoked
)

func (s TrustState) String() string {
	switch s {
	case Unknown:
		return "unknown"
	case PendingVerification:
		return "pending_verification"
	case Trusted:
		return "trusted"
	case Revoked:
		return "revoked"
	default:
		return fmt.Sprintf("trust_state(%d)", uint8(s))
	}
}

// MarshalText renders the state name for JSON output.
func (s TrustState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseTrustState is the inverse of String.
func ParseTrustState(name string) (TrustState, error) {
	for state := Unknown; state <= Revoked; state++ {
		if state.String() == name {
			return state, nil
		}
	}
	return Unknown, fmt.Errorf("keyring: unknown trust state %q", name)
}

// AgentIdentity is one registered agent.
type AgentIdentity struct {
	AEID       string
	PublicKey  ed25519.PublicKey
	TrustState TrustState

	// Roles are names referenced by static policy rules as
	// "role:<name>".
	Roles []string

	// StagedKey is a key presented by an existing identity that has
	// not yet been proven. Nil when no change is pending.
	StagedKey ed25519.PublicKey

	CreatedAt      time.Time
	LastVerifiedAt time.Time

	// ExpiresAt ends the registration. After it the identity can
	// neither be challenged nor act. Zero never expires.
	ExpiresAt time.Time
}

// Expired reports whether the registration has lapsed at now.
func (a AgentIdentity) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}

// VerificationKey is the key the next admission response must be
// signed with: the staged key when one is pending, the active key
// otherwise.
func (a AgentIdentity) VerificationKey() ed25519.PublicKey {
	if a.StagedKey != nil {
		return a.StagedKey
	}
	return a.PublicKey
}

// Clone returns a deep copy. Identities handed out by the Keyring are
// always clones.
func (a AgentIdentity) Clone() AgentIdentity {
	a.PublicKey = slices.Clone(a.PublicKey)
	a.StagedKey = slices.Clone(a.StagedKey)
	a.Roles = slices.Clone(a.Roles)
	return a
}
