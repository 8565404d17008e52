// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyring

var transitions = map[TrustState][]TrustState{
	Unknown:             {PendingVerification, Revoked},
	PendingVerification: {Trusted, Unknown, PendingVerification, Revoked},
	Trusted:             {Revoked},
	Revoked:             nil,
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to TrustState) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
