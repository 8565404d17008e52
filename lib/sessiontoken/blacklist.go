// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sessiontoken

import (
	"sync"
	"time"
)

// blacklistEntry tracks a revoked token ID and its natural expiry, after
// which Verify rejects the token anyway and the entry can go.
type blacklistEntry struct {
	tokenExpiresAt time.Time
}

// Blacklist is a thread-safe set of revoked token IDs.
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]blacklistEntry
}

// NewBlacklist creates an empty token blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries: make(map[string]blacklistEntry),
	}
}

// Revoke adds a token ID. The entry is dropped by Cleanup once
// tokenExpiresAt passes.
func (b *Blacklist) Revoke(tokenID string, tokenExpiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[tokenID] = blacklistEntry{tokenExpiresAt: tokenExpiresAt}
}

// IsRevoked checks whether a token ID has been revoked.
func (b *Blacklist) IsRevoked(tokenID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.entries[tokenID]
	return exists
}

// Cleanup removes entries whose token has expired at now and returns
// how many were removed.
func (b *Blacklist) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for tokenID, entry := range b.entries {
		if !now.Before(entry.tokenExpiresAt) {
			delete(b.entries, tokenID)
			removed++
		}
	}
	return removed
}

// Len returns the current number of entries.
func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
