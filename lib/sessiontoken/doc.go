// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessiontoken mints and verifies the session credentials an
// agent receives after admission succeeds.
//
// The admission protocol only establishes that an agent proved
// possession of its key; it hands the ae_id and key fingerprint to a
// session issuer and returns whatever bytes the issuer produces. This
// package is the default issuer.
//
// # Wire format
//
// A token is raw bytes: the CBOR Core Deterministic encoding of a
// [Token] followed by a 64-byte Ed25519 signature over those bytes.
//
//	[CBOR payload bytes] [64-byte Ed25519 signature]
//
// The split point is always len(token) - 64.
//
// # Revocation
//
// Revoking an agent blacklists every token the [Issuer] has minted for
// it that has not yet expired. [Issuer.RevokeAgent] also returns a
// signed [RevocationRequest] so other verifiers holding the issuer's
// public key can apply the same revocation to their own [Blacklist].
// Blacklist entries clean themselves up once the token would have
// expired anyway.
package sessiontoken
