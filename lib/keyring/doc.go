// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyring is the authoritative registry of agent identities:
// which public key belongs to which ae_id, and how far each agent has
// progressed through admission.
//
// Every identity carries a [TrustState]. Changes are checked against a
// fixed transition table ([CanTransition]):
//
//	Unknown             -> PendingVerification | Revoked
//	PendingVerification -> Trusted | Unknown | PendingVerification | Revoked
//	Trusted             -> Revoked
//	Revoked             -> (none)
//
// A Trusted agent re-proving possession stays Trusted; that path goes
// through [Keyring.MarkVerified], not SetTrustState. A Revoked record
// can only be reset by re-registering it with a key it has never used.
//
// Key changes are never silent. Presenting a new key for an existing
// identity stages it ([AgentIdentity.StagedKey]); the active key and
// the trust state are unchanged until the agent completes admission
// against the staged key, at which point MarkVerified promotes it.
// A key belongs to at most one ae_id, counting staged keys.
//
// A registration may be bounded with [Keyring.SetExpiry]. The keyring
// only stores the bound; admission and the gatekeeper enforce it
// through [AgentIdentity.Expired].
//
// The Keyring keeps every identity in memory and writes through to a
// [Store] before changing its in-memory view, so a failed write leaves
// both unchanged. Stores: [MemoryStore], [SQLiteStore] (via
// lib/sqlitepool), and [BadgerStore].
//
// [ParsePublicKey] accepts raw, base64, hex, and OpenSSH encodings of
// an Ed25519 key. [Fingerprint] gives the short BLAKE3 form used in
// logs, audit payloads, and CLI output.
package keyring
