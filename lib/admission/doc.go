// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission runs the challenge/response handshake that moves an
// agent from Unknown to Trusted.
//
// [Service.IssueChallenge] draws a 32-byte nonce, binds it to the key
// the agent must prove (its staged key when a change is pending, its
// active key otherwise), and moves an Unknown or pending identity to
// PendingVerification. [Service.VerifyResponse] removes the challenge
// before looking at the signature, so a nonce is consumed exactly once
// whether the response is good, bad, or late. On success the admission
// is audited first and only then committed to the keyring; a session
// credential is then minted by the configured [SessionIssuer].
//
// Operations on one ae_id are serialized by a reference-counted lock
// table. Different agents proceed in parallel.
//
// Stale challenges are removed by [Service.Sweep], which [Service.Run]
// calls on a clock ticker.
package admission
