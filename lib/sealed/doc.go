// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed keeps the gatekeeper's Ed25519 signing key encrypted
// at rest with age.
//
// The signing key authenticates every audit envelope and session
// token, so it never touches disk in the clear. An operator generates
// an age x25519 identity ([GenerateKeypair]), seals the signing key to
// that identity plus any escrow recipients ([SealSigningKey]), and the
// gatekeeper unseals it at startup ([OpenSigningKey]) into a
// [secret.Buffer].
//
// Sealed files use age's ASCII armor so they can be inspected and
// copied as text. Only the 32-byte Ed25519 seed is stored; the full
// private key is derived on open.
package sealed
