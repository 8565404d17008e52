// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used by the ABI.
//
// Signatures in the trust core are computed over encoded bytes: audit
// envelopes sign the CBOR of their sequenced fields, and session tokens
// sign their CBOR payload. Verification only works if every encoder
// produces the same bytes for the same logical value, so the encoder
// uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys,
// smallest integer encoding, no indefinite-length items.
//
// CBOR is also the on-disk format for the audit file sink and for
// Badger keyring records. JSON is reserved for CLI output; JSONC for
// human-authored policy documents.
//
// Types that are only ever CBOR use `cbor` struct tags. Types that are
// also printed as JSON use `json` tags, which fxamacker/cbor reads as a
// fallback. Never put both tags on one field.
package codec
