// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material outside the Go heap.
//
// The ABI keeps two secrets in process memory: the Ed25519 key that
// signs audit envelopes and session tokens, and the age identity that
// unseals it at startup. Both live in a [Buffer]: an anonymous mmap
// region that is mlocked (never swapped), excluded from core dumps
// with MADV_DONTDUMP, and zeroed on Close. The garbage collector never
// sees the region, so it cannot leave stray copies behind.
//
// [ReadFromPath] loads a secret from a file or stdin straight into a
// Buffer. [Zero] scrubs transient heap copies.
package secret
