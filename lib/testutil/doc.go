// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for ABI packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] wrap the
// select-with-timeout pattern so tests that drive background loops
// (the admission sweeper, audit tailing) never hang. They are the only
// place tests wait on the wall clock; everything else runs on
// clock.Fake.
//
// [UniqueID] produces distinct agent identifiers and subjects for
// tests that share a keyring or audit log.
//
// [SigningKey] generates a throwaway Ed25519 keypair.
//
// All helpers fail the test with t.Fatalf instead of returning errors.
package testutil
