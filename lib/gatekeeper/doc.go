// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gatekeeper composes the keyring, admission, policy engine,
// audit log, and session issuer into the single entry point transport
// adapters call.
//
// Every decision that grants something (admission, publish, subscribe,
// a capability declaration) is recorded in the audit log before it
// takes effect. By default an audit failure fails the operation with
// AuditSinkUnavailable. With FailOpen the failure is logged at error
// level and the decision stands; the configuration layer refuses
// FailOpen in production.
//
// Denials and revocations always take effect. Their audit failures are
// joined onto the returned error.
//
// An agent whose registration has expired is treated like one that is
// not trusted: it cannot act and its sessions stop authenticating.
// Run prunes the session blacklist alongside the challenge sweep.
package gatekeeper
