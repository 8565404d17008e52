// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package errkind classifies the failures of the ABI trust core.
//
// Every admission, keyring, policy, and audit failure carries exactly
// one [Kind] and a human-readable reason. Kinds are comparable error
// values, so callers branch with the standard library:
//
//	if errors.Is(err, errkind.SignatureInvalid) {
//	    // agent may request a new challenge
//	}
//
// [Of] extracts the kind from an arbitrary (possibly wrapped) error for
// logging and for mapping onto transport status codes. Errors without a
// kind report [Internal].
//
// Kinds split into two classes. Admission and policy kinds are local and
// recoverable: the agent can re-register, request a new challenge, or
// narrow its request. [AuditSinkUnavailable] is fatal to the operation
// that triggered it: an outcome that cannot be durably recorded must
// not take effect.
package errkind
