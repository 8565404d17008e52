// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies a class of trust-core failure. A Kind is itself an
// error so that errors.Is(err, kind) works against any *Error carrying
// that kind.
type Kind int

const (
	// Internal is reported by Of for errors that carry no kind
	// (storage corruption, encoding bugs). Never constructed directly.
	Internal Kind = iota

	// UnknownAgent means no identity exists for the ae_id.
	UnknownAgent

	// DuplicateKeyConflict means another ae_id already owns the
	// presented public key.
	DuplicateKeyConflict

	// InvalidTransition means the requested trust-state change is not
	// in the transition table.
	InvalidTransition

	// NoActiveChallenge means there is no live challenge for the agent.
	NoActiveChallenge

	// ChallengeExpired means the challenge existed but its window
	// closed before the response arrived.
	ChallengeExpired

	// SignatureInvalid means the response did not verify against the
	// agent's key.
	SignatureInvalid

	// UnknownSubject means the subject is absent from the agent's
	// resolved authorization map.
	UnknownSubject

	// NotAuthorized means the agent is known for the subject but the
	// operation is not granted, or the agent is not trusted.
	NotAuthorized

	// AuditSinkUnavailable means an audit envelope could not be
	// appended durably.
	AuditSinkUnavailable
)

// String returns the snake_case name used in logs and audit payloads.
func (k Kind) String() string {
	switch k {
	case Internal:
		return "internal"
	case UnknownAgent:
		return "unknown_agent"
	case DuplicateKeyConflict:
		return "duplicate_key_conflict"
	case InvalidTransition:
		return "invalid_transition"
	case NoActiveChallenge:
		return "no_active_challenge"
	case ChallengeExpired:
		return "challenge_expired"
	case SignatureInvalid:
		return "signature_invalid"
	case UnknownSubject:
		return "unknown_subject"
	case NotAuthorized:
		return "not_authorized"
	case AuditSinkUnavailable:
		return "audit_sink_unavailable"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error implements the error interface so a bare Kind can be used as an
// errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is a classified failure: a kind, a reason for humans, and an
// optional wrapped cause.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// New returns an *Error with the given kind and formatted reason.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error with the given kind and reason that wraps
// cause. The cause stays reachable through errors.Is and errors.As.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is this error's Kind.
func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind == e.Kind
}

// Of returns the kind of the first *Error in err's chain, or Internal
// if there is none. Of(nil) is Internal as well; callers check for nil
// first.
func Of(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Internal
}
