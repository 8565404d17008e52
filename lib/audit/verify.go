// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"crypto/ed25519"
	"fmt"
)

// Problem classifies a chain verification failure.
type Problem int

const (
	// BadSignature: the envelope's signature does not verify, or the
	// envelope was signed by a different key.
	BadSignature Problem = iota + 1

	// SequenceGap: the sequence number is not one more than its
	// predecessor's, or a log that claims to start at the beginning
	// does not start at 1.
	SequenceGap

	// BrokenLink: PrevHash does not match the predecessor's hash.
	BrokenLink
)

func (p Problem) String() string {
	switch p {
	case BadSignature:
		return "bad_signature"
	case SequenceGap:
		return "sequence_gap"
	case BrokenLink:
		return "broken_link"
	default:
		return fmt.Sprintf("problem(%d)", int(p))
	}
}

// ChainError reports the first envelope that failed verification.
type ChainError struct {
	Sequence uint64
	Problem  Problem
	Detail   string
}

func (e *ChainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("audit: envelope %d: %s: %s", e.Sequence, e.Problem, e.Detail)
	}
	return fmt.Sprintf("audit: envelope %d: %s", e.Sequence, e.Problem)
}

// Verifier checks envelopes one at a time, so a log can be verified
// while it streams from a file or archive.
type Verifier struct {
	publicKey ed25519.PublicKey
	started   bool
	last      uint64
	lastHash  Hash
	count     int
}

// NewVerifier returns a verifier for envelopes signed by publicKey.
func NewVerifier(publicKey ed25519.PublicKey) *Verifier {
	return &Verifier{publicKey: publicKey}
}

// Next checks one envelope against the signature and its predecessor.
// The first envelope seen may start anywhere (an exported segment), but
// an envelope numbered 1 must carry the zero PrevHash.
func (v *Verifier) Next(envelope Envelope) error {
	if !envelope.Verify(v.publicKey) {
		return &ChainError{Sequence: envelope.Sequence, Problem: BadSignature}
	}

	if !v.started {
		if envelope.Sequence == 0 {
			return &ChainError{Sequence: 0, Problem: SequenceGap, Detail: "sequence numbers start at 1"}
		}
		if envelope.Sequence == 1 && !envelope.PrevHash.IsZero() {
			return &ChainError{Sequence: 1, Problem: BrokenLink, Detail: "first envelope has a non-zero previous hash"}
		}
	} else {
		if envelope.Sequence != v.last+1 {
			return &ChainError{
				Sequence: envelope.Sequence,
				Problem:  SequenceGap,
				Detail:   fmt.Sprintf("follows %d", v.last),
			}
		}
		if envelope.PrevHash != v.lastHash {
			return &ChainError{
				Sequence: envelope.Sequence,
				Problem:  BrokenLink,
				Detail:   fmt.Sprintf("previous hash %s, envelope %d hashes to %s", envelope.PrevHash, v.last, v.lastHash),
			}
		}
	}

	hash, err := envelope.Hash()
	if err != nil {
		return err
	}
	v.started = true
	v.last = envelope.Sequence
	v.lastHash = hash
	v.count++
	return nil
}

// Count returns how many envelopes have verified so far.
func (v *Verifier) Count() int { return v.count }

// Last returns the sequence number of the last verified envelope, or 0.
func (v *Verifier) Last() uint64 { return v.last }

// VerifyChain checks a contiguous run of envelopes and returns the
// first failure as a *ChainError, or nil.
func VerifyChain(publicKey ed25519.PublicKey, envelopes []Envelope) error {
	verifier := NewVerifier(publicKey)
	for _, envelope := range envelopes {
		if err := verifier.Next(envelope); err != nil {
			return err
		}
	}
	return nil
}
