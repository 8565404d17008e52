// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/bureau-foundation/abi/lib/testutil"
)

func recordN(t *testing.T, n int) ([]Envelope, *Log) {
	t.Helper()
	sink := NewMemorySink()
	log, _, fake := openTestLog(t, sink)
	for i := range n {
		if _, err := log.Record(context.Background(), AdmissionSucceeded, map[string]string{
			"ae_id": "A1",
			"index": string(rune('a' + i)),
		}); err != nil {
			t.Fatal(err)
		}
		fake.Advance(1)
	}
	return sink.Envelopes(), log
}

func requireChainError(t *testing.T, err error, sequence uint64, problem Problem) {
	t.Helper()
	var chainErr *ChainError
	if !errors.As(err, &chainErr) {
		t.Fatalf("err = %v, want *ChainError", err)
	}
	if chainErr.Sequence != sequence || chainErr.Problem != problem {
		t.Fatalf("ChainError = {%d %s}, want {%d %s}", chainErr.Sequence, chainErr.Problem, sequence, problem)
	}
}

func signWith(log *Log, message []byte) []byte {
	return ed25519.Sign(log.signingKey, message)
}

func TestVerifyChainDetectsTamperedPayload(t *testing.T) {
	envelopes, log := recordN(t, 10)

	envelopes[6].Payload = map[string]string{"ae_id": "A2", "index": "g"}
	requireChainError(t, VerifyChain(log.PublicKey(), envelopes), 7, BadSignature)
}

func TestVerifyChainDetectsGap(t *testing.T) {
	envelopes, log := recordN(t, 10)

	withGap := append(envelopes[:4:4], envelopes[5:]...)
	requireChainError(t, VerifyChain(log.PublicKey(), withGap), 6, SequenceGap)
}

func TestVerifyChainDetectsReorder(t *testing.T) {
	envelopes, log := recordN(t, 5)

	envelopes[2], envelopes[3] = envelopes[3], envelopes[2]
	requireChainError(t, VerifyChain(log.PublicKey(), envelopes), 4, SequenceGap)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	envelopes, log := recordN(t, 4)

	// Re-sign envelope 3 with a forged PrevHash: the signature holds,
	// the link does not.
	forged := envelopes[2]
	forged.PrevHash = Hash{1}
	message, err := forged.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	forged.Signature = signWith(log, message)
	envelopes[2] = forged

	requireChainError(t, VerifyChain(log.PublicKey(), envelopes), 3, BrokenLink)
}

func TestVerifyChainWrongKey(t *testing.T) {
	envelopes, _ := recordN(t, 2)
	otherKey, _ := testutil.SigningKey(t)
	requireChainError(t, VerifyChain(otherKey, envelopes), 1, BadSignature)
}

func TestVerifyChainSegment(t *testing.T) {
	envelopes, log := recordN(t, 8)

	if err := VerifyChain(log.PublicKey(), envelopes[3:6]); err != nil {
		t.Errorf("segment starting at 4: %v", err)
	}
	if err := VerifyChain(log.PublicKey(), nil); err != nil {
		t.Errorf("empty chain: %v", err)
	}

	verifier := NewVerifier(log.PublicKey())
	for _, envelope := range envelopes {
		if err := verifier.Next(envelope); err != nil {
			t.Fatal(err)
		}
	}
	if verifier.Count() != 8 || verifier.Last() != 8 {
		t.Errorf("verifier count=%d last=%d, want 8 and 8", verifier.Count(), verifier.Last())
	}
}

func TestChainErrorMessage(t *testing.T) {
	err := &ChainError{Sequence: 7, Problem: BrokenLink, Detail: "follows 5"}
	if got, want := err.Error(), "audit: envelope 7: broken_link: follows 5"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
