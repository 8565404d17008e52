// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/abi/lib/audit"
	"github.com/bureau-foundation/abi/lib/clock"
	"github.com/bureau-foundation/abi/lib/errkind"
	"github.com/bureau-foundation/abi/lib/keyring"
	"github.com/bureau-foundation/abi/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	service  *Service
	keyring  *keyring.Keyring
	sink     *audit.MemorySink
	log      *audit.Log
	clock    *clock.FakeClock
	sessions *countingIssuer
}

// countingIssuer mints "session:<ae_id>" and counts calls.
type countingIssuer struct {
	minted atomic.Int32
}

func (c *countingIssuer) Mint(ctx context.Context, aeID, fingerprint string) ([]byte, error) {
	c.minted.Add(1)
	return []byte("session:" + aeID), nil
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	fake := clock.Fake(epoch)

	ring, err := keyring.Open(ctx, keyring.Config{Clock: fake})
	if err != nil {
		t.Fatal(err)
	}
	_, auditKey := testutil.SigningKey(t)
	sink := audit.NewMemorySink()
	log, err := audit.Open(ctx, audit.Config{SigningKey: auditKey, Sink: sink, Clock: fake})
	if err != nil {
		t.Fatal(err)
	}
	sessions := &countingIssuer{}
	service, err := New(Config{
		Keyring:  ring,
		Audit:    log,
		Sessions: sessions,
		Clock:    fake,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{service: service, keyring: ring, sink: sink, log: log, clock: fake, sessions: sessions}
}

// register adds aeID with a fresh key and returns its private key.
func (h *harness) register(t *testing.T, aeID string) ed25519.PrivateKey {
	t.Helper()
	public, private := testutil.SigningKey(t)
	if _, _, err := h.keyring.AddOrUpdateKey(context.Background(), aeID, public); err != nil {
		t.Fatalf("registering %s: %v", aeID, err)
	}
	return private
}

func (h *harness) state(t *testing.T, aeID string) keyring.TrustState {
	t.Helper()
	identity, err := h.keyring.Get(context.Background(), aeID)
	if err != nil {
		t.Fatal(err)
	}
	return identity.TrustState
}

func (h *harness) kinds() []audit.EventKind {
	var kinds []audit.EventKind
	for _, envelope := range h.sink.Envelopes() {
		kinds = append(kinds, envelope.EventKind)
	}
	return kinds
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatalf("IssueChallenge: %v", err)
	}
	if len(nonce) != NonceSize {
		t.Fatalf("nonce is %d bytes, want %d", len(nonce), NonceSize)
	}
	if got := h.state(t, "A1"); got != keyring.PendingVerification {
		t.Fatalf("state after issue = %s, want pending_verification", got)
	}

	outcome, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, nonce))
	if err != nil {
		t.Fatalf("VerifyResponse: %v", err)
	}
	if outcome.AEID != "A1" || string(outcome.Session) != "session:A1" {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.Fingerprint != keyring.Fingerprint(private.Public().(ed25519.PublicKey)) {
		t.Errorf("fingerprint = %s", outcome.Fingerprint)
	}
	if got := h.state(t, "A1"); got != keyring.Trusted {
		t.Errorf("state after verify = %s, want trusted", got)
	}
	if !outcome.Identity.LastVerifiedAt.Equal(epoch) {
		t.Errorf("LastVerifiedAt = %v, want %v", outcome.Identity.LastVerifiedAt, epoch)
	}

	want := []audit.EventKind{audit.ChallengeIssued, audit.AdmissionSucceeded}
	if got := h.kinds(); !slices.Equal(got, want) {
		t.Errorf("audit events = %v, want %v", got, want)
	}
	if err := audit.VerifyChain(h.log.PublicKey(), h.sink.Envelopes()); err != nil {
		t.Errorf("VerifyChain: %v", err)
	}
}

func TestNonceIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	signature := ed25519.Sign(private, nonce)
	if _, err := h.service.VerifyResponse(ctx, "A1", signature); err != nil {
		t.Fatal(err)
	}

	_, err = h.service.VerifyResponse(ctx, "A1", signature)
	if !errors.Is(err, errkind.NoActiveChallenge) {
		t.Errorf("replayed response: err = %v, want NoActiveChallenge", err)
	}
	if got := h.sessions.minted.Load(); got != 1 {
		t.Errorf("minted %d sessions, want 1", got)
	}
}

func TestConcurrentResponsesAdmitOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	signature := ed25519.Sign(private, nonce)

	var successes atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.service.VerifyResponse(ctx, "A1", signature)
			switch {
			case err == nil:
				successes.Add(1)
			case !errors.Is(err, errkind.NoActiveChallenge):
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := successes.Load(); got != 1 {
		t.Errorf("%d responses succeeded, want exactly 1", got)
	}
}

func TestBadSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "A1")
	_, impostor := testutil.SigningKey(t)

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.service.VerifyResponse(ctx, "A1", ed25519.Sign(impostor, nonce))
	if !errors.Is(err, errkind.SignatureInvalid) {
		t.Fatalf("err = %v, want SignatureInvalid", err)
	}
	if got := h.state(t, "A1"); got != keyring.Unknown {
		t.Errorf("state = %s, want unknown", got)
	}

	// The challenge is gone: retrying with the same nonce is refused.
	if _, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(impostor, nonce)); !errors.Is(err, errkind.NoActiveChallenge) {
		t.Errorf("retry: err = %v, want NoActiveChallenge", err)
	}

	envelopes := h.sink.Envelopes()
	last := envelopes[len(envelopes)-1]
	if last.EventKind != audit.AdmissionFailed || last.Payload["reason"] != "signature_invalid" {
		t.Errorf("last audit event = %s %v", last.EventKind, last.Payload)
	}
}

func TestMalformedSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "A1")
	if _, err := h.service.IssueChallenge(ctx, "A1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.service.VerifyResponse(ctx, "A1", []byte("short")); !errors.Is(err, errkind.SignatureInvalid) {
		t.Errorf("err = %v, want SignatureInvalid", err)
	}
}

func TestExpiredChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(DefaultChallengeTTL)

	_, err = h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, nonce))
	if !errors.Is(err, errkind.ChallengeExpired) {
		t.Fatalf("err = %v, want ChallengeExpired", err)
	}
	if got := h.state(t, "A1"); got != keyring.Unknown {
		t.Errorf("state = %s, want unknown", got)
	}
	want := []audit.EventKind{audit.ChallengeIssued, audit.ChallengeExpired}
	if got := h.kinds(); !slices.Equal(got, want) {
		t.Errorf("audit events = %v, want %v", got, want)
	}

	// Consumed: a second late response sees no challenge at all.
	if _, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, nonce)); !errors.Is(err, errkind.NoActiveChallenge) {
		t.Errorf("second response: err = %v, want NoActiveChallenge", err)
	}
}

func TestReissueReplacesChallenge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	first, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, first)); !errors.Is(err, errkind.NoActiveChallenge) {
		t.Fatalf("response to replaced nonce: err = %v, want NoActiveChallenge", err)
	}
	if !h.service.Pending("A1") {
		t.Fatal("stale response consumed the live challenge")
	}
	if got := h.state(t, "A1"); got != keyring.PendingVerification {
		t.Errorf("state after stale response = %s, want PendingVerification", got)
	}

	// A forgery is still a forgery, and it consumes the live challenge.
	_, other := testutil.SigningKey(t)
	if _, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(other, second)); !errors.Is(err, errkind.SignatureInvalid) {
		t.Fatalf("forged response: err = %v, want SignatureInvalid", err)
	}
	if h.service.Pending("A1") {
		t.Fatal("forged response left the challenge live")
	}

	third, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, third)); err != nil {
		t.Errorf("fresh challenge: %v", err)
	}
}

func TestUnknownAndRevokedAgents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.service.IssueChallenge(ctx, "ghost"); !errors.Is(err, errkind.UnknownAgent) {
		t.Errorf("unregistered: err = %v, want UnknownAgent", err)
	}
	if _, err := h.service.VerifyResponse(ctx, "ghost", make([]byte, ed25519.SignatureSize)); !errors.Is(err, errkind.NoActiveChallenge) {
		t.Errorf("unregistered response: err = %v, want NoActiveChallenge", err)
	}

	h.register(t, "A1")
	if _, _, err := h.keyring.Revoke(ctx, "A1"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.service.IssueChallenge(ctx, "A1"); !errors.Is(err, errkind.InvalidTransition) {
		t.Errorf("revoked: err = %v, want InvalidTransition", err)
	}
}

func TestValidResponseAfterRevocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.keyring.Revoke(ctx, "A1"); err != nil {
		t.Fatal(err)
	}

	_, err = h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, nonce))
	if !errors.Is(err, errkind.InvalidTransition) {
		t.Fatalf("err = %v, want InvalidTransition", err)
	}
	if got := h.state(t, "A1"); got != keyring.Revoked {
		t.Errorf("state = %s, want revoked", got)
	}
	if h.sessions.minted.Load() != 0 {
		t.Error("a session was minted for a revoked agent")
	}

	want := []audit.EventKind{audit.ChallengeIssued, audit.AdmissionFailed}
	if got := h.kinds(); !slices.Equal(got, want) {
		t.Fatalf("audit events = %v, want %v", got, want)
	}
	envelopes := h.sink.Envelopes()
	if reason := envelopes[1].Payload["reason"]; reason != "invalid_transition" {
		t.Errorf("reason = %q, want invalid_transition", reason)
	}
}

func TestValidResponseWithReplacedStagedKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "A1")

	stagedKey, stagedPrivate := testutil.SigningKey(t)
	if _, _, err := h.keyring.AddOrUpdateKey(ctx, "A1", stagedKey); err != nil {
		t.Fatal(err)
	}
	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}

	// A second key change while the first is being proven.
	replacement, _ := testutil.SigningKey(t)
	if _, _, err := h.keyring.AddOrUpdateKey(ctx, "A1", replacement); err != nil {
		t.Fatal(err)
	}

	_, err = h.service.VerifyResponse(ctx, "A1", ed25519.Sign(stagedPrivate, nonce))
	if !errors.Is(err, errkind.InvalidTransition) {
		t.Fatalf("err = %v, want InvalidTransition", err)
	}
	if slices.Contains(h.kinds(), audit.AdmissionSucceeded) {
		t.Error("admission_succeeded recorded for a key the identity no longer holds")
	}
	if got := h.state(t, "A1"); got != keyring.Unknown {
		t.Errorf("state = %s, want unknown", got)
	}
}

func TestExpiredRegistration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	if _, err := h.keyring.SetExpiry(ctx, "A1", epoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatalf("IssueChallenge before expiry: %v", err)
	}

	// The challenge outlives the registration.
	h.clock.Advance(2 * time.Minute)
	_, err = h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, nonce))
	if !errors.Is(err, errkind.InvalidTransition) {
		t.Fatalf("VerifyResponse after expiry: err = %v, want InvalidTransition", err)
	}
	if slices.Contains(h.kinds(), audit.AdmissionSucceeded) {
		t.Error("admission_succeeded recorded for a lapsed registration")
	}
	if got := h.state(t, "A1"); got != keyring.Unknown {
		t.Errorf("state = %s, want unknown", got)
	}

	if _, err := h.service.IssueChallenge(ctx, "A1"); !errors.Is(err, errkind.InvalidTransition) {
		t.Errorf("IssueChallenge after expiry: err = %v, want InvalidTransition", err)
	}
}

func TestNoncesAreDistinct(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const agents = 32
	ids := make([]string, agents)
	for i := range ids {
		ids[i] = testutil.UniqueID("agent")
		h.register(t, ids[i])
	}

	nonces := make([][]byte, agents)
	var wg sync.WaitGroup
	for i, aeID := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := h.service.IssueChallenge(ctx, aeID)
			if err != nil {
				t.Errorf("IssueChallenge(%s): %v", aeID, err)
				return
			}
			nonces[i] = nonce
		}()
	}
	wg.Wait()

	seen := make(map[string]string, agents)
	for i, nonce := range nonces {
		if len(nonce) != NonceSize {
			t.Errorf("%s: nonce is %d bytes, want %d", ids[i], len(nonce), NonceSize)
		}
		if owner, dup := seen[string(nonce)]; dup {
			t.Errorf("%s and %s share a nonce", owner, ids[i])
		}
		seen[string(nonce)] = ids[i]
	}

	reissued, err := h.service.IssueChallenge(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if _, dup := seen[string(reissued)]; dup {
		t.Error("re-issued challenge repeated a live nonce")
	}
}

func TestCancelDuringStaleResponses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	stale, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.service.IssueChallenge(ctx, "A1"); err != nil {
		t.Fatal(err)
	}

	// Each stale response briefly takes the live challenge out of the
	// table and puts it back. Cancel must never land in that gap.
	signature := ed25519.Sign(private, stale)
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		for range 200 {
			_, err := h.service.VerifyResponse(ctx, "A1", signature)
			if !errors.Is(err, errkind.NoActiveChallenge) {
				t.Errorf("stale response: err = %v, want NoActiveChallenge", err)
				return
			}
		}
	}()

	<-started
	if !h.service.Cancel("A1") {
		t.Error("Cancel missed the live challenge")
	}
	testutil.RequireClosed(t, done, 5*time.Second, "stale responses")
	if h.service.Pending("A1") {
		t.Error("challenge live again after Cancel")
	}
}

func TestStagedKeyRotation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	oldPrivate := h.register(t, "A1")

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(oldPrivate, nonce)); err != nil {
		t.Fatal(err)
	}

	newPublic, newPrivate := testutil.SigningKey(t)
	if _, change, err := h.keyring.AddOrUpdateKey(ctx, "A1", newPublic); err != nil || change != keyring.Staged {
		t.Fatalf("staging new key: change=%s err=%v", change, err)
	}

	// The old key cannot answer a challenge bound to the staged key.
	nonce, err = h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if got := h.state(t, "A1"); got != keyring.Trusted {
		t.Errorf("trusted identity moved to %s during proof", got)
	}
	if _, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(oldPrivate, nonce)); !errors.Is(err, errkind.SignatureInvalid) {
		t.Fatalf("old key: err = %v, want SignatureInvalid", err)
	}
	identity, err := h.keyring.Get(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if identity.StagedKey != nil || identity.TrustState != keyring.Trusted {
		t.Errorf("after failed proof: staged=%v state=%s, want none and trusted", identity.StagedKey, identity.TrustState)
	}

	// Stage again and prove it.
	if _, _, err := h.keyring.AddOrUpdateKey(ctx, "A1", newPublic); err != nil {
		t.Fatal(err)
	}
	nonce, err = h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(newPrivate, nonce))
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Identity.PublicKey.Equal(newPublic) || outcome.Identity.StagedKey != nil {
		t.Errorf("staged key not promoted: %+v", outcome.Identity)
	}
	envelopes := h.sink.Envelopes()
	if got := envelopes[len(envelopes)-1].Payload["staged_key"]; got != "promoted" {
		t.Errorf("success payload staged_key = %q, want promoted", got)
	}
}

func TestAuditFailureBlocksAdmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	h.sink.FailWith(errors.New("audit disk gone"))

	_, err = h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, nonce))
	if !errors.Is(err, errkind.AuditSinkUnavailable) {
		t.Fatalf("err = %v, want AuditSinkUnavailable", err)
	}
	if got := h.state(t, "A1"); got == keyring.Trusted {
		t.Error("identity trusted without an audit record")
	}
	if got := h.sessions.minted.Load(); got != 0 {
		t.Errorf("minted %d sessions without an audit record", got)
	}

	if _, err := h.service.IssueChallenge(ctx, "A1"); !errors.Is(err, errkind.AuditSinkUnavailable) {
		t.Errorf("issue with audit down: err = %v, want AuditSinkUnavailable", err)
	}
	if h.service.Pending("A1") {
		t.Error("challenge stored although its audit record failed")
	}
}

func TestFailedProofWithAuditDown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "A1")
	_, impostor := testutil.SigningKey(t)

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	h.sink.FailWith(errors.New("audit disk gone"))

	_, err = h.service.VerifyResponse(ctx, "A1", ed25519.Sign(impostor, nonce))
	if !errors.Is(err, errkind.SignatureInvalid) || !errors.Is(err, errkind.AuditSinkUnavailable) {
		t.Errorf("err = %v, want both SignatureInvalid and AuditSinkUnavailable", err)
	}
	if got := errkind.Of(err); got != errkind.SignatureInvalid {
		t.Errorf("Of(err) = %s, want signature_invalid", got)
	}
	if got := h.state(t, "A1"); got != keyring.Unknown {
		t.Errorf("state = %s, want unknown", got)
	}
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.register(t, "A1")
	h.register(t, "B2")

	if _, err := h.service.IssueChallenge(ctx, "A1"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(DefaultChallengeTTL / 2)
	if _, err := h.service.IssueChallenge(ctx, "B2"); err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(DefaultChallengeTTL / 2)

	if removed := h.service.Sweep(ctx); removed != 1 {
		t.Errorf("Sweep removed %d, want 1", removed)
	}
	if h.service.Pending("A1") || !h.service.Pending("B2") {
		t.Errorf("pending A1=%v B2=%v, want false and true", h.service.Pending("A1"), h.service.Pending("B2"))
	}
	if got := h.state(t, "A1"); got != keyring.Unknown {
		t.Errorf("A1 state = %s, want unknown", got)
	}
	if got := h.state(t, "B2"); got != keyring.PendingVerification {
		t.Errorf("B2 state = %s, want pending_verification", got)
	}
	envelopes := h.sink.Envelopes()
	last := envelopes[len(envelopes)-1]
	if last.EventKind != audit.ChallengeExpired || last.Payload["reason"] != "swept" {
		t.Errorf("last audit event = %s %v", last.EventKind, last.Payload)
	}
}

func TestRunSweepsOnTicks(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.register(t, "A1")

	if _, err := h.service.IssueChallenge(ctx, "A1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		h.service.Run(ctx)
		close(done)
	}()
	h.clock.WaitForTimers(1)

	h.clock.Advance(DefaultChallengeTTL)
	deadline := time.Now().Add(5 * time.Second)
	for h.state(t, "A1") != keyring.Unknown {
		if time.Now().After(deadline) {
			t.Fatal("Run did not sweep the expired challenge")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	testutil.RequireClosed(t, done, 5*time.Second, "sweeper exit")
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	private := h.register(t, "A1")

	nonce, err := h.service.IssueChallenge(ctx, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if !h.service.Cancel("A1") {
		t.Error("Cancel reported no live challenge")
	}
	if h.service.Cancel("A1") {
		t.Error("second Cancel reported a live challenge")
	}
	if _, err := h.service.VerifyResponse(ctx, "A1", ed25519.Sign(private, nonce)); !errors.Is(err, errkind.NoActiveChallenge) {
		t.Errorf("err = %v, want NoActiveChallenge", err)
	}
}

func TestLockTableReleasesEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, aeID := range []string{"A1", "B2", "C3"} {
		h.register(t, aeID)
		if _, err := h.service.IssueChallenge(ctx, aeID); err != nil {
			t.Fatal(err)
		}
	}
	if size := h.service.locks.size(); size != 0 {
		t.Errorf("lock table holds %d entries after all calls returned", size)
	}
}

func TestDecodeSignature(t *testing.T) {
	_, private := testutil.SigningKey(t)
	signature := ed25519.Sign(private, []byte("nonce"))

	for name, encoded := range map[string]string{
		"padded":   base64.StdEncoding.EncodeToString(signature),
		"unpadded": base64.RawStdEncoding.EncodeToString(signature),
		"url":      base64.URLEncoding.EncodeToString(signature),
	} {
		decoded, err := DecodeSignature(encoded)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if string(decoded) != string(signature) {
			t.Errorf("%s: decoded signature differs", name)
		}
	}

	if _, err := DecodeSignature("!!!"); !errors.Is(err, errkind.SignatureInvalid) {
		t.Errorf("garbage: err = %v, want SignatureInvalid", err)
	}
	if _, err := DecodeSignature(base64.StdEncoding.EncodeToString([]byte("short"))); !errors.Is(err, errkind.SignatureInvalid) {
		t.Errorf("short: err = %v, want SignatureInvalid", err)
	}
}
