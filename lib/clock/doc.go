// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the ABI
// trust core.
//
// Challenge windows, identity timestamps, audit envelope timestamps,
// and session token lifetimes all read time through a [Clock]. In
// production, [Real] delegates to the time package. In tests, [Fake]
// returns a clock that only moves when Advance is called, which makes
// challenge expiry and sweeper behavior deterministic:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	service := admission.New(admission.Config{Clock: fake, ...})
//	nonce, _ := service.IssueChallenge(ctx, "A1")
//	fake.Advance(admission.DefaultChallengeTTL + time.Second)
//	_, err := service.VerifyResponse(ctx, "A1", signature) // ChallengeExpired
//
// Background loops (the challenge sweeper) register tickers. Use
// WaitForTimers before Advance so the goroutine has registered its
// ticker before time moves.
package clock
