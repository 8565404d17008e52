// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides whether an agent may publish or subscribe to
// a subject.
//
// Two inputs feed every decision. The static catalog maps each subject
// to the principals allowed to publish and subscribe to it; principals
// are ae_ids or "role:<name>" references resolved against agent roles.
// Dynamic capabilities are what each agent declares it intends to
// publish and subscribe. [Resolve] merges them into one resolved grant
// set per agent. It is a pure function: identical inputs always yield
// an identical [Resolution], and the order of principals or declared
// subjects never matters.
//
// The merge [Mode] decides how much a declaration can add:
//
//   - Strict (default): static grants are the ceiling. Declarations can
//     never widen them; anything declared beyond the static grants is
//     reported in [Resolution.Rejected] and ignored.
//   - Additive: declarations are unioned into the static grants, but a
//     subject absent from the catalog is only granted when
//     AllowUnknown is set.
//
// [Engine] holds the current inputs behind a RWMutex and re-resolves
// on every write, so reads ([Engine.Authorize], [Engine.Grants]) never
// see a stale resolution. Writes are rare (registration, declarations,
// catalog reloads) and reads happen on every emit and subscribe.
//
// Authorization denies by default. An agent with no static grants and
// no declarations resolves to an empty grant set and is refused for
// every subject.
//
// Static catalogs and capability declarations are authored as JSONC;
// see [ParseStatic], [LoadStaticFile], and [ParseCapabilities].
package policy
