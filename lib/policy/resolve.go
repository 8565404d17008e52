// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"cmp"
	"slices"

	"github.com/bureau-foundation/abi/lib/errkind"
)

// Resolution is the output of Resolve.
type Resolution struct {
	Options Options

	// Resolved maps every ae_id that appears in the inputs (as a direct
	// principal, a declarer, or a role holder) to its grants.
	Resolved map[string]Grants

	// Rejected lists declared capabilities that were not granted,
	// ordered by ae_id, subject, operation.
	Rejected []Rejection
}

// Resolve merges static grants and dynamic declarations. It reads but
// never modifies input.
func Resolve(input PolicyContext, options Options) Resolution {
	resolution := Resolution{
		Options:  options,
		Resolved: make(map[string]Grants),
	}

	// principal -> subjects, per operation.
	staticPublish := make(map[string][]string)
	staticSubscribe := make(map[string][]string)
	agents := make(map[string]struct{})
	for subject, rule := range input.Subjects {
		for _, principal := range rule.Publishers {
			staticPublish[principal] = append(staticPublish[principal], subject)
			if _, role := isRole(principal); !role {
				agents[principal] = struct{}{}
			}
		}
		for _, principal := range rule.Subscribers {
			staticSubscribe[principal] = append(staticSubscribe[principal], subject)
			if _, role := isRole(principal); !role {
				agents[principal] = struct{}{}
			}
		}
	}
	for aeID := range input.Capabilities {
		agents[aeID] = struct{}{}
	}
	for aeID := range input.Roles {
		agents[aeID] = struct{}{}
	}

	for aeID := range agents {
		principals := []string{aeID}
		for _, role := range input.Roles[aeID] {
			principals = append(principals, RolePrefix+role)
		}

		var publishes, subscribes []string
		for _, principal := range principals {
			publishes = append(publishes, staticPublish[principal]...)
			subscribes = append(subscribes, staticSubscribe[principal]...)
		}
		grants := Grants{Publishes: normalize(publishes), Subscribes: normalize(subscribes)}

		if declared, ok := input.Capabilities[aeID]; ok {
			var rejected []Rejection
			grants, rejected = merge(aeID, grants, declared, input.Subjects, options)
			resolution.Rejected = append(resolution.Rejected, rejected...)
		}
		resolution.Resolved[aeID] = grants
	}

	slices.SortFunc(resolution.Rejected, func(a, b Rejection) int {
		return cmp.Or(
			cmp.Compare(a.AEID, b.AEID),
			cmp.Compare(a.Subject, b.Subject),
			cmp.Compare(a.Operation, b.Operation),
		)
	})
	return resolution
}

// merge applies one agent's declaration to its static grants.
func merge(aeID string, static Grants, declared Capabilities, catalog StaticPolicy, options Options) (Grants, []Rejection) {
	var rejected []Rejection
	result := static.clone()

	apply := func(op Operation, subjects []string, granted *[]string) {
		for _, subject := range normalize(subjects) {
			if static.Allows(subject, op) {
				continue
			}
			_, inCatalog := catalog[subject]
			switch {
			case options.Mode == Strict && inCatalog:
				rejected = append(rejected, Rejection{AEID: aeID, Subject: subject, Operation: op, Reason: ExceedsStatic})
			case !inCatalog && !(options.Mode == Additive && options.AllowUnknown):
				rejected = append(rejected, Rejection{AEID: aeID, Subject: subject, Operation: op, Reason: SubjectNotInCatalog})
			default:
				*granted = append(*granted, subject)
			}
		}
		*granted = normalize(*granted)
	}
	apply(Publish, declared.Publishes, &result.Publishes)
	apply(Subscribe, declared.Subscribes, &result.Subscribes)
	return result, rejected
}

// Grants returns the grants for aeID; an agent absent from the
// resolution has none.
func (r Resolution) Grants(aeID string) Grants {
	return r.Resolved[aeID].clone()
}

// Authorize checks op on subject for aeID. It returns nil when granted,
// an UnknownSubject error when the agent has no entry for the subject
// (unless AllowUnknown), and a NotAuthorized error otherwise.
func (r Resolution) Authorize(aeID, subject string, op Operation) error {
	grants := r.Resolved[aeID]
	if grants.Allows(subject, op) {
		return nil
	}
	if !grants.Mentions(subject) && !r.Options.AllowUnknown {
		return errkind.New(errkind.UnknownSubject,
			"%q has no grant for subject %q", aeID, subject)
	}
	return errkind.New(errkind.NotAuthorized,
		"%q may not %s %q", aeID, op, subject)
}

func normalize(values []string) []string {
	if len(values) == 0 {
		return []string{}
	}
	normalized := slices.Clone(values)
	slices.Sort(normalized)
	return slices.Compact(normalized)
}
