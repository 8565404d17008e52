// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Operation is what an agent wants to do with a subject.
type Operation int

const (
	Publish Operation = iota
	Subscribe
)

func (o Operation) String() string {
	switch o {
	case Publish:
		return "publish"
	case Subscribe:
		return "subscribe"
	default:
		return fmt.Sprintf("operation(%d)", int(o))
	}
}

// MarshalText renders the operation name for JSON output.
func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (o *Operation) UnmarshalText(text []byte) error {
	parsed, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOperation is the inverse of String.
func ParseOperation(name string) (Operation, error) {
	switch name {
	case "publish":
		return Publish, nil
	case "subscribe":
		return Subscribe, nil
	default:
		return 0, fmt.Errorf("policy: unknown operation %q (want publish or subscribe)", name)
	}
}

// Mode selects how dynamic capabilities merge with static grants.
type Mode int

const (
	Strict Mode = iota
	Additive
)

func (m Mode) String() string {
	switch m {
	case Strict:
		return "strict"
	case Additive:
		return "additive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode is the inverse of String.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "strict":
		return Strict, nil
	case "additive":
		return Additive, nil
	default:
		return 0, fmt.Errorf("policy: unknown mode %q (want strict or additive)", name)
	}
}

// Options configure resolution and authorization.
type Options struct {
	Mode Mode

	// AllowUnknown lets additive mode grant declared subjects that are
	// absent from the static catalog, and makes authorization of a
	// subject the agent has no entry for fail with NotAuthorized
	// instead of UnknownSubject.
	AllowUnknown bool
}

// RolePrefix marks a principal that names a role instead of an ae_id.
const RolePrefix = "role:"

// SubjectRule is the static policy for one subject.
type SubjectRule struct {
	// Publishers and Subscribers list ae_ids and "role:<name>"
	// principals.
	Publishers  []string `json:"publishers,omitempty"`
	Subscribers []string `json:"subscribers,omitempty"`

	// Labels classify the subject (for example "pii"). They do not
	// affect authorization; the gatekeeper reports them in audit
	// records.
	Labels []string `json:"labels,omitempty"`
}

// StaticPolicy is the static catalog: subject -> rule.
type StaticPolicy map[string]SubjectRule

// Allow adds a publisher, a subscriber (either may be empty), and
// labels to subject, creating the rule if needed.
func (p StaticPolicy) Allow(subject, publisher, subscriber string, labels ...string) {
	rule := p[subject]
	if publisher != "" {
		rule.Publishers = appendSorted(rule.Publishers, publisher)
	}
	if subscriber != "" {
		rule.Subscribers = appendSorted(rule.Subscribers, subscriber)
	}
	for _, label := range labels {
		rule.Labels = appendSorted(rule.Labels, label)
	}
	p[subject] = rule
}

// Capabilities is what one agent declares it will publish and
// subscribe.
type Capabilities struct {
	Publishes  []string `json:"publishes,omitempty"`
	Subscribes []string `json:"subscribes,omitempty"`
}

// PolicyContext is the full input to Resolve.
type PolicyContext struct {
	Subjects     StaticPolicy
	Capabilities map[string]Capabilities
	// Roles maps ae_id to role names, normally fed from the keyring.
	Roles map[string][]string
}

// Grants are one agent's resolved permissions. Both slices are sorted
// and free of duplicates.
type Grants struct {
	Publishes  []string `json:"publishes"`
	Subscribes []string `json:"subscribes"`
}

// Allows reports whether op on subject is granted.
func (g Grants) Allows(subject string, op Operation) bool {
	switch op {
	case Publish:
		_, found := slices.BinarySearch(g.Publishes, subject)
		return found
	case Subscribe:
		_, found := slices.BinarySearch(g.Subscribes, subject)
		return found
	}
	return false
}

// Mentions reports whether subject appears in either set.
func (g Grants) Mentions(subject string) bool {
	return g.Allows(subject, Publish) || g.Allows(subject, Subscribe)
}

// Empty reports whether nothing is granted.
func (g Grants) Empty() bool {
	return len(g.Publishes) == 0 && len(g.Subscribes) == 0
}

func (g Grants) clone() Grants {
	return Grants{Publishes: slices.Clone(g.Publishes), Subscribes: slices.Clone(g.Subscribes)}
}

// RejectionReason says why a declared capability was not granted.
type RejectionReason string

const (
	// ExceedsStatic: strict mode, and the static catalog does not grant
	// the agent this operation on the subject.
	ExceedsStatic RejectionReason = "exceeds_static"

	// SubjectNotInCatalog: the subject is absent from the static
	// catalog and unknown subjects are not allowed.
	SubjectNotInCatalog RejectionReason = "subject_not_in_catalog"
)

// Rejection is one declared capability that resolution ignored.
type Rejection struct {
	AEID      string          `json:"ae_id"`
	Subject   string          `json:"subject"`
	Operation Operation       `json:"operation"`
	Reason    RejectionReason `json:"reason"`
}

func (r Rejection) String() string {
	return fmt.Sprintf("%s %s %s: %s", r.AEID, r.Operation, r.Subject, r.Reason)
}

func appendSorted(values []string, value string) []string {
	if slices.Contains(values, value) {
		return values
	}
	values = append(values, value)
	slices.Sort(values)
	return values
}

func isRole(principal string) (string, bool) {
	return strings.CutPrefix(principal, RolePrefix)
}
