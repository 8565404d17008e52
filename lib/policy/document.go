// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// staticDocument is the on-disk form of a static catalog:
//
//	{
//	  // Sensors publish telemetry; the aggregator reads it.
//	  "subjects": {
//	    "telemetry.x": {
//	      "publishers": ["A1", "role:sensor"],
//	      "subscribers": ["aggregator"],
//	      "labels": ["metrics"],
//	    },
//	  },
//	}
type staticDocument struct {
	Subjects map[string]SubjectRule `json:"subjects"`
}

// ParseStatic parses a JSONC static catalog. Comments and trailing
// commas are allowed. Subjects and principals must be non-empty.
func ParseStatic(data []byte) (StaticPolicy, error) {
	var document staticDocument
	if err := decodeStrict(data, &document); err != nil {
		return nil, fmt.Errorf("policy: parsing static policy: %w", err)
	}

	subjects := make(StaticPolicy, len(document.Subjects))
	for subject, rule := range document.Subjects {
		if strings.TrimSpace(subject) == "" {
			return nil, fmt.Errorf("policy: static policy has an empty subject")
		}
		for _, principal := range append(append([]string(nil), rule.Publishers...), rule.Subscribers...) {
			if err := validatePrincipal(principal); err != nil {
				return nil, fmt.Errorf("policy: subject %q: %w", subject, err)
			}
		}
		subjects[subject] = SubjectRule{
			Publishers:  normalize(rule.Publishers),
			Subscribers: normalize(rule.Subscribers),
			Labels:      normalize(rule.Labels),
		}
	}
	return subjects, nil
}

// LoadStaticFile reads and parses a JSONC static catalog.
func LoadStaticFile(path string) (StaticPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	subjects, err := ParseStatic(data)
	if err != nil {
		return nil, fmt.Errorf("%w (in %s)", err, path)
	}
	return subjects, nil
}

// ParseCapabilities parses an agent's JSONC capability declaration:
//
//	{"publishes": ["telemetry.y"], "subscribes": ["commands.A1"]}
func ParseCapabilities(data []byte) (Capabilities, error) {
	var declared Capabilities
	if err := decodeStrict(data, &declared); err != nil {
		return Capabilities{}, fmt.Errorf("policy: parsing capabilities: %w", err)
	}
	for _, subject := range append(append([]string(nil), declared.Publishes...), declared.Subscribes...) {
		if strings.TrimSpace(subject) == "" {
			return Capabilities{}, fmt.Errorf("policy: capabilities declare an empty subject")
		}
	}
	return declared, nil
}

func decodeStrict(data []byte, target any) error {
	decoder := json.NewDecoder(strings.NewReader(string(jsonc.ToJSON(data))))
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func validatePrincipal(principal string) error {
	if strings.TrimSpace(principal) == "" {
		return fmt.Errorf("empty principal")
	}
	if role, named := isRole(principal); named && role == "" {
		return fmt.Errorf("principal %q names no role", principal)
	}
	return nil
}
