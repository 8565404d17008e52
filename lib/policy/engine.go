// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"log/slog"
	"slices"
	"sync"
)

// Engine holds the policy inputs and the resolution derived from them.
// Every setter re-resolves before releasing the write lock; readers
// take the read lock only.
type Engine struct {
	logger *slog.Logger

	mu           sync.RWMutex
	options      Options
	subjects     StaticPolicy
	capabilities map[string]Capabilities
	roles        map[string][]string
	resolution   Resolution
}

// NewEngine returns an engine with an empty catalog. A nil logger
// discards.
func NewEngine(options Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	engine := &Engine{
		logger:       logger,
		options:      options,
		subjects:     make(StaticPolicy),
		capabilities: make(map[string]Capabilities),
		roles:        make(map[string][]string),
	}
	engine.resolveLocked()
	return engine
}

// SetStatic replaces the static catalog.
func (e *Engine) SetStatic(subjects StaticPolicy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subjects = cloneStatic(subjects)
	e.resolveLocked()
	e.logger.Info("static policy loaded", "subjects", len(e.subjects))
}

// SetCapabilities replaces aeID's declaration and returns the parts of
// it that resolution rejected.
func (e *Engine) SetCapabilities(aeID string, declared Capabilities) []Rejection {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.capabilities[aeID] = Capabilities{
		Publishes:  slices.Clone(declared.Publishes),
		Subscribes: slices.Clone(declared.Subscribes),
	}
	e.resolveLocked()

	var rejected []Rejection
	for _, rejection := range e.resolution.Rejected {
		if rejection.AEID == aeID {
			rejected = append(rejected, rejection)
		}
	}
	if len(rejected) > 0 {
		e.logger.Warn("declared capabilities exceed policy",
			"ae_id", aeID, "rejected", len(rejected), "mode", e.options.Mode)
	}
	return rejected
}

// ClearCapabilities drops aeID's declaration.
func (e *Engine) ClearCapabilities(aeID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.capabilities[aeID]; !ok {
		return
	}
	delete(e.capabilities, aeID)
	e.resolveLocked()
}

// SetRoles replaces aeID's roles. Nil or empty removes them.
func (e *Engine) SetRoles(aeID string, roles []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(roles) == 0 {
		delete(e.roles, aeID)
	} else {
		e.roles[aeID] = slices.Clone(roles)
	}
	e.resolveLocked()
}

// Authorize checks op on subject for aeID against the current
// resolution.
func (e *Engine) Authorize(aeID, subject string, op Operation) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resolution.Authorize(aeID, subject, op)
}

// Grants returns aeID's resolved grants.
func (e *Engine) Grants(aeID string) Grants {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resolution.Grants(aeID)
}

// Resolution returns a copy of the current resolution.
func (e *Engine) Resolution() Resolution {
	e.mu.RLock()
	defer e.mu.RUnlock()

	resolved := make(map[string]Grants, len(e.resolution.Resolved))
	for aeID, grants := range e.resolution.Resolved {
		resolved[aeID] = grants.clone()
	}
	return Resolution{
		Options:  e.resolution.Options,
		Resolved: resolved,
		Rejected: slices.Clone(e.resolution.Rejected),
	}
}

// Labels returns the labels of subject, or nil for a subject outside
// the catalog.
func (e *Engine) Labels(subject string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.subjects[subject].Labels)
}

// Options returns the engine's resolution options.
func (e *Engine) Options() Options {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.options
}

func (e *Engine) resolveLocked() {
	e.resolution = Resolve(PolicyContext{
		Subjects:     e.subjects,
		Capabilities: e.capabilities,
		Roles:        e.roles,
	}, e.options)
}

func cloneStatic(subjects StaticPolicy) StaticPolicy {
	cloned := make(StaticPolicy, len(subjects))
	for subject, rule := range subjects {
		cloned[subject] = SubjectRule{
			Publishers:  slices.Clone(rule.Publishers),
			Subscribers: slices.Clone(rule.Subscribers),
			Labels:      slices.Clone(rule.Labels),
		}
	}
	return cloned
}
