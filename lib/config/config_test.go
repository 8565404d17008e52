// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Environment != Development {
		t.Errorf("expected environment=development, got %s", cfg.Environment)
	}
	if cfg.Admission.ChallengeTTL != 300*time.Second {
		t.Errorf("expected challenge_ttl=300s, got %s", cfg.Admission.ChallengeTTL)
	}
	if cfg.Policy.Mode != PolicyStrict {
		t.Errorf("expected policy.mode=strict, got %s", cfg.Policy.Mode)
	}
	if cfg.Audit.FailOpen {
		t.Error("expected fail_open=false by default")
	}
	if cfg.Audit.KeyID != "abi-ed25519-1" {
		t.Errorf("expected key_id=abi-ed25519-1, got %s", cfg.Audit.KeyID)
	}
	if cfg.Audit.Producer != "abi-service" {
		t.Errorf("expected producer=abi-service, got %s", cfg.Audit.Producer)
	}
	if strings.Contains(cfg.Keyring.Path, "${") {
		t.Errorf("keyring.path not expanded: %s", cfg.Keyring.Path)
	}
	if want := filepath.Join(cfg.Paths.State, "keyring.db"); cfg.Keyring.Path != want {
		t.Errorf("keyring.path = %s, want %s", cfg.Keyring.Path, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_RequiresABIConfig(t *testing.T) {
	t.Setenv("ABI_CONFIG", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when ABI_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "ABI_CONFIG environment variable not set") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_WithABIConfig(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging
paths:
  root: /test/root
`)
	t.Setenv("ABI_CONFIG", configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Environment != Staging {
		t.Errorf("expected environment=staging, got %s", cfg.Environment)
	}
	if cfg.Paths.State != "/test/root/state" {
		t.Errorf("expected state to follow root, got %s", cfg.Paths.State)
	}
	if cfg.Audit.FilePath != "/test/root/state/audit.cbor" {
		t.Errorf("expected audit file under state, got %s", cfg.Audit.FilePath)
	}
}

func TestLoadFile(t *testing.T) {
	configPath := writeConfig(t, `
environment: development

paths:
  root: /custom/root
  state: /custom/state

keyring:
  backend: badger
  path: ${ABI_STATE}/keyring.badger
  write_timeout: 2s

admission:
  challenge_ttl: 90s

policy:
  mode: additive
  allow_unknown: true
  static_file: ${ABI_ROOT}/policy.jsonc

audit:
  sinks: [file, sqlite]
  fail_open: true

session:
  ttl: 15m
  audience: mesh
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Keyring.Backend != BackendBadger {
		t.Errorf("expected backend=badger, got %s", cfg.Keyring.Backend)
	}
	if cfg.Keyring.Path != "/custom/state/keyring.badger" {
		t.Errorf("expected keyring path expanded, got %s", cfg.Keyring.Path)
	}
	if cfg.Keyring.WriteTimeout != 2*time.Second {
		t.Errorf("expected write_timeout=2s, got %s", cfg.Keyring.WriteTimeout)
	}
	if cfg.Admission.ChallengeTTL != 90*time.Second {
		t.Errorf("expected challenge_ttl=90s, got %s", cfg.Admission.ChallengeTTL)
	}
	if cfg.Admission.SweepInterval != 30*time.Second {
		t.Errorf("expected default sweep_interval kept, got %s", cfg.Admission.SweepInterval)
	}
	if cfg.Policy.Mode != PolicyAdditive || !cfg.Policy.AllowUnknown {
		t.Errorf("expected additive+allow_unknown, got %s/%v", cfg.Policy.Mode, cfg.Policy.AllowUnknown)
	}
	if cfg.Policy.StaticFile != "/custom/root/policy.jsonc" {
		t.Errorf("expected static_file expanded, got %s", cfg.Policy.StaticFile)
	}
	if len(cfg.Audit.Sinks) != 2 || cfg.Audit.Sinks[1] != SinkSQLite {
		t.Errorf("expected sinks [file sqlite], got %v", cfg.Audit.Sinks)
	}
	if !cfg.Audit.FailOpen {
		t.Error("expected fail_open=true")
	}
	if cfg.Session.TTL != 15*time.Minute || cfg.Session.Audience != "mesh" {
		t.Errorf("unexpected session config: %+v", cfg.Session)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	configPath := writeConfig(t, `
environment: staging

admission:
  challenge_ttl: 300s

audit:
  sinks: [file]

staging:
  admission:
    challenge_ttl: 30s
  audit:
    sinks: [sqlite, publish]
    topic: staging.audit
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Admission.ChallengeTTL != 30*time.Second {
		t.Errorf("expected challenge_ttl=30s from staging override, got %s", cfg.Admission.ChallengeTTL)
	}
	if len(cfg.Audit.Sinks) != 2 || cfg.Audit.Sinks[0] != SinkSQLite {
		t.Errorf("expected sinks from override, got %v", cfg.Audit.Sinks)
	}
	if cfg.Audit.Topic != "staging.audit" {
		t.Errorf("expected topic override, got %s", cfg.Audit.Topic)
	}
}

func TestProductionForcesStrictPolicy(t *testing.T) {
	configPath := writeConfig(t, `
environment: production
policy:
  mode: additive
  allow_unknown: true
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Policy.Mode != PolicyStrict {
		t.Errorf("expected strict mode in production, got %s", cfg.Policy.Mode)
	}
	if cfg.Policy.AllowUnknown {
		t.Error("expected allow_unknown=false in production")
	}
}

func TestEnvVarsDoNotOverride(t *testing.T) {
	t.Setenv("ABI_ROOT", "/env/root")
	t.Setenv("ABI_ENVIRONMENT", "staging")

	configPath := writeConfig(t, `
environment: development
paths:
  root: /file/root
`)

	cfg, err := LoadFile(configPath)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if cfg.Environment != Development {
		t.Errorf("expected environment=development from file, got %s", cfg.Environment)
	}
	if cfg.Paths.Root != "/file/root" {
		t.Errorf("expected root=/file/root from file, got %s", cfg.Paths.Root)
	}
}

func TestExpandVars(t *testing.T) {
	tests := []struct {
		input    string
		vars     map[string]string
		expected string
	}{
		{
			input:    "${HOME}/abi",
			vars:     map[string]string{"HOME": "/home/operator"},
			expected: "/home/operator/abi",
		},
		{
			input:    "${ABI_TEST_MISSING_VARIABLE:-default}",
			vars:     map[string]string{},
			expected: "default",
		},
		{
			input:    "${PRESENT:-default}",
			vars:     map[string]string{"PRESENT": "value"},
			expected: "value",
		},
		{
			input:    "${A}/${B}",
			vars:     map[string]string{"A": "first", "B": "second"},
			expected: "first/second",
		},
		{
			input:    "no variables here",
			vars:     map[string]string{},
			expected: "no variables here",
		},
	}

	for _, tt := range tests {
		result := expandVars(tt.input, tt.vars)
		if result != tt.expected {
			t.Errorf("expandVars(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "invalid environment",
			modify:  func(c *Config) { c.Environment = "invalid" },
			wantErr: "invalid environment",
		},
		{
			name:    "empty root path",
			modify:  func(c *Config) { c.Paths.Root = "" },
			wantErr: "paths.root",
		},
		{
			name:    "unknown keyring backend",
			modify:  func(c *Config) { c.Keyring.Backend = "etcd" },
			wantErr: "keyring.backend",
		},
		{
			name: "memory backend needs no path",
			modify: func(c *Config) {
				c.Keyring.Backend = BackendMemory
				c.Keyring.Path = ""
			},
		},
		{
			name:    "challenge ttl too short",
			modify:  func(c *Config) { c.Admission.ChallengeTTL = 500 * time.Millisecond },
			wantErr: "challenge_ttl",
		},
		{
			name:    "challenge ttl too long",
			modify:  func(c *Config) { c.Admission.ChallengeTTL = 2 * time.Hour },
			wantErr: "challenge_ttl",
		},
		{
			name:    "allow unknown in strict mode",
			modify:  func(c *Config) { c.Policy.AllowUnknown = true },
			wantErr: "allow_unknown",
		},
		{
			name:    "unknown sink",
			modify:  func(c *Config) { c.Audit.Sinks = []string{"kafka"} },
			wantErr: "unknown sink",
		},
		{
			name:    "no sinks",
			modify:  func(c *Config) { c.Audit.Sinks = nil },
			wantErr: "at least one sink",
		},
		{
			name: "fail open in production",
			modify: func(c *Config) {
				c.Environment = Production
				c.Audit.FailOpen = true
			},
			wantErr: "fail_open",
		},
		{
			name:    "zero session ttl",
			modify:  func(c *Config) { c.Session.TTL = 0 },
			wantErr: "session.ttl",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnsurePaths(t *testing.T) {
	cfg := Default()
	cfg.Paths.Root = filepath.Join(t.TempDir(), "abi")
	cfg.Paths.State = filepath.Join(cfg.Paths.Root, "state")

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths failed: %v", err)
	}

	for _, path := range []string{cfg.Paths.Root, cfg.Paths.State} {
		info, err := os.Stat(path)
		if err != nil {
			t.Errorf("path %s not created: %v", path, err)
			continue
		}
		if !info.IsDir() {
			t.Errorf("path %s is not a directory", path)
		}
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "abi.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return configPath
}
