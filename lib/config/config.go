// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Keyring store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Policy merge modes.
const (
	PolicyStrict   = "strict"
	PolicyAdditive = "additive"
)

// Audit sink names accepted in AuditConfig.Sinks.
const (
	SinkFile    = "file"
	SinkSQLite  = "sqlite"
	SinkPublish = "publish"
	SinkMemory  = "memory"
)

// Challenge TTL bounds.
const (
	MinChallengeTTL = time.Second
	MaxChallengeTTL = time.Hour
)

// Config is the master configuration for the trust core.
type Config struct {
	Environment Environment     `yaml:"environment"`
	Paths       PathsConfig     `yaml:"paths"`
	Keyring     KeyringConfig   `yaml:"keyring"`
	Admission   AdmissionConfig `yaml:"admission"`
	Policy      PolicyConfig    `yaml:"policy"`
	Audit       AuditConfig     `yaml:"audit"`
	Session     SessionConfig   `yaml:"session"`

	// Per-environment overrides, applied after the base values.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections that can be overridden per
// environment. Empty strings and zero durations leave the base value.
type ConfigOverrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Keyring   *KeyringConfig   `yaml:"keyring,omitempty"`
	Admission *AdmissionConfig `yaml:"admission,omitempty"`
	Policy    *PolicyConfig    `yaml:"policy,omitempty"`
	Audit     *AuditConfig     `yaml:"audit,omitempty"`
	Session   *SessionConfig   `yaml:"session,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for ABI data.
	Root string `yaml:"root"`

	// State holds the keyring database, the audit log, and the sealed
	// signing key.
	State string `yaml:"state"`
}

// KeyringConfig selects and configures the keyring store.
type KeyringConfig struct {
	// Backend is one of memory, sqlite, badger. Default: sqlite.
	Backend string `yaml:"backend"`

	// Path is the SQLite file or Badger directory.
	Path string `yaml:"path"`

	// WriteTimeout bounds each store write. Default: 5s.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AdmissionConfig configures the challenge/response handshake.
type AdmissionConfig struct {
	// ChallengeTTL is how long an issued nonce stays valid.
	// Default: 300s. Range: 1s to 1h.
	ChallengeTTL time.Duration `yaml:"challenge_ttl"`

	// SweepInterval is how often expired challenges are reaped.
	// Default: 30s.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	// Mode is strict (dynamic declarations may only narrow static
	// grants) or additive (static union dynamic). Default: strict.
	Mode string `yaml:"mode"`

	// AllowUnknown lets additive mode grant subjects that are absent
	// from the static catalog. Default: false.
	AllowUnknown bool `yaml:"allow_unknown"`

	// StaticFile is an optional JSONC policy document loaded at start.
	StaticFile string `yaml:"static_file"`
}

// AuditConfig configures the audit log and its sinks.
type AuditConfig struct {
	// Sinks lists the sinks every envelope is appended to. All must
	// succeed. Default: [file].
	Sinks []string `yaml:"sinks"`

	// FilePath is the CBOR sequence file for the file sink.
	FilePath string `yaml:"file_path"`

	// SQLitePath is the database for the sqlite sink.
	SQLitePath string `yaml:"sqlite_path"`

	// Topic is where the publish sink sends envelopes.
	// Default: abi.audit.events
	Topic string `yaml:"topic"`

	// AppendTimeout bounds each sink append. Default: 5s.
	AppendTimeout time.Duration `yaml:"append_timeout"`

	// FailOpen lets emit and subscribe proceed when the audit sink is
	// unavailable. Admission is always fail-closed. Rejected in
	// production. Default: false.
	FailOpen bool `yaml:"fail_open"`

	// KeyID names the signing key in every envelope.
	// Default: abi-ed25519-1
	KeyID string `yaml:"key_id"`

	// Producer names this service in every envelope.
	// Default: abi-service
	Producer string `yaml:"producer"`

	// SealedKeyFile is the age-encrypted Ed25519 signing key.
	SealedKeyFile string `yaml:"sealed_key_file"`

	// IdentityFile is the age identity that decrypts SealedKeyFile.
	IdentityFile string `yaml:"identity_file"`
}

// SessionConfig configures the default session token issuer.
type SessionConfig struct {
	// TTL is the lifetime of a minted session. Default: 1h.
	TTL time.Duration `yaml:"ttl"`

	// Audience is stamped into every token. Default: abi.
	Audience string `yaml:"audience"`
}

// Default returns the development defaults with path variables
// expanded.
func Default() *Config {
	cfg := defaults()
	cfg.expandVariables()
	return cfg
}

// defaults returns the unexpanded defaults a config file is merged
// onto. Derived paths reference ${ABI_ROOT} and ${ABI_STATE} so they
// follow a file that only moves paths.root or paths.state.
func defaults() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "abi")
	defaultState := "${ABI_ROOT}/state"

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			State: defaultState,
		},
		Keyring: KeyringConfig{
			Backend:      BackendSQLite,
			Path:         "${ABI_STATE}/keyring.db",
			WriteTimeout: 5 * time.Second,
		},
		Admission: AdmissionConfig{
			ChallengeTTL:  300 * time.Second,
			SweepInterval: 30 * time.Second,
		},
		Policy: PolicyConfig{
			Mode: PolicyStrict,
		},
		Audit: AuditConfig{
			Sinks:         []string{SinkFile},
			FilePath:      "${ABI_STATE}/audit.cbor",
			SQLitePath:    "${ABI_STATE}/audit.db",
			Topic:         "abi.audit.events",
			AppendTimeout: 5 * time.Second,
			KeyID:         "abi-ed25519-1",
			Producer:      "abi-service",
			SealedKeyFile: "${ABI_STATE}/audit-signing.key.age",
			IdentityFile:  "${ABI_ROOT}/identity.age",
		},
		Session: SessionConfig{
			TTL:      time.Hour,
			Audience: "abi",
		},
	}
}

// Load loads configuration from the file named by ABI_CONFIG. It fails
// when the variable is not set.
func Load() (*Config, error) {
	configPath := os.Getenv("ABI_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ABI_CONFIG environment variable not set; " +
			"set it to the path of your abi.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, applies the environment
// section, and expands path variables. It does not validate.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides != nil {
		c.applyOverrides(overrides)
	}

	if c.Environment == Production {
		c.Policy.Mode = PolicyStrict
		c.Policy.AllowUnknown = false
	}
}

func (c *Config) applyOverrides(overrides *ConfigOverrides) {
	if paths := overrides.Paths; paths != nil {
		setString(&c.Paths.Root, paths.Root)
		setString(&c.Paths.State, paths.State)
	}

	if keyring := overrides.Keyring; keyring != nil {
		setString(&c.Keyring.Backend, keyring.Backend)
		setString(&c.Keyring.Path, keyring.Path)
		setDuration(&c.Keyring.WriteTimeout, keyring.WriteTimeout)
	}

	if admission := overrides.Admission; admission != nil {
		setDuration(&c.Admission.ChallengeTTL, admission.ChallengeTTL)
		setDuration(&c.Admission.SweepInterval, admission.SweepInterval)
	}

	if policy := overrides.Policy; policy != nil {
		setString(&c.Policy.Mode, policy.Mode)
		setString(&c.Policy.StaticFile, policy.StaticFile)
		// Bools always apply from an override section.
		c.Policy.AllowUnknown = policy.AllowUnknown
	}

	if audit := overrides.Audit; audit != nil {
		if len(audit.Sinks) > 0 {
			c.Audit.Sinks = audit.Sinks
		}
		setString(&c.Audit.FilePath, audit.FilePath)
		setString(&c.Audit.SQLitePath, audit.SQLitePath)
		setString(&c.Audit.Topic, audit.Topic)
		setDuration(&c.Audit.AppendTimeout, audit.AppendTimeout)
		setString(&c.Audit.KeyID, audit.KeyID)
		setString(&c.Audit.Producer, audit.Producer)
		setString(&c.Audit.SealedKeyFile, audit.SealedKeyFile)
		setString(&c.Audit.IdentityFile, audit.IdentityFile)
		c.Audit.FailOpen = audit.FailOpen
	}

	if session := overrides.Session; session != nil {
		setDuration(&c.Session.TTL, session.TTL)
		setString(&c.Session.Audience, session.Audience)
	}
}

func setString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func setDuration(target *time.Duration, value time.Duration) {
	if value != 0 {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"ABI_ROOT": c.Paths.Root,
		"HOME":     os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["ABI_ROOT"] = c.Paths.Root
	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["ABI_STATE"] = c.Paths.State

	c.Keyring.Path = expandVars(c.Keyring.Path, vars)
	c.Policy.StaticFile = expandVars(c.Policy.StaticFile, vars)
	c.Audit.FilePath = expandVars(c.Audit.FilePath, vars)
	c.Audit.SQLitePath = expandVars(c.Audit.SQLitePath, vars)
	c.Audit.SealedKeyFile = expandVars(c.Audit.SealedKeyFile, vars)
	c.Audit.IdentityFile = expandVars(c.Audit.IdentityFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Values in vars take
// precedence over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}

	backends := []string{BackendMemory, BackendSQLite, BackendBadger}
	if !slices.Contains(backends, c.Keyring.Backend) {
		errs = append(errs, fmt.Errorf("keyring.backend must be one of: %v", backends))
	}
	if c.Keyring.Backend != BackendMemory && c.Keyring.Path == "" {
		errs = append(errs, fmt.Errorf("keyring.path is required for backend %s", c.Keyring.Backend))
	}
	if c.Keyring.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("keyring.write_timeout must be positive"))
	}

	if c.Admission.ChallengeTTL < MinChallengeTTL || c.Admission.ChallengeTTL > MaxChallengeTTL {
		errs = append(errs, fmt.Errorf("admission.challenge_ttl must be between %s and %s, got %s",
			MinChallengeTTL, MaxChallengeTTL, c.Admission.ChallengeTTL))
	}
	if c.Admission.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("admission.sweep_interval must be positive"))
	}

	modes := []string{PolicyStrict, PolicyAdditive}
	if !slices.Contains(modes, c.Policy.Mode) {
		errs = append(errs, fmt.Errorf("policy.mode must be one of: %v", modes))
	}
	if c.Policy.AllowUnknown && c.Policy.Mode != PolicyAdditive {
		errs = append(errs, fmt.Errorf("policy.allow_unknown requires policy.mode additive"))
	}

	sinks := []string{SinkFile, SinkSQLite, SinkPublish, SinkMemory}
	if len(c.Audit.Sinks) == 0 {
		errs = append(errs, fmt.Errorf("audit.sinks must name at least one sink"))
	}
	for _, sink := range c.Audit.Sinks {
		if !slices.Contains(sinks, sink) {
			errs = append(errs, fmt.Errorf("audit.sinks: unknown sink %q (valid: %v)", sink, sinks))
		}
	}
	if slices.Contains(c.Audit.Sinks, SinkFile) && c.Audit.FilePath == "" {
		errs = append(errs, fmt.Errorf("audit.file_path is required for the file sink"))
	}
	if slices.Contains(c.Audit.Sinks, SinkSQLite) && c.Audit.SQLitePath == "" {
		errs = append(errs, fmt.Errorf("audit.sqlite_path is required for the sqlite sink"))
	}
	if slices.Contains(c.Audit.Sinks, SinkPublish) && c.Audit.Topic == "" {
		errs = append(errs, fmt.Errorf("audit.topic is required for the publish sink"))
	}
	if c.Audit.AppendTimeout <= 0 {
		errs = append(errs, fmt.Errorf("audit.append_timeout must be positive"))
	}
	if c.Audit.KeyID == "" {
		errs = append(errs, fmt.Errorf("audit.key_id is required"))
	}
	if c.Audit.FailOpen && c.Environment == Production {
		errs = append(errs, fmt.Errorf("audit.fail_open is not allowed in production"))
	}

	if c.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be positive"))
	}
	if c.Session.Audience == "" {
		errs = append(errs, fmt.Errorf("session.audience is required"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the root and state directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.State} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
