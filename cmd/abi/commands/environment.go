// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/abi/cmd/abi/cli"
	"github.com/bureau-foundation/abi/lib/audit"
	"github.com/bureau-foundation/abi/lib/config"
	"github.com/bureau-foundation/abi/lib/gatekeeper"
	"github.com/bureau-foundation/abi/lib/keyring"
	"github.com/bureau-foundation/abi/lib/policy"
	"github.com/bureau-foundation/abi/lib/sealed"
	"github.com/bureau-foundation/abi/lib/secret"
	"github.com/bureau-foundation/abi/lib/sessiontoken"
)

// globalFlags are accepted by every command that touches state.
type globalFlags struct {
	configPath string
	verbose    bool
}

func (g *globalFlags) register(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "", "path to abi.yaml (default: $ABI_CONFIG, else built-in defaults)")
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
}

// environment holds the configuration and everything opened from it
// for one command invocation.
type environment struct {
	config *config.Config
	logger *slog.Logger

	signingKey *secret.Buffer
	closers    []func() error
}

// loadEnvironment reads and validates the configuration named by
// --config or ABI_CONFIG, falling back to the built-in defaults.
func loadEnvironment(flags *globalFlags) (*environment, error) {
	var cfg *config.Config
	var err error
	switch {
	case flags.configPath != "":
		cfg, err = config.LoadFile(flags.configPath)
	case os.Getenv("ABI_CONFIG") != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return &environment{
		config: cfg,
		logger: cli.NewCommandLogger(flags.verbose).With("environment", string(cfg.Environment)),
	}, nil
}

// Close releases everything the environment opened, newest first.
func (e *environment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *environment) onClose(closer func() error) {
	e.closers = append(e.closers, closer)
}

func (e *environment) openStore() (keyring.Store, error) {
	logger := e.logger.With("component", "keyring-store")
	switch e.config.Keyring.Backend {
	case config.BackendMemory:
		return keyring.NewMemoryStore(), nil
	case config.BackendSQLite:
		return keyring.OpenSQLiteStore(e.config.Keyring.Path, logger)
	case config.BackendBadger:
		return keyring.OpenBadgerStore(e.config.Keyring.Path, logger)
	default:
		return nil, fmt.Errorf("unknown keyring backend %q", e.config.Keyring.Backend)
	}
}

func (e *environment) openKeyring(ctx context.Context) (*keyring.Keyring, error) {
	store, err := e.openStore()
	if err != nil {
		return nil, err
	}
	ring, err := keyring.Open(ctx, keyring.Config{
		Store:        store,
		Logger:       e.logger.With("component", "keyring"),
		WriteTimeout: e.config.Keyring.WriteTimeout,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	e.onClose(ring.Close)
	return ring, nil
}

// loadSigningKey unseals the service signing key with the age identity
// file. The key stays in locked memory until the environment closes.
func (e *environment) loadSigningKey() (ed25519.PrivateKey, error) {
	if e.signingKey != nil {
		return ed25519.PrivateKey(e.signingKey.Bytes()), nil
	}
	identity, err := secret.ReadFromPath(e.config.Audit.IdentityFile)
	if err != nil {
		return nil, fmt.Errorf("reading age identity (run 'abi keygen service' first): %w", err)
	}
	defer identity.Close()

	key, err := sealed.OpenSigningKey(e.config.Audit.SealedKeyFile, identity)
	if err != nil {
		return nil, fmt.Errorf("unsealing signing key: %w", err)
	}
	e.signingKey = key
	e.onClose(key.Close)
	return ed25519.PrivateKey(key.Bytes()), nil
}

func (e *environment) openSink() (audit.Sink, error) {
	logger := e.logger.With("component", "audit-sink")
	var sinks []audit.Sink
	closeAll := func() {
		for _, sink := range sinks {
			sink.Close()
		}
	}
	for _, name := range e.config.Audit.Sinks {
		switch name {
		case config.SinkFile:
			sink, err := audit.OpenFileSink(e.config.Audit.FilePath, logger)
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, sink)
		case config.SinkSQLite:
			sink, err := audit.OpenSQLiteSink(e.config.Audit.SQLitePath, logger)
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, sink)
		case config.SinkMemory:
			sinks = append(sinks, audit.NewMemorySink())
		case config.SinkPublish:
			closeAll()
			return nil, fmt.Errorf("audit sink %q needs a message bus publisher; the CLI has none", name)
		}
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return audit.NewMultiSink(sinks...), nil
}

func (e *environment) openAuditLog(ctx context.Context) (*audit.Log, error) {
	key, err := e.loadSigningKey()
	if err != nil {
		return nil, err
	}
	sink, err := e.openSink()
	if err != nil {
		return nil, err
	}
	log, err := audit.Open(ctx, audit.Config{
		SigningKey:    key,
		KeyID:         e.config.Audit.KeyID,
		Producer:      e.config.Audit.Producer,
		Sink:          sink,
		Logger:        e.logger.With("component", "audit"),
		AppendTimeout: e.config.Audit.AppendTimeout,
	})
	if err != nil {
		sink.Close()
		return nil, err
	}
	e.onClose(log.Close)
	return log, nil
}

func (e *environment) policyOptions() (policy.Options, error) {
	mode, err := policy.ParseMode(e.config.Policy.Mode)
	if err != nil {
		return policy.Options{}, err
	}
	return policy.Options{Mode: mode, AllowUnknown: e.config.Policy.AllowUnknown}, nil
}

func (e *environment) openPolicy() (*policy.Engine, error) {
	options, err := e.policyOptions()
	if err != nil {
		return nil, err
	}
	engine := policy.NewEngine(options, e.logger.With("component", "policy"))
	if e.config.Policy.StaticFile != "" {
		subjects, err := policy.LoadStaticFile(e.config.Policy.StaticFile)
		if err != nil {
			return nil, err
		}
		engine.SetStatic(subjects)
	}
	return engine, nil
}

// openGatekeeper assembles the full trust core from the configuration.
func (e *environment) openGatekeeper(ctx context.Context) (*gatekeeper.Gatekeeper, error) {
	ring, err := e.openKeyring(ctx)
	if err != nil {
		return nil, err
	}
	log, err := e.openAuditLog(ctx)
	if err != nil {
		return nil, err
	}
	engine, err := e.openPolicy()
	if err != nil {
		return nil, err
	}
	key, err := e.loadSigningKey()
	if err != nil {
		return nil, err
	}
	sessions, err := sessiontoken.NewIssuer(sessiontoken.Config{
		SigningKey: key,
		Audience:   e.config.Session.Audience,
		TTL:        e.config.Session.TTL,
		Logger:     e.logger.With("component", "sessions"),
	})
	if err != nil {
		return nil, err
	}
	return gatekeeper.New(ctx, gatekeeper.Config{
		Keyring:       ring,
		Policy:        engine,
		Audit:         log,
		Sessions:      sessions,
		FailOpen:      e.config.Audit.FailOpen,
		ChallengeTTL:  e.config.Admission.ChallengeTTL,
		SweepInterval: e.config.Admission.SweepInterval,
		Logger:        e.logger.With("component", "gatekeeper"),
	})
}
