// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/abi/cmd/abi/cli"
	"github.com/bureau-foundation/abi/lib/keyring"
	"github.com/bureau-foundation/abi/lib/sealed"
	"github.com/bureau-foundation/abi/lib/secret"
)

func keygenCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate agent and service keys",
		Subcommands: []*cli.Command{
			keygenAgentCommand(out),
			keygenServiceCommand(out),
		},
	}
}

func keygenAgentCommand(out io.Writer) *cli.Command {
	var keyPath string
	return &cli.Command{
		Name:    "agent",
		Summary: "Generate an agent Ed25519 key pair",
		Description: `Generate an Ed25519 key pair for an agent. The private key seed is
written base64-encoded to --out with mode 0600; the public key and its
fingerprint are printed for 'abi keyring add'.`,
		Usage: "abi keygen agent --out <file>",
		Examples: []cli.Example{
			{Description: "Create a key for A1", Command: "abi keygen agent --out a1.key"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("agent", pflag.ContinueOnError)
			flagSet.StringVar(&keyPath, "out", "", "private key file to create (required)")
			return flagSet
		},
		Run: func(args []string) error {
			if keyPath == "" {
				return fmt.Errorf("--out is required")
			}
			publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			defer secret.Zero(privateKey)

			encoded := []byte(base64.StdEncoding.EncodeToString(privateKey.Seed()) + "\n")
			defer secret.Zero(encoded)
			if err := writeExclusive(keyPath, encoded); err != nil {
				return err
			}
			fmt.Fprintf(out, "public key:  %s\n", keyring.EncodePublicKey(publicKey))
			fmt.Fprintf(out, "fingerprint: %s\n", keyring.Fingerprint(publicKey))
			return nil
		},
	}
}

func keygenServiceCommand(out io.Writer) *cli.Command {
	var flags globalFlags
	var recipients []string
	return &cli.Command{
		Name:    "service",
		Summary: "Create the sealed service signing key",
		Description: `Create the Ed25519 key that signs audit envelopes and session tokens.

The key is sealed with age to the operator identity at
audit.identity_file (created if missing) and any extra --recipient, and
written to audit.sealed_key_file. An existing sealed key is never
overwritten.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("service", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringArrayVar(&recipients, "recipient", nil, "additional age recipient (age1...), repeatable")
			return flagSet
		},
		Run: func(args []string) error {
			env, err := loadEnvironment(&flags)
			if err != nil {
				return err
			}
			defer env.Close()

			for _, recipient := range recipients {
				if err := sealed.ParsePublicKey(recipient); err != nil {
					return err
				}
			}

			operator, err := ensureIdentity(env.config.Audit.IdentityFile)
			if err != nil {
				return err
			}

			publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return fmt.Errorf("generating key: %w", err)
			}
			defer secret.Zero(privateKey)

			if err := os.MkdirAll(filepath.Dir(env.config.Audit.SealedKeyFile), 0700); err != nil {
				return err
			}
			if err := sealed.SealSigningKey(env.config.Audit.SealedKeyFile, privateKey, append([]string{operator}, recipients...)); err != nil {
				return err
			}
			env.logger.Info("service signing key created",
				"sealed_key_file", env.config.Audit.SealedKeyFile,
				"fingerprint", keyring.Fingerprint(publicKey),
			)
			fmt.Fprintf(out, "audit public key: %s\n", keyring.EncodePublicKey(publicKey))
			fmt.Fprintf(out, "key id:           %s\n", env.config.Audit.KeyID)
			fmt.Fprintf(out, "sealed to:        %s\n", operator)
			return nil
		},
	}
}

// ensureIdentity returns the age recipient of the identity at path,
// generating the identity first if the file does not exist.
func ensureIdentity(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		identity, err := secret.ReadFromPath(path)
		if err != nil {
			return "", err
		}
		defer identity.Close()
		return sealed.PublicKeyOf(identity)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return "", err
	}
	defer keypair.Close()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	contents := append([]byte(keypair.PrivateKey.String()), '\n')
	defer secret.Zero(contents)
	if err := writeExclusive(path, contents); err != nil {
		return "", err
	}
	return keypair.PublicKey, nil
}

// loadAgentKey reads a key file written by 'abi keygen agent' ("-"
// reads stdin).
func loadAgentKey(path string) (ed25519.PrivateKey, error) {
	buffer, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, err
	}
	defer buffer.Close()

	seed, err := keyring.DecodeBase64(buffer.String())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer secret.Zero(seed)
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%s: key seed is %d bytes, want %d", path, len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func writeExclusive(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}
