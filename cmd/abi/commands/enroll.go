// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/abi/cmd/abi/cli"
	"github.com/bureau-foundation/abi/lib/keyring"
)

// enrollResult is the JSON form of a completed enrollment.
type enrollResult struct {
	AEID        string `json:"ae_id"`
	TrustState  string `json:"trust_state"`
	Fingerprint string `json:"fingerprint"`
	Session     string `json:"session"`
}

func enrollCommand(out io.Writer) *cli.Command {
	var flags globalFlags
	var keyPath string
	var outputJSON bool
	return &cli.Command{
		Name:    "enroll",
		Summary: "Admit a locally held agent key",
		Description: `Run the full admission handshake for an agent whose private key is on
this machine: issue a challenge, sign the nonce with --key, and verify
the response. On success the agent is Trusted and a session token is
printed.

The agent must already be registered with 'abi keyring add'. If it has
a staged key, --key must be the staged key; proving it promotes the
staged key to active.`,
		Usage: "abi enroll <ae-id> --key <file> [flags]",
		Examples: []cli.Example{
			{Description: "Admit A1", Command: "abi enroll A1 --key a1.key"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("enroll", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&keyPath, "key", "", "agent private key file from 'abi keygen agent', or - for stdin (required)")
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: abi enroll <ae-id> --key <file>")
			}
			if keyPath == "" {
				return fmt.Errorf("--key is required")
			}
			aeID := args[0]
			privateKey, err := loadAgentKey(keyPath)
			if err != nil {
				return err
			}

			env, err := loadEnvironment(&flags)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()
			gate, err := env.openGatekeeper(ctx)
			if err != nil {
				return err
			}
			nonce, err := gate.Admit(ctx, aeID)
			if err != nil {
				return err
			}
			outcome, err := gate.CompleteAdmission(ctx, aeID, ed25519.Sign(privateKey, nonce))
			if err != nil {
				return err
			}

			result := enrollResult{
				AEID:        outcome.AEID,
				TrustState:  outcome.Identity.TrustState.String(),
				Fingerprint: outcome.Fingerprint,
				Session:     base64.RawURLEncoding.EncodeToString(outcome.Session),
			}
			if outputJSON {
				return cli.WriteJSON(out, result)
			}
			fmt.Fprintf(out, "%s admitted (%s, %s)\n", result.AEID, result.TrustState, result.Fingerprint)
			fmt.Fprintf(out, "session: %s\n", result.Session)
			return nil
		},
	}
}

func signCommand(out io.Writer) *cli.Command {
	var keyPath string
	return &cli.Command{
		Name:    "sign",
		Summary: "Sign an admission nonce with an agent key",
		Description: `Sign a base64 nonce with an agent private key and print the base64
signature. This is the agent side of the admission handshake for agents
that run the protocol over their own transport.`,
		Usage: "abi sign --key <file> <nonce>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("sign", pflag.ContinueOnError)
			flagSet.StringVar(&keyPath, "key", "", "agent private key file (required)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: abi sign --key <file> <nonce>")
			}
			if keyPath == "" {
				return fmt.Errorf("--key is required")
			}
			nonce, err := keyring.DecodeBase64(args[0])
			if err != nil {
				return fmt.Errorf("nonce: %w", err)
			}
			privateKey, err := loadAgentKey(keyPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, base64.StdEncoding.EncodeToString(ed25519.Sign(privateKey, nonce)))
			return err
		},
	}
}
