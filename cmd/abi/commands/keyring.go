// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/abi/cmd/abi/cli"
	"github.com/bureau-foundation/abi/lib/keyring"
)

func keyringCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "keyring",
		Summary: "Manage registered agent identities",
		Subcommands: []*cli.Command{
			keyringAddCommand(out),
			keyringListCommand(out),
			keyringShowCommand(out),
			keyringRevokeCommand(out),
		},
	}
}

// identityView is the CLI rendering of an AgentIdentity.
type identityView struct {
	AEID              string     `json:"ae_id"`
	TrustState        string     `json:"trust_state"`
	PublicKey         string     `json:"public_key"`
	Fingerprint       string     `json:"fingerprint"`
	Roles             []string   `json:"roles,omitempty"`
	StagedFingerprint string     `json:"staged_fingerprint,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastVerifiedAt    *time.Time `json:"last_verified_at,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

func viewIdentity(identity keyring.AgentIdentity) identityView {
	view := identityView{
		AEID:        identity.AEID,
		TrustState:  identity.TrustState.String(),
		PublicKey:   keyring.EncodePublicKey(identity.PublicKey),
		Fingerprint: keyring.Fingerprint(identity.PublicKey),
		Roles:       identity.Roles,
		CreatedAt:   identity.CreatedAt,
	}
	if identity.StagedKey != nil {
		view.StagedFingerprint = keyring.Fingerprint(identity.StagedKey)
	}
	if !identity.LastVerifiedAt.IsZero() {
		verified := identity.LastVerifiedAt
		view.LastVerifiedAt = &verified
	}
	if !identity.ExpiresAt.IsZero() {
		expires := identity.ExpiresAt
		view.ExpiresAt = &expires
	}
	return view
}

func printIdentity(out io.Writer, view identityView) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ae_id:\t%s\n", view.AEID)
	fmt.Fprintf(tw, "trust state:\t%s\n", view.TrustState)
	fmt.Fprintf(tw, "public key:\t%s\n", view.PublicKey)
	fmt.Fprintf(tw, "fingerprint:\t%s\n", view.Fingerprint)
	if len(view.Roles) > 0 {
		fmt.Fprintf(tw, "roles:\t%s\n", strings.Join(view.Roles, ", "))
	}
	if view.StagedFingerprint != "" {
		fmt.Fprintf(tw, "staged key:\t%s\n", view.StagedFingerprint)
	}
	fmt.Fprintf(tw, "created:\t%s\n", view.CreatedAt.UTC().Format(time.RFC3339))
	if view.LastVerifiedAt != nil {
		fmt.Fprintf(tw, "last verified:\t%s\n", view.LastVerifiedAt.UTC().Format(time.RFC3339))
	}
	if view.ExpiresAt != nil {
		fmt.Fprintf(tw, "expires:\t%s\n", view.ExpiresAt.UTC().Format(time.RFC3339))
	}
	tw.Flush()
}

func keyringAddCommand(out io.Writer) *cli.Command {
	var flags globalFlags
	var roles []string
	var expires string
	var outputJSON bool
	return &cli.Command{
		Name:    "add",
		Summary: "Register an agent key",
		Description: `Register an agent's Ed25519 public key. A new agent starts in Unknown
and must complete admission ('abi enroll') to become trusted. A new key
for an existing agent is staged: the active key and trust state are
unchanged until the new key is proven.

The key may be an OpenSSH authorized_keys line, 64 hex characters, or
base64.

--expires bounds the registration, either as a duration from now or an
RFC 3339 time. An expired agent cannot enroll and its sessions stop
authenticating.`,
		Usage: "abi keyring add <ae-id> <public-key> [flags]",
		Examples: []cli.Example{
			{Description: "Register A1 as a sensor", Command: "abi keyring add A1 \"ssh-ed25519 AAAAC3...\" --role sensor"},
			{Description: "Register a 30-day contractor agent", Command: "abi keyring add C7 <key> --expires 720h"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringArrayVar(&roles, "role", nil, "role name for static policy rules, repeatable")
			flagSet.StringVar(&expires, "expires", "", "registration lifetime (e.g. 720h) or RFC 3339 expiry time")
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: abi keyring add <ae-id> <public-key>")
			}
			aeID := args[0]
			publicKey, err := keyring.ParsePublicKey(args[1])
			if err != nil {
				return err
			}
			var expiresAt time.Time
			if expires != "" {
				if expiresAt, err = parseExpiry(expires, time.Now()); err != nil {
					return err
				}
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
			identity, err := gate.Register(ctx, aeID, publicKey, roles)
			if err != nil {
				return err
			}
			if !expiresAt.IsZero() {
				if identity, err = gate.SetExpiry(ctx, aeID, expiresAt); err != nil {
					return err
				}
			}
			if outputJSON {
				return cli.WriteJSON(out, viewIdentity(identity))
			}
			printIdentity(out, viewIdentity(identity))
			return nil
		},
	}
}

func keyringListCommand(out io.Writer) *cli.Command {
	var flags globalFlags
	var outputJSON bool
	return &cli.Command{
		Name:    "list",
		Summary: "List registered agents",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			env, err := loadEnvironment(&flags)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()
			ring, err := env.openKeyring(ctx)
			if err != nil {
				return err
			}
			var views []identityView
			for identity := range ring.List(ctx) {
				views = append(views, viewIdentity(identity))
			}
			if outputJSON {
				return cli.WriteJSON(out, views)
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "AE_ID\tSTATE\tFINGERPRINT\tROLES\tSTAGED")
			for _, view := range views {
				staged := "-"
				if view.StagedFingerprint != "" {
					staged = view.StagedFingerprint
				}
				roles := "-"
				if len(view.Roles) > 0 {
					roles = strings.Join(view.Roles, ",")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", view.AEID, view.TrustState, view.Fingerprint, roles, staged)
			}
			return tw.Flush()
		},
	}
}

func keyringShowCommand(out io.Writer) *cli.Command {
	var flags globalFlags
	var outputJSON bool
	return &cli.Command{
		Name:    "show",
		Summary: "Show one agent",
		Usage:   "abi keyring show <ae-id> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("show", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.BoolVar(&outputJSON, "json", false, "output as JSON")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: abi keyring show <ae-id>")
			}
			env, err := loadEnvironment(&flags)
			if err != nil {
				return err
			}
			defer env.Close()

			ctx := context.Background()
			ring, err := env.openKeyring(ctx)
			if err != nil {
				return err
			}
			identity, err := ring.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return cli.WriteJSON(out, viewIdentity(identity))
			}
			printIdentity(out, viewIdentity(identity))
			return nil
		},
	}
}

func keyringRevokeCommand(out io.Writer) *cli.Command {
	var flags globalFlags
	var reason string
	return &cli.Command{
		Name:    "revoke",
		Summary: "Revoke an agent",
		Description: `Permanently distrust an agent. The identity moves to Revoked, any
staged key is discarded, and the revocation is written to the audit
log. A revoked agent can only return by registering a new key.`,
		Usage: "abi keyring revoke <ae-id> --reason <text>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("revoke", pflag.ContinueOnError)
			flags.register(flagSet)
			flagSet.StringVar(&reason, "reason", "", "reason recorded in the audit log (required)")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: abi keyring revoke <ae-id> --reason <text>")
			}
			if reason == "" {
				return fmt.Errorf("--reason is required")
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
			if err := gate.Revoke(ctx, args[0], reason); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s revoked\n", args[0])
			return nil
		},
	}
}

// parseExpiry accepts a duration from now or an RFC 3339 time.
func parseExpiry(value string, now time.Time) (time.Time, error) {
	if lifetime, err := time.ParseDuration(value); err == nil {
		if lifetime <= 0 {
			return time.Time{}, fmt.Errorf("--expires: lifetime must be positive, got %s", value)
		}
		return now.Add(lifetime).UTC(), nil
	}
	expiresAt, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--expires: %q is neither a duration nor an RFC 3339 time", value)
	}
	return expiresAt.UTC(), nil
}
