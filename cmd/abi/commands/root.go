// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"io"

	"github.com/bureau-foundation/abi/cmd/abi/cli"
	"github.com/bureau-foundation/abi/lib/version"
)

// Root returns the abi command tree. Command output goes to out;
// diagnostics and logs go to stderr.
func Root(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "abi",
		Summary: "Agent Bridge Interface trust core",
		Description: `abi manages the trust core that admits Atomic Experts to the mesh.

Agents are registered in the keyring with an Ed25519 public key, prove
possession of the private key through a challenge/response handshake,
and are then authorized per subject by static and declared policy.
Every decision is written to a signed, hash-chained audit log.`,
		Subcommands: []*cli.Command{
			keygenCommand(out),
			keyringCommand(out),
			enrollCommand(out),
			signCommand(out),
			policyCommand(out),
			auditCommand(out),
			versionCommand(out),
		},
	}
}

func versionCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			_, err := fmt.Fprintln(out, version.Full())
			return err
		},
	}
}
