// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command abi is the operator CLI for the ABI trust core.
package main

import (
	"os"

	"github.com/bureau-foundation/abi/cmd/abi/commands"
	"github.com/bureau-foundation/abi/lib/process"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own outcome (audit verify, policy
		// check) return an error carrying only the exit code.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		process.Fatal(err)
	}
}

func run() error {
	return commands.Root(os.Stdout).Execute(os.Args[1:])
}
