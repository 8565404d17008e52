// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the abi binary:
// a tree of [Command] values dispatched by name, pflag flag sets, help
// output, typo suggestions, and JSON output helpers.
package cli
