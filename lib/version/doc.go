// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the abi binary.
//
// Values are injected at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/abi/lib/version.GitCommit=$(git rev-parse --short HEAD)"
package version
