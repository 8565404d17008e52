// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration for the ABI trust core.
//
// Configuration comes from a single file named by the ABI_CONFIG
// environment variable ([Load]) or a --config flag ([LoadFile]). There
// is no discovery and no environment-variable override of individual
// values: the file is the whole story, which keeps a deployed
// gatekeeper's behavior reviewable.
//
// The file may carry development, staging, and production sections
// that override base values when [Config].Environment matches.
// Production forces strict policy merging and fail-closed auditing
// regardless of what the base section says.
//
// Path fields support ${HOME}, ${ABI_ROOT}, ${ABI_STATE} and
// ${VAR:-default} expansion.
//
// This package depends on no other ABI packages.
package config
