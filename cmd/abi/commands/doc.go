// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the abi command tree. [Root] returns it;
// each file builds one command group.
package commands
