// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for rootswap.
//
// The central type is [Command], which represents a named subcommand with
// optional nested [Command.Subcommands], a [pflag.FlagSet] factory, and a
// Run function. Commands are assembled into a tree in cmd/rootswap and
// dispatched via [Command.Execute], which handles flag parsing,
// subcommand routing, and structured help output with examples.
//
// Parameters are declared as tagged structs and bound with
// [FlagsFromParams]. Embedding [JSONOutput] adds a --json flag and the
// [JSONOutput.EmitJSON] helper.
//
// When a user types an unknown subcommand or flag, the framework computes
// Levenshtein edit distance against all known names and suggests the
// closest match (threshold: distance <= 3). This is implemented in
// suggest.go.
//
// Errors returned from Run carry their exit code: [UsageError] exits 2,
// [ExitError] exits with its own code without printing, and classified
// failures map through failure.ExitCode.
package cli
