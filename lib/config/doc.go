// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for rootswap.
//
// Configuration is loaded from a single file specified by either the
// ROOTSWAP_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). [Resolve] picks between the two and falls back to
// the built-in [Default] when neither is given. There is no ~/.config
// discovery and no automatic file search, so the configuration a
// command ran with is always auditable.
//
// Files ending in .json or .jsonc are read as JSON with comments and
// trailing commas (github.com/tidwall/jsonc); anything else is YAML.
// Unknown keys are rejected.
//
// Variable expansion is performed on path fields after loading:
// ${ROOTSWAP_SYSROOT}, ${HOME}, and ${VAR:-default} patterns are
// expanded. No other environment variables override config values.
//
// Key exports:
//
//   - [Config] -- master struct with Paths, Retention, Validation, Boot,
//     TreeStore, and Lock
//   - [Default] -- returns a Config with the standard defaults
//   - [Load], [LoadFile], and [Resolve] -- the entry points for loading
//
// This package depends on no other rootswap packages.
package config
