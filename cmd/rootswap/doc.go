// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Rootswap manages the deployments of an image-based Linux system.
//
// Each deployment is an immutable tree from the tree store plus a
// private /etc and the machine's shared /var. Upgrades stage a new
// deployment next to the running one, validate it, and commit it as
// the next boot target; the previous deployment stays bootable as a
// rollback. Nothing is modified in place, so an interrupted upgrade
// leaves the machine booting exactly what it booted before.
//
// Usage:
//
//	rootswap status [--json]
//	rootswap upgrade [ref]
//	rootswap switch <ref>
//	rootswap rollback
//	rootswap prune
//	rootswap pin <id>
//	rootswap unpin <id>
//	rootswap finalize [--deployment id]
//	rootswap recover
//	rootswap mount-root [--deployment id] <destination>
//	rootswap version
//
// Every command accepts --config to name a configuration file
// (otherwise $ROOTSWAP_CONFIG, otherwise built-in defaults). Mutating
// commands accept --wait to retry while another operation holds the
// sysroot lock, and --json for structured output.
//
// Exit codes: 0 success, 1 generic failure, 2 usage, 3 lock contention,
// 4 not found, 5 integrity failure, 6 corrupt state, 7 validation
// failure, 8 no rollback available, 9 commit failure.
package main
