// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transition is the deployment state machine. It moves a
// sysroot from one committed deployment list to the next: upgrade and
// switch stage a new deployment, rollback swaps the current and
// rollback deployments, prune removes stale ones, and finalize
// reconciles the list with what actually booted.
//
// A staging transition runs through these phases:
//
//	Idle -> Staging -> Validated -> Committing -> Committed
//	          |            |            |
//	          +------------+------------+--> Aborted
//
// Everything up to Validated happens without the sysroot lock: the
// tree is checked out and pinned by the staging's token, local state
// is seeded, and the root is composed and validated in a staging
// directory that no committed state refers to. The lock is taken only
// for the commit: the list is reloaded (it may have changed since it
// was first read), a serial is allocated, the staging is renamed into
// deploy/<id>, the boot metadata is written, and the new list is
// committed. A failure anywhere before the commit leaves the committed
// state untouched and releases every resource the transition took.
//
// Every transaction also runs crash recovery: it removes deployment
// directories the list does not name and stagings whose owner is
// dead, rebuilds the tree store's pins from the list, and regenerates
// the boot metadata if it disagrees with the list. The list is
// authoritative.
package transition
