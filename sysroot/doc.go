// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysroot owns the on-disk root of all deployment state for one
// managed machine.
//
// The central type is [Sysroot], an explicit handle opened with [Open].
// There is no package-level state: every caller holds its own handle,
// and all mutation goes through a [Transaction] obtained from
// [Sysroot.BeginTransaction].
//
// On-disk layout under the sysroot root:
//
//	state/deployments.json   ordered deployment list, booted pointer
//	state/lock               lease record (holder identity, timestamp)
//	state/bootcheck.json     pending boot transition (lib/bootcheck)
//	deploy/<id>/             one directory per committed deployment
//	staging/<token>/         in-flight stagings, owned by a live process
//	trees/                   tree store (package treestore)
//	var/                     shared /var for every deployment
//
// The deployment list is the single source of truth for boot order.
// [State] validates the invariants on every load and every commit: at
// most one Staged record, exactly one Current record (at index 0) once
// the list is non-empty, Rollback records before Stale ones, and
// strictly unique serials. A list that violates them is reported as
// failure.CorruptState and mutating operations refuse to proceed.
//
// Readers ([Sysroot.ListDeployments], [Sysroot.Load]) never take the
// lock. Writers replace the state file with lib/atomicfile, so a reader
// observes either the pre-commit or the post-commit list.
//
// Mutual exclusion is a lease: an flock(2) on state/lock that the kernel
// releases when the holder dies, plus a JSON [Lease] record naming the
// holder. A busy lock yields failure.LockContention carrying the
// holder's lease. A free lock with a leftover lease record means the
// previous holder died mid-operation; the transaction reports it through
// [Transaction.RecoveredFrom] so the caller can run crash recovery.
package sysroot
