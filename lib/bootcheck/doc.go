// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootcheck records a pending boot transition so that the first
// boot after a commit can tell whether the new deployment came up.
//
// The workflow:
//
//  1. After committing a new boot order, the transition engine calls
//     [Write] with the previously booted deployment and the newly
//     committed one.
//  2. The machine reboots. The bootloader tries the new deployment; if
//     it fails (kernel panic, boot counting exhausted), the bootloader
//     falls back to the previous entry.
//  3. Early in boot, "rootswap finalize" reads the record via [Check]
//     and compares it with the deployment named on the kernel command
//     line. [Evaluate] returns [Succeeded] when the new deployment is
//     running, or [FellBack] when the previous one is, in which case
//     the engine demotes the failed deployment.
//  4. The record is removed with [Clear].
//
// The record is written atomically through lib/atomicfile so readers
// never see a partial record. [Check] ignores records older than a
// caller-chosen maximum age, which keeps an ancient record from a
// transition that was never rebooted into from being acted on after
// an unrelated restart months later.
package bootcheck
