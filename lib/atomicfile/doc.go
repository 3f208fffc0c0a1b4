// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile replaces files so that readers observe either the
// complete previous content or the complete new content, never a mix.
//
// [WriteFile] writes to a uniquely named temporary file in the target's
// directory, fsyncs it, renames it over the target, and fsyncs the
// directory so the rename itself survives power loss. A crash at any
// point before the rename leaves the previous file untouched plus at
// most one orphaned temporary file, which [RemoveTemporaries] cleans
// up. A crash after the rename leaves the new content in place.
//
// The sysroot state file, the tree store pin ledger, the boot check
// record, and the boot loader entry files are all written through this
// package.
//
// This package has no dependencies on other rootswap packages.
package atomicfile
