// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package bootmeta tells the bootloader which deployment to boot.
//
// The [Writer] interface takes the complete boot order: entry 0 boots
// next, the rest are fallbacks in order. Writers must be idempotent
// and atomic: a reader (the bootloader, after a crash at any point)
// sees either the previous order or the new one.
//
// [BLSWriter] implements the Boot Loader Specification layout:
//
//	<boot>/loader -> loader.1          (symlink, swapped atomically)
//	<boot>/loader.1/entries/rootswap-2.conf
//	<boot>/loader.1/entries/rootswap-1.conf
//	<boot>/rootswap/<tree>/vmlinuz     (kernels, shared by tree)
//
// A new order is written into the inactive loader.N directory, synced,
// and activated by renaming a new symlink over loader. Each entry's
// kernel command line carries rootswap.deployment=<id>, which is how
// the booted system learns which deployment it is running
// ([BootedFromCmdline]).
//
// [MemoryWriter] keeps the order in memory for tests.
package bootmeta
