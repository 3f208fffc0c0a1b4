// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package treestore keeps the immutable filesystem trees that
// deployments boot from.
//
// A tree is addressed by the BLAKE3 digest of the uncompressed tar
// stream it was extracted from (see lib/digest). Checkout resolves an
// image reference through a [Fetcher], extracts the stream into a
// temporary directory while hashing it, verifies the digest, strips
// write permission from the result, and renames it into
// trees/objects/<digest>. A reference whose tree is already present
// is not extracted again.
//
// Trees are shared between deployments. Ownership is counted in a pin
// ledger (trees/pins.cbor) that records, for each tree, the holders
// keeping it alive: committed deployment ids and the tokens of
// stagings still being prepared. Unpinning the last holder makes a
// tree eligible for deletion but does not delete it; [Store.Collect]
// and [Store.DeleteIfUnpinned] are the explicit deletion pass. The
// ledger has its own lock (trees/pins.lock) because checkouts run
// without the sysroot lock.
//
// [Store.Reconcile] rebuilds the ledger from the committed deployment
// list and the set of live stagings, recovering pins leaked by a
// process that died between checkout and commit.
package treestore
