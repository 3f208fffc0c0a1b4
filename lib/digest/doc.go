// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest computes and formats the content digests that identify
// filesystem trees.
//
// A tree's [Digest] is the BLAKE3 keyed hash (tree domain) of the
// uncompressed, unencrypted tar stream it was extracted from. Keyed
// hashing gives domain separation: a tree digest can never collide with
// a BLAKE3 digest computed for some other purpose over the same bytes.
//
// Digests are formatted as 64 lowercase hex characters ([Digest.String])
// and abbreviated to 16 characters ([Digest.Short]) in deployment
// identifiers and CLI output. Digest implements encoding.TextMarshaler,
// so it serializes as a hex string in JSON.
package digest
