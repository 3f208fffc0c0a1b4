// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides rootswap's CBOR encoding configuration.
//
// rootswap uses two serialization formats with a clear boundary:
//
//   - JSON for state an operator may need to read or repair by hand:
//     the sysroot deployment list, the lock lease record, the boot
//     check record, and CLI --json output.
//   - CBOR for internal bookkeeping that only rootswap reads: the tree
//     store pin ledger.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same ledger always produces identical bytes and an unchanged ledger
// never shows up as a spurious rewrite.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
package codec
