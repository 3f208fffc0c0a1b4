// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package failure defines the error taxonomy shared by every rootswap
// component and the mapping from error kinds to CLI exit codes.
//
// Components return [*Error] values carrying a [Kind] and the failed
// operation, usually wrapping a lower-level cause. Callers add context
// with fmt.Errorf("...: %w", err) as usual; [KindOf] walks the wrapped
// chain to recover the kind, so the CLI can pick an exit code without
// string matching.
//
// Every kind except [CorruptState] guarantees that the sysroot is left
// in its previous, fully valid state. CorruptState requires an
// operator to repair the sysroot before further mutating operations.
package failure
