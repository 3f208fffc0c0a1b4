// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for rootswap packages.
//
// [TempDir] is t.TempDir for tests that create sealed trees. The tree
// store removes write permission from every directory it checks out,
// which makes the testing package's own cleanup fail for non-root
// users; TempDir restores the permission first.
//
// [RequireReceive] and [RequireClosed] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls. These are the only place
// in the test suite where real wall-clock timeouts are used; code
// under test takes a lib/clock.Clock.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no rootswap-internal dependencies.
package testutil
