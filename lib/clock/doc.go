// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall-clock time for rootswap components.
//
// Deployment records, lease records, and boot checks all carry
// timestamps, and the CLI's --wait option backs off between lock
// attempts. Production code injects [Real]; tests inject [Fake] and
// move time explicitly with [FakeClock.Advance], so timestamps in
// persisted state are deterministic and retry loops never sleep.
package clock
