// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import "errors"

// ErrNotMounted is returned by Backend.Unmount for a target that has
// nothing mounted on it.
var ErrNotMounted = errors.New("not mounted")

// Backend performs mount operations.
type Backend interface {
	// Bind bind-mounts source at target. With readOnly, the mount is
	// then remounted read-only.
	Bind(source, target string, readOnly bool) error

	// Overlay mounts an overlay filesystem at target.
	Overlay(lower, upper, work, target string) error

	// Move moves the mount at source, with everything mounted below
	// it, to target.
	Move(source, target string) error

	// Unmount unmounts target, returning ErrNotMounted when nothing is
	// mounted there.
	Unmount(target string) error

	// Mounted reports whether target is a mount point.
	Mounted(target string) (bool, error)

	// ReadOnly reports whether the mount at target is read-only.
	ReadOnly(target string) (bool, error)
}
