// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/rootswap/lib/digest"
)

// Status is the lifecycle status of a deployment.
type Status string

const (
	// StatusStaged is a deployment being prepared in the staging area.
	// Staged deployments never appear in a committed list.
	StatusStaged Status = "staged"

	// StatusCurrent is the committed boot target (boot ordinal 0).
	StatusCurrent Status = "current"

	// StatusRollback is a deployment kept as a rollback target.
	StatusRollback Status = "rollback"

	// StatusStale is a superseded deployment eligible for pruning.
	StatusStale Status = "stale"
)

// Valid reports whether status is one of the defined statuses.
func (status Status) Valid() bool {
	switch status {
	case StatusStaged, StatusCurrent, StatusRollback, StatusStale:
		return true
	}
	return false
}

// rank orders statuses within a committed list.
func (status Status) rank() int {
	switch status {
	case StatusCurrent:
		return 0
	case StatusRollback:
		return 1
	case StatusStale:
		return 2
	default:
		return 3
	}
}

// Deployment is one bootable state: an immutable tree plus this
// deployment's private /etc and the shared /var. Everything except
// Status and Pinned is fixed once the deployment is committed.
type Deployment struct {
	// ID identifies the deployment within the sysroot. See FormatID.
	ID string `json:"id"`

	// Serial is assigned from the sysroot's monotonic counter when the
	// deployment is committed. Never reused, so serials totally order
	// deployments by creation.
	Serial uint64 `json:"serial"`

	// Tree is the digest of the tree checked out for this deployment.
	// The deployment holds one pin on it in the tree store.
	Tree digest.Digest `json:"tree"`

	// Origin is the image reference this deployment was created from
	// and tracks for "upgrade" without an explicit reference.
	Origin string `json:"origin"`

	// Status is the deployment's lifecycle status.
	Status Status `json:"status"`

	// Pinned deployments are never pruned.
	Pinned bool `json:"pinned,omitempty"`

	// KernelArgs are appended to the boot entry's options.
	KernelArgs []string `json:"kernel_args,omitempty"`

	// CreatedAt is when the deployment was committed.
	CreatedAt time.Time `json:"created_at"`
}

// FormatID returns the deployment id for a tree and serial: the short
// tree digest and the serial joined by a dot, e.g.
// "3f9a1c2b7d4e8a10.12".
func FormatID(tree digest.Digest, serial uint64) string {
	return tree.Short() + "." + strconv.FormatUint(serial, 10)
}

// ParseID splits a deployment id into its short digest and serial.
func ParseID(id string) (shortDigest string, serial uint64, err error) {
	shortDigest, serialText, found := strings.Cut(id, ".")
	if !found || len(shortDigest) != digest.ShortLength {
		return "", 0, fmt.Errorf("malformed deployment id %q", id)
	}
	serial, err = strconv.ParseUint(serialText, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed deployment id %q: %w", id, err)
	}
	return shortDigest, serial, nil
}

// clone returns a deep copy.
func (d Deployment) clone() Deployment {
	copied := d
	if d.KernelArgs != nil {
		copied.KernelArgs = append([]string(nil), d.KernelArgs...)
	}
	return copied
}
