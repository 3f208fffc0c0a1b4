// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// bootIDPath is the kernel's per-boot random identifier. A lease
// recorded under a different boot id belongs to a holder that cannot
// still be running.
const bootIDPath = "/proc/sys/kernel/random/boot_id"

// Lease identifies the holder of the sysroot lock or the owner of a
// staging directory.
type Lease struct {
	// Holder is a random token unique to one acquisition.
	Holder string `json:"holder"`

	// PID is the holder's process id.
	PID int `json:"pid"`

	// Hostname is the holder's host name. A sysroot on shared storage
	// can be locked from another host, whose processes cannot be
	// probed.
	Hostname string `json:"hostname"`

	// BootID is the holder's kernel boot id.
	BootID string `json:"boot_id,omitempty"`

	// Operation is what the holder is doing ("upgrade", "prune", ...).
	Operation string `json:"operation"`

	// AcquiredAt is when the holder took the lease.
	AcquiredAt time.Time `json:"acquired_at"`
}

// newLease returns a lease for the calling process.
func newLease(operation string, now time.Time) Lease {
	hostname, _ := os.Hostname()
	return Lease{
		Holder:     uuid.NewString(),
		PID:        os.Getpid(),
		Hostname:   hostname,
		BootID:     currentBootID(),
		Operation:  operation,
		AcquiredAt: now,
	}
}

// Alive reports whether the lease's holder process may still be
// running. A holder on another host, or one whose liveness cannot be
// determined, is assumed alive.
func (l Lease) Alive() bool {
	if l.PID <= 0 {
		return false
	}
	hostname, _ := os.Hostname()
	if l.Hostname != "" && hostname != "" && l.Hostname != hostname {
		return true
	}
	if bootID := currentBootID(); l.BootID != "" && bootID != "" && l.BootID != bootID {
		return false
	}
	// Signal 0 checks existence without delivering anything. EPERM
	// means the process exists but belongs to another user.
	err := unix.Kill(l.PID, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// String describes the lease for error messages.
func (l Lease) String() string {
	return fmt.Sprintf("%s by pid %d on %s since %s", l.Operation, l.PID, l.Hostname, l.AcquiredAt.Format(time.RFC3339))
}

func (l Lease) marshal() ([]byte, error) {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// parseLease decodes a lease record. Empty content means no lease.
func parseLease(data []byte) (*Lease, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, fmt.Errorf("parsing lease record: %w", err)
	}
	return &lease, nil
}

// readLeaseFile reads a lease record from path. A missing or empty
// file yields nil.
func readLeaseFile(path string) (*Lease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return parseLease(data)
}

func currentBootID() string {
	data, err := os.ReadFile(bootIDPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
