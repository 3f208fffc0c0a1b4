// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/rootswap/lib/atomicfile"
	"github.com/bureau-foundation/rootswap/lib/failure"
)

// writeFile persists the state file. Tests replace it to simulate a
// crash around the rename.
var writeFile = func(path string, data []byte) error {
	return atomicfile.WriteFile(path, data, 0o644)
}

// LockContentionError is the cause wrapped by failure.LockContention
// errors. Holder is nil when the lease record could not be read.
type LockContentionError struct {
	Holder *Lease
}

func (e *LockContentionError) Error() string {
	if e.Holder == nil {
		return "sysroot is locked by another operation"
	}
	if !e.Holder.Alive() {
		return fmt.Sprintf("sysroot is locked (%s; holder no longer running, lock held by an inherited descriptor)", e.Holder)
	}
	return fmt.Sprintf("sysroot is locked (%s)", e.Holder)
}

// Transaction is an exclusive lease on the sysroot. Obtain one with
// BeginTransaction and always Release it:
//
//	transaction, err := root.BeginTransaction("upgrade")
//	if err != nil {
//	    return err
//	}
//	defer transaction.Release()
type Transaction struct {
	sysroot   *Sysroot
	lease     Lease
	recovered *Lease

	mu       sync.Mutex
	file     *os.File
	released bool
}

// BeginTransaction acquires the sysroot lock without blocking. When
// another live operation holds it, returns failure.LockContention
// wrapping a *LockContentionError that names the holder.
//
// The kernel releases the lock when its holder exits, however it
// exits. A lease record still present when the lock is acquired
// therefore belongs to a holder that died mid-operation; it is
// reported by RecoveredFrom.
func (s *Sysroot) BeginTransaction(operation string) (*Transaction, error) {
	file, err := os.OpenFile(s.LockPath(), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, failure.Errorf(failure.IoFailure, "sysroot.lock", "opening %s: %w", s.LockPath(), err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		defer file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			holder, _ := readLeaseFile(s.LockPath())
			return nil, failure.New(failure.LockContention, "sysroot.lock", &LockContentionError{Holder: holder})
		}
		return nil, failure.Errorf(failure.IoFailure, "sysroot.lock", "locking %s: %w", s.LockPath(), err)
	}

	previousData, err := io.ReadAll(file)
	if err != nil {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
		return nil, failure.Errorf(failure.IoFailure, "sysroot.lock", "reading lease record: %w", err)
	}
	previous, parseErr := parseLease(previousData)
	if parseErr != nil {
		// A torn lease record can only come from a holder that died
		// while writing it.
		s.logger.Warn("discarding unreadable lease record", "error", parseErr)
		previous = &Lease{Operation: "unknown"}
	}

	lease := newLease(operation, s.clock.Now())
	transaction := &Transaction{sysroot: s, lease: lease, file: file}
	if err := transaction.writeLease(&lease); err != nil {
		transaction.Release()
		return nil, failure.Errorf(failure.IoFailure, "sysroot.lock", "writing lease record: %w", err)
	}

	if previous != nil {
		transaction.recovered = previous
		s.logger.Warn("reclaimed lease from a holder that did not release it",
			"previous_operation", previous.Operation,
			"previous_pid", previous.PID,
			"previous_acquired_at", previous.AcquiredAt,
			"operation", operation,
		)
	}
	return transaction, nil
}

// Lease returns this transaction's lease.
func (t *Transaction) Lease() Lease { return t.lease }

// RecoveredFrom returns the lease of a previous holder that died
// without releasing, or nil.
func (t *Transaction) RecoveredFrom() *Lease { return t.recovered }

// Sysroot returns the sysroot this transaction locks.
func (t *Transaction) Sysroot() *Sysroot { return t.sysroot }

// Load re-reads the committed state under the lock. Callers must use
// this rather than a state read before the lock was taken.
func (t *Transaction) Load() (*State, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.sysroot.Load()
}

// Commit atomically replaces the committed state. The state's
// generation is advanced. If Commit returns an error, observers still
// see the previous state, except when the failure happened after the
// rename (directory fsync), in which case they see the new one; the
// state is never torn.
func (t *Transaction) Commit(state *State) error {
	if err := t.check(); err != nil {
		return err
	}
	next := state.Clone()
	next.FormatVersion = FormatVersion
	next.Generation++
	if err := t.sysroot.writeState(next); err != nil {
		return err
	}
	state.Generation = next.Generation
	t.sysroot.logger.Info("committed deployment list",
		"operation", t.lease.Operation,
		"generation", next.Generation,
		"deployments", len(next.Deployments),
	)
	return nil
}

// RemoveStaleTemporaries deletes temporary files left in the state
// directory by writers that died before renaming.
func (t *Transaction) RemoveStaleTemporaries() (int, error) {
	if err := t.check(); err != nil {
		return 0, err
	}
	return atomicfile.RemoveTemporaries(filepath.Dir(t.sysroot.StatePath()))
}

// Release clears the lease record and unlocks. Safe to call more than
// once; later calls are no-ops.
func (t *Transaction) Release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return nil
	}
	t.released = true

	var errs []error
	if err := t.file.Truncate(0); err != nil {
		errs = append(errs, fmt.Errorf("clearing lease record: %w", err))
	}
	if err := t.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("syncing lease record: %w", err))
	}
	if err := unix.Flock(int(t.file.Fd()), unix.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlocking: %w", err))
	}
	if err := t.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing lock file: %w", err))
	}
	return errors.Join(errs...)
}

func (t *Transaction) check() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return failure.Errorf(failure.IoFailure, "sysroot.transaction", "transaction already released")
	}
	return nil
}

// writeLease overwrites the lease record in place. The record is
// advisory, so in-place writes are sufficient: the flock is the lock.
func (t *Transaction) writeLease(lease *Lease) error {
	data, err := lease.marshal()
	if err != nil {
		return err
	}
	if err := t.file.Truncate(0); err != nil {
		return err
	}
	if _, err := t.file.WriteAt(data, 0); err != nil {
		return err
	}
	return t.file.Sync()
}
