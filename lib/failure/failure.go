// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by what the caller can do about it.
type Kind int

const (
	// Unknown is the kind of errors that carry no classification.
	Unknown Kind = iota

	// LockContention means another live operation holds the sysroot
	// lock. Retryable; no state changed.
	LockContention

	// NotFound means a reference or deployment could not be resolved.
	NotFound

	// IntegrityFailure means fetched content did not match its
	// expected digest. The content was discarded.
	IntegrityFailure

	// ValidationFailure means a staged deployment is not bootable.
	// Staged resources were cleaned up; no state changed.
	ValidationFailure

	// CommitFailure means writing the boot metadata or the deployment
	// list failed. Observers see either the old or the new state.
	CommitFailure

	// CorruptState means the persisted sysroot state is unreadable or
	// violates its invariants. Requires operator intervention.
	CorruptState

	// NoRollbackAvailable means rollback was requested but no rollback
	// deployment exists.
	NoRollbackAvailable

	// IoFailure means a filesystem or mount operation failed before
	// the commit boundary.
	IoFailure
)

// String returns the kind's name as used in logs and JSON output.
func (kind Kind) String() string {
	switch kind {
	case LockContention:
		return "lock_contention"
	case NotFound:
		return "not_found"
	case IntegrityFailure:
		return "integrity_failure"
	case ValidationFailure:
		return "validation_failure"
	case CommitFailure:
		return "commit_failure"
	case CorruptState:
		return "corrupt_state"
	case NoRollbackAvailable:
		return "no_rollback_available"
	case IoFailure:
		return "io_failure"
	default:
		return "unknown"
	}
}

// Error is a classified failure of a rootswap operation.
type Error struct {
	// Kind classifies the failure.
	Kind Kind

	// Op names the operation that failed (e.g., "sysroot.open",
	// "treestore.checkout").
	Op string

	// Err is the underlying cause. May be nil when the message in Op
	// and Kind is the whole story.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf returns an *Error of the given kind whose cause is built from
// a format string. %w verbs in format are honored.
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// Unknown when there is none.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Unknown
}

// Is reports whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
