// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package failure

// Exit codes returned by the rootswap CLI. These are part of the
// command-line contract that scripts depend on; do not renumber.
const (
	ExitSuccess             = 0
	ExitGeneric             = 1
	ExitUsage               = 2
	ExitLockContention      = 3
	ExitNotFound            = 4
	ExitIntegrityFailure    = 5
	ExitCorruptState        = 6
	ExitValidationFailure   = 7
	ExitNoRollbackAvailable = 8
	ExitCommitFailure       = 9
)

// ExitCode maps err to the CLI exit code for its kind. A nil error maps
// to ExitSuccess; unclassified errors map to ExitGeneric.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case LockContention:
		return ExitLockContention
	case NotFound:
		return ExitNotFound
	case IntegrityFailure:
		return ExitIntegrityFailure
	case CorruptState:
		return ExitCorruptState
	case ValidationFailure:
		return ExitValidationFailure
	case NoRollbackAvailable:
		return ExitNoRollbackAvailable
	case CommitFailure:
		return ExitCommitFailure
	default:
		return ExitGeneric
	}
}
