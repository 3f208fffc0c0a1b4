// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/rootswap/lib/failure"
)

// ExitError signals a non-zero exit code without printing an extra
// error message. When a command handler returns an ExitError, the CLI
// framework exits with the specified code without printing the error
// string: the command is expected to have already written its own
// output.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode returns the exit code. The CLI framework's main function
// checks for this interface on returned errors to distinguish
// "handled non-zero exit" from "unexpected error to display".
func (e *ExitError) ExitCode() int {
	return e.Code
}

// UsageError is a malformed invocation: an unknown command or flag, or
// the wrong number of arguments. It exits with [failure.ExitUsage].
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

// Usagef returns a [UsageError] with a formatted message.
func Usagef(format string, args ...any) error {
	return &UsageError{Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by [Command.Execute] to a process
// exit code, and reports whether the error should be printed.
func ExitCode(err error) (code int, printError bool) {
	if err == nil {
		return failure.ExitSuccess, false
	}
	var exitError *ExitError
	if errors.As(err, &exitError) {
		return exitError.Code, false
	}
	var usageError *UsageError
	if errors.As(err, &usageError) {
		return failure.ExitUsage, true
	}
	return failure.ExitCode(err), true
}
