// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger creates a structured logger for CLI command operations.
// When stderr is a terminal, uses slog.TextHandler for human-readable output.
// When stderr is piped or redirected (initramfs, systemd units, scripts),
// uses slog.JSONHandler for machine-parseable output.
//
// verbose lowers the level from Info to Debug, which includes every
// transition phase change.
//
// Callers scope the logger with command-specific context via With():
//
//	logger := cli.NewCommandLogger(params.Verbose).With(
//	    "command", "upgrade",
//	    "sysroot", cfg.Paths.Sysroot,
//	)
func NewCommandLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
