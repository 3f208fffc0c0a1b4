// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/rootswap/cmd/rootswap/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := root().Execute(ctx, os.Args[1:])
	stop()

	// Commands that print their own output return a cli.ExitError
	// with the desired code. Don't print a redundant "error:" line
	// for those.
	code, printError := cli.ExitCode(err)
	if printError {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(code)
}
