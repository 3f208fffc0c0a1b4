// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/bureau-foundation/rootswap/cmd/rootswap/cli"
	"github.com/spf13/pflag"
)

func statusCommand() *cli.Command {
	var params commonParams
	return &cli.Command{
		Name:    "status",
		Summary: "Show deployments and the pending boot check",
		Description: `Show the committed deployment list in boot order, which deployment
is running, any boot check waiting for finalize, and the trees in the
tree store with the deployments holding them.

Status reads the committed state without taking the sysroot lock, so
it works while another operation is running and never blocks one.`,
		Usage: "rootswap status [flags]",
		Examples: []cli.Example{
			{
				Description: "Machine-readable status for a fleet agent",
				Command:     "rootswap status --json",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("status", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("status takes no arguments")
			}
			session, err := params.open("status")
			if err != nil {
				return err
			}
			report, err := session.engine.Status(ctx)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(stdout, report); done {
				return err
			}
			return renderStatus(stdout, report, processClock.Now())
		},
	}
}
