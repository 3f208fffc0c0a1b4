// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/bureau-foundation/rootswap/cmd/rootswap/cli"
	"github.com/bureau-foundation/rootswap/transition"
	"github.com/spf13/pflag"
)

func upgradeCommand() *cli.Command {
	var params mutatingParams
	return &cli.Command{
		Name:    "upgrade",
		Summary: "Deploy the latest tree for the current origin",
		Description: `Fetch the tree named by ref (default: the origin of the current
deployment), stage and validate it, and commit it as the next boot
target. Nothing happens when the tree is already the current one.

The running system is not touched: the new deployment takes effect at
the next boot, and the current deployment becomes a rollback target.`,
		Usage: "rootswap upgrade [ref] [flags]",
		Examples: []cli.Example{
			{
				Description: "Upgrade to whatever the current origin now points at",
				Command:     "rootswap upgrade",
			},
			{
				Description: "Upgrade from a verified archive, waiting for a concurrent operation",
				Command:     "rootswap upgrade --wait /var/images/os-42.tar.zst@blake3:3f9a...",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("upgrade", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 1 {
				return cli.Usagef("upgrade takes at most one reference, got %d arguments", len(args))
			}
			var reference string
			if len(args) == 1 {
				reference = args[0]
			}
			return params.run(ctx, "upgrade", func(ctx context.Context, engine *transition.Engine) (*transition.Result, error) {
				return engine.Upgrade(ctx, reference)
			})
		},
	}
}

func switchCommand() *cli.Command {
	var params mutatingParams
	return &cli.Command{
		Name:    "switch",
		Summary: "Deploy a tree from a different origin",
		Description: `Fetch the tree named by ref and deploy it like upgrade, recording ref
as the new origin for future upgrades. Switching to the running tree
under a new origin still creates a deployment so the origin change is
committed.`,
		Usage: "rootswap switch <ref> [flags]",
		Examples: []cli.Example{
			{
				Description: "Move to the testing channel",
				Command:     "rootswap switch /var/images/testing/os.tar.zst",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("switch", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return cli.Usagef("switch requires exactly one reference")
			}
			return params.run(ctx, "switch", func(ctx context.Context, engine *transition.Engine) (*transition.Result, error) {
				return engine.Switch(ctx, args[0])
			})
		},
	}
}

func rollbackCommand() *cli.Command {
	var params mutatingParams
	return &cli.Command{
		Name:    "rollback",
		Summary: "Make the rollback deployment the next boot target",
		Description: `Swap the current deployment with the first rollback deployment.
The previously current deployment becomes the rollback, so running
rollback twice returns to where you started.

Exits 8 when there is no rollback deployment.`,
		Usage: "rootswap rollback [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("rollback", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("rollback takes no arguments")
			}
			return params.run(ctx, "rollback", func(ctx context.Context, engine *transition.Engine) (*transition.Result, error) {
				return engine.Rollback(ctx)
			})
		},
	}
}
