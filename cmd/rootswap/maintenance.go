// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/rootswap/cmd/rootswap/cli"
	"github.com/bureau-foundation/rootswap/transition"
	"github.com/spf13/pflag"
)

func pruneCommand() *cli.Command {
	var params mutatingParams
	return &cli.Command{
		Name:    "prune",
		Summary: "Remove stale deployments and unreferenced trees",
		Description: `Remove Stale deployments beyond retention.stale, skipping pinned
deployments and the booted one, then delete trees no deployment
references. Running prune twice in a row changes nothing the second
time.`,
		Usage: "rootswap prune [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("prune", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("prune takes no arguments")
			}
			return params.run(ctx, "prune", func(ctx context.Context, engine *transition.Engine) (*transition.Result, error) {
				return engine.Prune(ctx)
			})
		},
	}
}

func pinCommand(name string, pinned bool) *cli.Command {
	var params mutatingParams
	summary := "Protect a deployment from prune"
	description := `Mark a deployment pinned. Pinned deployments are never pruned, even
after they become Stale.`
	if !pinned {
		summary = "Allow prune to remove a deployment again"
		description = `Clear a deployment's pin. It is pruned normally once it is Stale and
beyond retention.`
	}
	return &cli.Command{
		Name:        name,
		Summary:     summary,
		Description: description,
		Usage:       fmt.Sprintf("rootswap %s <id> [flags]", name),
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams(name, &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return cli.Usagef("%s requires exactly one deployment id", name)
			}
			return params.run(ctx, name, func(ctx context.Context, engine *transition.Engine) (*transition.Result, error) {
				return engine.Pin(ctx, args[0], pinned)
			})
		},
	}
}

type finalizeParams struct {
	mutatingParams
	Deployment string `flag:"deployment" desc:"booted deployment id (default: read from the kernel command line)"`
}

func finalizeCommand() *cli.Command {
	var params finalizeParams
	return &cli.Command{
		Name:    "finalize",
		Summary: "Confirm the running boot",
		Description: `Record which deployment the machine booted and settle the pending
boot check. When the machine fell back to the previous deployment, the
deployment that failed to boot is demoted to Stale and the running one
becomes Current again.

Run once per boot, after the system is up.`,
		Usage: "rootswap finalize [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("finalize", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("finalize takes no arguments")
			}
			return params.run(ctx, "finalize", func(ctx context.Context, engine *transition.Engine) (*transition.Result, error) {
				return engine.Finalize(ctx, params.Deployment)
			})
		},
	}
}

func recoverCommand() *cli.Command {
	var params mutatingParams
	return &cli.Command{
		Name:    "recover",
		Summary: "Repair what an interrupted operation left behind",
		Description: `Take the sysroot lock and run crash recovery: remove uncommitted
deployment directories and abandoned staging areas, reconcile tree
pins with the deployment list, and rewrite the boot entries if they
disagree with it. Every mutating command does this on its own; this
command runs it explicitly.`,
		Usage: "rootswap recover [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("recover", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("recover takes no arguments")
			}
			session, err := params.open("recover")
			if err != nil {
				return err
			}
			var report *transition.RecoveryReport
			err = waitForLock(ctx, session, params.Wait, func() error {
				var err error
				report, err = session.engine.Recover(ctx)
				return err
			})
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(stdout, report); done {
				return err
			}
			return renderRecovery(stdout, report)
		},
	}
}

type mountRootParams struct {
	mutatingParams
	Deployment string `flag:"deployment" desc:"deployment to mount (default: read from the kernel command line)"`
}

func mountRootCommand() *cli.Command {
	var params mountRootParams
	return &cli.Command{
		Name:    "mount-root",
		Summary: "Compose a deployment and mount it as the new root",
		Description: `Compose the deployment's tree, /etc, and the shared /var, validate
the result, and move it onto destination. An initramfs runs this
before switching root into destination.`,
		Usage: "rootswap mount-root [flags] <destination>",
		Examples: []cli.Example{
			{
				Description: "Mount the deployment named on the kernel command line",
				Command:     "rootswap mount-root /sysroot.new",
			},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("mount-root", &params)
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return cli.Usagef("mount-root requires exactly one destination")
			}
			destination := args[0]
			return params.run(ctx, "mount-root", func(ctx context.Context, engine *transition.Engine) (*transition.Result, error) {
				deployment, err := engine.MountRoot(ctx, params.Deployment, destination)
				if err != nil {
					return nil, err
				}
				return &transition.Result{Operation: "mount-root", Changed: true, Deployment: deployment}, nil
			})
		},
	}
}
