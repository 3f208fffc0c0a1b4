// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/bureau-foundation/rootswap/cmd/rootswap/cli"
)

// root builds the rootswap command tree.
func root() *cli.Command {
	return &cli.Command{
		Name: "rootswap",
		Description: `rootswap: transactional deployments for image-based Linux systems.

Stage a new operating system tree next to the running one, validate it,
and make it the next boot target in one atomic step. The previous
deployment stays bootable for rollback.`,
		Subcommands: []*cli.Command{
			statusCommand(),
			upgradeCommand(),
			switchCommand(),
			rollbackCommand(),
			pruneCommand(),
			pinCommand("pin", true),
			pinCommand("unpin", false),
			finalizeCommand(),
			recoverCommand(),
			mountRootCommand(),
			versionCommand(),
		},
	}
}
