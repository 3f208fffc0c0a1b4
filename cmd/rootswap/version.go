// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/rootswap/cmd/rootswap/cli"
	"github.com/bureau-foundation/rootswap/lib/version"
	"github.com/spf13/pflag"
)

type versionParams struct {
	cli.JSONOutput
}

type versionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Binary  string `json:"binary,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

func versionCommand() *cli.Command {
	var params versionParams
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Description: `Print the build version and the BLAKE3 digest of the running binary.
The digest identifies the exact build independently of its version
string.`,
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("version", &params)
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) != 0 {
				return cli.Usagef("version takes no arguments")
			}
			info := versionInfo{Version: version.Short(), Commit: version.Commit()}
			sum, binary, digestErr := version.SelfDigest()
			if digestErr == nil {
				info.Binary, info.Digest = binary, sum.String()
			}
			if done, err := params.EmitJSON(stdout, info); done {
				return err
			}
			fmt.Fprintf(stdout, "rootswap %s\n", version.Full())
			if digestErr != nil {
				fmt.Fprintf(stdout, "  Binary: %v\n", digestErr)
			} else {
				fmt.Fprintf(stdout, "  Binary: %s\n  Digest: %s\n", info.Binary, info.Digest)
			}
			return nil
		},
	}
}
