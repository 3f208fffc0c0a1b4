// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/spf13/pflag"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "rootswap",
		Subcommands: []*Command{
			{
				Name: "status",
				Run: func(context.Context, []string) error {
					called = "status"
					return nil
				},
			},
			{
				Name: "upgrade",
				Run: func(context.Context, []string) error {
					called = "upgrade"
					return nil
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"upgrade"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "upgrade" {
		t.Errorf("dispatched to %q, want %q", called, "upgrade")
	}
}

func TestCommand_Execute_FlagParsing(t *testing.T) {
	var deployment string
	var destination string

	command := &Command{
		Name: "mount-root",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("mount-root", pflag.ContinueOnError)
			flagSet.StringVar(&deployment, "deployment", "", "deployment id")
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if len(args) > 0 {
				destination = args[0]
			}
			return nil
		},
	}

	if err := command.Execute(context.Background(), []string{"--deployment", "3f9a1c2b7d4e8a10.2", "/sysroot.new"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if deployment != "3f9a1c2b7d4e8a10.2" {
		t.Errorf("deployment = %q, want %q", deployment, "3f9a1c2b7d4e8a10.2")
	}
	if destination != "/sysroot.new" {
		t.Errorf("destination = %q, want %q", destination, "/sysroot.new")
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	command := &Command{
		Name: "status",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			flagSet.Bool("json", false, "output as JSON")
			flagSet.String("config", "", "configuration file")
			return flagSet
		},
		Run: func(context.Context, []string) error { return nil },
	}

	err := command.Execute(context.Background(), []string{"--jsno"})
	if err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if !strings.Contains(err.Error(), "did you mean --json?") {
		t.Errorf("error = %q, want a --json suggestion", err)
	}
	var usage *UsageError
	if !errors.As(err, &usage) {
		t.Errorf("error is %T, want *UsageError", err)
	}
}

func TestCommand_Execute_UnknownCommandSuggestion(t *testing.T) {
	root := &Command{
		Name:   "rootswap",
		Output: &bytes.Buffer{},
		Subcommands: []*Command{
			{Name: "rollback", Run: func(context.Context, []string) error { return nil }},
			{Name: "finalize", Run: func(context.Context, []string) error { return nil }},
		},
	}

	err := root.Execute(context.Background(), []string{"rolback"})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !strings.Contains(err.Error(), `did you mean "rollback"?`) {
		t.Errorf("error = %q, want a rollback suggestion", err)
	}
	if code, _ := ExitCode(err); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}

func TestCommand_Execute_HelpDoesNotRun(t *testing.T) {
	var output bytes.Buffer
	ran := false
	var verbose bool
	root := &Command{
		Name:   "rootswap",
		Output: &output,
		Subcommands: []*Command{
			{
				Name:        "prune",
				Summary:     "Remove stale deployments",
				Description: "Remove stale deployments beyond the retention count.",
				Flags: func() *pflag.FlagSet {
					flagSet := pflag.NewFlagSet("prune", pflag.ContinueOnError)
					flagSet.BoolVar(&verbose, "verbose", false, "log every phase")
					return flagSet
				},
				Examples: []Example{{Description: "Prune now", Command: "rootswap prune"}},
				Run: func(context.Context, []string) error {
					ran = true
					return nil
				},
			},
		},
	}

	for _, args := range [][]string{{"prune", "--help"}, {"prune", "-h"}} {
		output.Reset()
		if err := root.Execute(context.Background(), args); err != nil {
			t.Fatalf("Execute(%v): %v", args, err)
		}
		help := output.String()
		for _, want := range []string{"retention count", "Usage:\n  rootswap prune [flags]", "--verbose", "# Prune now"} {
			if !strings.Contains(help, want) {
				t.Errorf("Execute(%v) help missing %q:\n%s", args, want, help)
			}
		}
	}
	if ran {
		t.Error("help flag ran the command")
	}
}

func TestCommand_Execute_RequiresSubcommand(t *testing.T) {
	var output bytes.Buffer
	root := &Command{
		Name:   "rootswap",
		Output: &output,
		Subcommands: []*Command{
			{Name: "status", Summary: "Show deployments", Run: func(context.Context, []string) error { return nil }},
		},
	}

	err := root.Execute(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error without a command")
	}
	if code, _ := ExitCode(err); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
	if !strings.Contains(output.String(), "status") || !strings.Contains(output.String(), "Show deployments") {
		t.Errorf("help output does not list subcommands:\n%s", output.String())
	}
}

func TestCommand_Execute_PassesContext(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "value")
	root := &Command{
		Name: "rootswap",
		Subcommands: []*Command{{
			Name: "status",
			Run: func(ctx context.Context, _ []string) error {
				if ctx.Value(key{}) != "value" {
					t.Error("Run did not receive the caller's context")
				}
				return nil
			},
		}},
	}
	if err := root.Execute(ctx, []string{"status"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}
