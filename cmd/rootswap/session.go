// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bureau-foundation/rootswap/bootmeta"
	"github.com/bureau-foundation/rootswap/cmd/rootswap/cli"
	"github.com/bureau-foundation/rootswap/compose"
	"github.com/bureau-foundation/rootswap/lib/clock"
	"github.com/bureau-foundation/rootswap/lib/config"
	"github.com/bureau-foundation/rootswap/lib/failure"
	"github.com/bureau-foundation/rootswap/sysroot"
	"github.com/bureau-foundation/rootswap/transition"
	"github.com/bureau-foundation/rootswap/treestore"
)

// Process-level collaborators. Tests replace them to run commands
// against a temporary sysroot without mount privileges.
var (
	stdout       io.Writer = os.Stdout
	processClock           = clock.Real()
	mountBackend           = func() compose.Backend { return compose.NewLinuxBackend() }
)

// Lock wait backoff bounds. The total wait is bounded by the
// configured lock.wait_timeout.
const (
	initialLockBackoff = time.Second
	maxLockBackoff     = 30 * time.Second
)

// commonParams are the flags shared by every command that opens the
// sysroot.
type commonParams struct {
	cli.JSONOutput
	Config  string `flag:"config" desc:"configuration file (default: $ROOTSWAP_CONFIG, else built-in defaults)"`
	Verbose bool   `flag:"verbose,v" desc:"log every transition phase"`
}

// mutatingParams add lock waiting to commands that take the sysroot
// lock.
type mutatingParams struct {
	commonParams
	Wait bool `flag:"wait" desc:"retry while another operation holds the sysroot lock (up to lock.wait_timeout)"`
}

// session is an opened sysroot and the engine over it.
type session struct {
	config *config.Config
	engine *transition.Engine
	logger *slog.Logger
}

// open resolves configuration and wires the engine's collaborators.
func (p *commonParams) open(command string) (*session, error) {
	cfg, err := config.Resolve(p.Config)
	if err != nil {
		return nil, err
	}
	logger := cli.NewCommandLogger(p.Verbose).With(
		"command", command,
		"sysroot", cfg.Paths.Sysroot,
	)

	root, err := sysroot.Open(cfg.Paths.Sysroot, sysroot.Options{Logger: logger, Clock: processClock})
	if err != nil {
		return nil, err
	}
	fetcher, err := treestore.NewArchiveFetcher(cfg.TreeStore.AgeIdentityFile)
	if err != nil {
		return nil, err
	}
	trees, err := treestore.Open(root.TreesDir(), treestore.Options{Fetcher: fetcher, Logger: logger})
	if err != nil {
		return nil, err
	}
	composer := compose.NewEngine(compose.Options{
		Backend: mountBackend(),
		Policy: compose.Policy{
			RequiredPaths: cfg.Validation.RequiredPaths,
			RequireKernel: cfg.Validation.RequireKernel,
			InitPaths:     cfg.Validation.InitPaths,
		},
		Logger: logger,
	})
	engine, err := transition.New(transition.Config{
		Sysroot:  root,
		Trees:    trees,
		Composer: composer,
		Boot:     bootmeta.NewBLSWriter(cfg.Paths.Boot, logger),
		Policy: transition.Policy{
			RollbackSlots: cfg.Retention.RollbackSlots,
			RetainStale:   cfg.Retention.Stale,
		},
		KernelArgs:  cfg.Boot.KernelArgs,
		Title:       cfg.Boot.Title,
		CmdlinePath: cfg.Paths.Cmdline,
		Clock:       processClock,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &session{config: cfg, engine: engine, logger: logger}, nil
}

// run opens a session and runs operation, retrying lock contention
// when --wait is set, then reports the result.
func (p *mutatingParams) run(ctx context.Context, command string, operation func(context.Context, *transition.Engine) (*transition.Result, error)) error {
	session, err := p.open(command)
	if err != nil {
		return err
	}
	var result *transition.Result
	err = waitForLock(ctx, session, p.Wait, func() error {
		var err error
		result, err = operation(ctx, session.engine)
		return err
	})
	if err != nil {
		return err
	}
	if done, err := p.EmitJSON(stdout, result); done {
		return err
	}
	return renderResult(stdout, result)
}

// waitForLock runs attempt, and while wait is set and attempt fails
// with lock contention, retries with exponential backoff until the
// configured wait timeout would be exceeded.
func waitForLock(ctx context.Context, session *session, wait bool, attempt func() error) error {
	if !wait {
		return attempt()
	}
	deadline := processClock.Now().Add(session.config.WaitTimeout())
	backoff := initialLockBackoff
	for {
		err := attempt()
		if !failure.Is(err, failure.LockContention) {
			return err
		}
		if processClock.Now().Add(backoff).After(deadline) {
			return err
		}
		session.logger.Info("sysroot locked, waiting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-processClock.After(backoff):
		}
		backoff = min(backoff*2, maxLockBackoff)
	}
}
