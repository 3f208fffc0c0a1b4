// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"context"
	"os"

	"github.com/bureau-foundation/rootswap/lib/failure"
)

// Rollback makes the highest-priority Rollback deployment Current. The
// previous Current takes the first Rollback slot, so a second rollback
// returns to where the first one started.
func (e *Engine) Rollback(ctx context.Context) (*Result, error) {
	run := e.newRun("rollback")

	transaction, err := e.sysroot.BeginTransaction(run.operation)
	if err != nil {
		return nil, err
	}
	defer transaction.Release()

	state, err := transaction.Load()
	if err != nil {
		return nil, err
	}
	if _, err := e.recover(ctx, transaction, state); err != nil {
		return nil, err
	}

	current, initialized := state.Current()
	if !initialized {
		return nil, failure.Errorf(failure.NoRollbackAvailable, run.operation, "sysroot has no deployments")
	}
	target, found := state.Rollback()
	if !found {
		return nil, failure.Errorf(failure.NoRollbackAvailable, run.operation, "no rollback deployment behind %s", current.ID)
	}
	if !e.trees.Has(target.Tree) {
		return nil, failure.Errorf(failure.IntegrityFailure, run.operation, "tree %s of %s is missing from the tree store", target.Tree.Short(), target.ID)
	}
	if _, err := os.Stat(e.sysroot.DeploymentDir(target.ID)); err != nil {
		return nil, failure.Errorf(failure.IntegrityFailure, run.operation, "deployment directory of %s: %w", target.ID, err)
	}

	run.enter(Committing)
	next := state.Clone()
	next.Deployments = arrange(target, state.Deployments, e.policy.RollbackSlots)
	if err := e.commitWithBoot(ctx, transaction, state, next); err != nil {
		run.enter(Aborted)
		return nil, err
	}
	run.enter(Committed)

	previous := state.Booted
	if previous == "" {
		previous = current.ID
	}
	e.recordBootCheck(run, previous, target.ID)

	run.logger.Info("rolled back", "from", current.ID, "to", target.ID, "generation", next.Generation)
	return &Result{
		Operation:   run.operation,
		Changed:     true,
		Phase:       Committed,
		Deployment:  &next.Deployments[0],
		Deployments: next.Deployments,
	}, nil
}
