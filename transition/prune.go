// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"context"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/rootswap/lib/failure"
	"github.com/bureau-foundation/rootswap/sysroot"
)

// Prune removes Stale deployments beyond the retention policy and
// deletes trees no longer pinned by anything. Current, Rollback,
// pinned, and booted deployments are never removed. Running it twice
// in a row changes nothing the second time.
//
// The shrunk list is committed before any directory is removed, so a
// crash leaves orphans for recovery rather than listed deployments
// with missing content.
func (e *Engine) Prune(ctx context.Context) (*Result, error) {
	run := e.newRun("prune")

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

	var victims []sysroot.Deployment
	retained := 0
	for _, deployment := range state.Deployments {
		if deployment.Status != sysroot.StatusStale || deployment.Pinned || deployment.ID == state.Booted {
			continue
		}
		if retained < e.policy.RetainStale {
			retained++
			continue
		}
		victims = append(victims, deployment)
	}

	result := &Result{Operation: run.operation, Phase: Idle, Deployments: state.Deployments}
	if len(victims) > 0 {
		ids := make([]string, len(victims))
		for index, victim := range victims {
			ids[index] = victim.ID
		}
		next := state.Clone()
		next.Deployments = without(state.Deployments, ids...)

		run.enter(Committing)
		if err := e.commitWithBoot(ctx, transaction, state, next); err != nil {
			run.enter(Aborted)
			return nil, err
		}
		run.enter(Committed)
		result.Phase = Committed
		result.Deployments = next.Deployments
		result.Pruned = ids

		for _, victim := range victims {
			directory := e.sysroot.DeploymentDir(victim.ID)
			if err := e.composer.TeardownPath(filepath.Join(directory, stagingMountPoint)); err != nil {
				return result, err
			}
			if err := os.RemoveAll(directory); err != nil {
				return result, failure.Errorf(failure.IoFailure, run.operation, "removing %s: %w", victim.ID, err)
			}
			if err := e.trees.Unpin(victim.Tree, victim.ID); err != nil {
				return result, err
			}
			run.logger.Info("pruned deployment", "deployment", victim.ID, "tree", victim.Tree.Short())
		}
	}

	collected, err := e.trees.Collect()
	if err != nil {
		return result, err
	}
	result.CollectedTrees = collected
	result.Changed = len(result.Pruned) > 0 || len(collected) > 0
	if result.Changed {
		run.logger.Info("prune complete", "deployments", len(result.Pruned), "trees", len(collected))
	}
	return result, nil
}

// Pin sets or clears a deployment's pinned flag. Pinned deployments
// survive prune even when Stale.
func (e *Engine) Pin(ctx context.Context, id string, pinned bool) (*Result, error) {
	operation := "pin"
	if !pinned {
		operation = "unpin"
	}
	run := e.newRun(operation)

	transaction, err := e.sysroot.BeginTransaction(operation)
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

	deployment, index, found := state.Find(id)
	if !found {
		return nil, failure.Errorf(failure.NotFound, operation, "no deployment %s", id)
	}
	if deployment.Pinned == pinned {
		return &Result{Operation: operation, Phase: Idle, Deployment: &deployment, Deployments: state.Deployments}, nil
	}

	next := state.Clone()
	next.Deployments[index].Pinned = pinned
	run.enter(Committing)
	if err := transaction.Commit(next); err != nil {
		run.enter(Aborted)
		return nil, err
	}
	run.enter(Committed)
	run.logger.Info("deployment pin changed", "deployment", id, "pinned", pinned)
	return &Result{
		Operation:   operation,
		Changed:     true,
		Phase:       Committed,
		Deployment:  &next.Deployments[index],
		Deployments: next.Deployments,
	}, nil
}
