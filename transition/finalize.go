// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"context"
	"time"

	"github.com/bureau-foundation/rootswap/bootmeta"
	"github.com/bureau-foundation/rootswap/lib/bootcheck"
	"github.com/bureau-foundation/rootswap/lib/failure"
	"github.com/bureau-foundation/rootswap/sysroot"
)

// bootCheckLifetime bounds how old a pending boot check may be and
// still be compared against the booted deployment.
const bootCheckLifetime = 90 * 24 * time.Hour

// Finalize confirms the running boot. It records which deployment
// booted and settles the pending boot check: when the machine came up
// on the previous deployment instead of the new one, the new one is
// demoted to Stale and the booted one becomes Current again.
//
// An empty bootedID is read from the kernel command line.
func (e *Engine) Finalize(ctx context.Context, bootedID string) (*Result, error) {
	run := e.newRun("finalize")

	if bootedID == "" {
		id, found, err := bootmeta.ReadBootedDeployment(e.cmdlinePath)
		if err != nil {
			return nil, failure.New(failure.IoFailure, run.operation, err)
		}
		if !found {
			return nil, failure.Errorf(failure.NotFound, run.operation, "kernel command line has no %s argument", bootmeta.DeploymentArgument)
		}
		bootedID = id
	}

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

	booted, _, found := state.Find(bootedID)
	if !found {
		return nil, failure.Errorf(failure.NotFound, run.operation, "booted deployment %s is not in the deployment list", bootedID)
	}

	pending, hasPending, checkErr := bootcheck.Check(e.sysroot.BootCheckPath(), bootCheckLifetime, e.clock.Now())
	if checkErr != nil {
		// An unreadable record cannot be settled; record the boot and
		// drop it.
		run.logger.Warn("discarding unreadable boot check", "error", checkErr)
	}

	next := state.Clone()
	next.Booted = booted.ID
	outcome := ""
	if hasPending {
		result := bootcheck.Evaluate(pending, booted.ID)
		outcome = result.String()
		if result == bootcheck.FellBack {
			next.Deployments = fallBack(booted, pending.NewDeployment, state.Deployments, e.policy.RollbackSlots)
			run.logger.Warn("new deployment failed to boot; restored the previous one",
				"failed", pending.NewDeployment,
				"booted", booted.ID,
			)
		}
	}

	changed := next.Booted != state.Booted || !sameIDs(next.Deployments, state.Deployments)
	if changed {
		run.enter(Committing)
		if err := e.commitWithBoot(ctx, transaction, state, next); err != nil {
			run.enter(Aborted)
			return nil, err
		}
		run.enter(Committed)
	}
	if hasPending || checkErr != nil {
		if clearErr := bootcheck.Clear(e.sysroot.BootCheckPath()); clearErr != nil {
			run.logger.Warn("clearing boot check", "error", clearErr)
		}
	}

	finalized, _, _ := next.Find(booted.ID)
	run.logger.Info("boot finalized", "booted", booted.ID, "outcome", outcome, "changed", changed)
	return &Result{
		Operation:   run.operation,
		Changed:     changed,
		Phase:       run.phase,
		Deployment:  &finalized,
		Deployments: next.Deployments,
		Outcome:     outcome,
	}, nil
}

// fallBack builds the order after a failed boot: booted is Current
// and the deployment that failed is the first Stale one, so it is the
// first to be pruned and is never booted again by default.
func fallBack(booted sysroot.Deployment, failed string, deployments []sysroot.Deployment, rollbackSlots int) []sysroot.Deployment {
	order := arrange(booted, without(deployments, failed), rollbackSlots)
	failedDeployment, _, found := (&sysroot.State{Deployments: deployments}).Find(failed)
	if !found || failed == booted.ID {
		return order
	}
	failedDeployment.Status = sysroot.StatusStale
	staleStart := len(order)
	for index, deployment := range order {
		if deployment.Status == sysroot.StatusStale {
			staleStart = index
			break
		}
	}
	order = append(order[:staleStart], append([]sysroot.Deployment{failedDeployment}, order[staleStart:]...)...)
	return order
}
