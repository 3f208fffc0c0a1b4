// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"context"
	"slices"

	"github.com/bureau-foundation/rootswap/bootmeta"
	"github.com/bureau-foundation/rootswap/lib/failure"
	"github.com/bureau-foundation/rootswap/sysroot"
)

// bootEntries builds the boot order for a deployment list.
func (e *Engine) bootEntries(deployments []sysroot.Deployment) ([]bootmeta.Entry, error) {
	var entries []bootmeta.Entry
	for _, deployment := range bootable(deployments) {
		kernel, initramfs, err := bootmeta.FindKernel(e.trees.ObjectPath(deployment.Tree))
		if err != nil {
			return nil, failure.Errorf(failure.CommitFailure, "boot", "deployment %s: %w", deployment.ID, err)
		}
		entries = append(entries, bootmeta.Entry{
			DeploymentID: deployment.ID,
			Title:        e.title,
			Kernel:       kernel,
			Initramfs:    initramfs,
			TreeKey:      deployment.Tree.Short(),
			Options:      slices.Clone(deployment.KernelArgs),
		})
	}
	return entries, nil
}

// writeBoot writes the boot order for deployments.
func (e *Engine) writeBoot(ctx context.Context, deployments []sysroot.Deployment) error {
	entries, err := e.bootEntries(deployments)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := e.boot.WriteBootOrder(ctx, entries); err != nil {
		return failure.Errorf(failure.CommitFailure, "boot", "writing boot order: %w", err)
	}
	return nil
}

// bootInSync reports whether the boot metadata lists exactly the
// bootable deployments of state, in order.
func (e *Engine) bootInSync(ctx context.Context, state *sysroot.State) (bool, error) {
	order, err := e.boot.ReadBootOrder(ctx)
	if err != nil {
		return false, err
	}
	var want []string
	for _, deployment := range bootable(state.Deployments) {
		want = append(want, deployment.ID)
	}
	return slices.Equal(order, want), nil
}

// commitWithBoot writes the boot order for next and then commits it.
// If the commit fails, the boot order of previous is restored (best
// effort; recovery regenerates it from the list on the next
// transaction otherwise). A commit whose error came after the rename
// is detected by reloading and is treated as committed.
func (e *Engine) commitWithBoot(ctx context.Context, transaction *sysroot.Transaction, previous, next *sysroot.State) error {
	if err := e.writeBoot(ctx, next.Deployments); err != nil {
		return err
	}
	commitErr := transaction.Commit(next)
	if commitErr == nil {
		return nil
	}

	reloaded, loadErr := transaction.Load()
	if loadErr == nil && reloaded.Generation == previous.Generation+1 && sameIDs(reloaded.Deployments, next.Deployments) {
		e.logger.Warn("commit reported an error after the list was replaced; treating as committed", "error", commitErr)
		next.Generation = reloaded.Generation
		return nil
	}

	// The context may be what failed; restoring must not depend on it.
	if err := e.writeBoot(context.WithoutCancel(ctx), previous.Deployments); err != nil {
		e.logger.Error("restoring boot order after failed commit", "error", err)
	}
	return commitErr
}

func sameIDs(a, b []sysroot.Deployment) bool {
	return slices.EqualFunc(a, b, func(x, y sysroot.Deployment) bool {
		return x.ID == y.ID && x.Status == y.Status
	})
}
