// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/bureau-foundation/rootswap/compose"
	"github.com/bureau-foundation/rootswap/lib/atomicfile"
	"github.com/bureau-foundation/rootswap/lib/bootcheck"
	"github.com/bureau-foundation/rootswap/lib/failure"
	"github.com/bureau-foundation/rootswap/sysroot"
	"github.com/bureau-foundation/rootswap/treestore"
)

// Directory names inside a staging or deployment directory.
const (
	etcUpperDir = "etc"
	etcWorkDir  = "etc.work"
	ownerFile   = "owner.json"
)

// Upgrade deploys the newest content of reference, or of the current
// deployment's origin when reference is empty. When the resolved tree
// is the one the current deployment already runs, nothing changes.
func (e *Engine) Upgrade(ctx context.Context, reference string) (*Result, error) {
	return e.deploy(ctx, "upgrade", reference)
}

// Switch deploys reference and makes it the origin later upgrades
// follow. Switching to the current tree and origin changes nothing.
func (e *Engine) Switch(ctx context.Context, reference string) (*Result, error) {
	if reference == "" {
		return nil, failure.Errorf(failure.NotFound, "switch", "an image reference is required")
	}
	return e.deploy(ctx, "switch", reference)
}

// staged is the in-flight state of a staging transition, released by
// abort.
type staged struct {
	staging  *sysroot.Staging
	tree     *treestore.Tree
	composed *compose.Composed
}

func (e *Engine) deploy(ctx context.Context, operation, reference string) (*Result, error) {
	run := e.newRun(operation)

	state, err := e.sysroot.Load()
	if err != nil {
		return nil, err
	}
	current, initialized := state.Current()
	if reference == "" {
		if !initialized {
			return nil, failure.Errorf(failure.NotFound, operation, "sysroot has no deployment; an image reference is required")
		}
		reference = current.Origin
	}

	run.enter(Staging)
	work := &staged{}
	committed := false
	defer func() {
		if !committed {
			e.abort(run, work)
		}
	}()

	// The staging exists before the checkout so the tree's pin always
	// has a live holder that recovery can see.
	work.staging, err = e.sysroot.CreateStaging(operation)
	if err != nil {
		return nil, err
	}
	tree, err := e.trees.Checkout(ctx, reference, work.staging.Token)
	if err != nil {
		return nil, err
	}
	work.tree = &tree

	if initialized && e.unchanged(operation, current, tree, reference) {
		run.logger.Info("already running this tree", "deployment", current.ID, "tree", tree.Digest.Short())
		return &Result{Operation: operation, Phase: Idle, Deployment: &current, Deployments: state.Deployments}, nil
	}

	etcUpper := filepath.Join(work.staging.Path, etcUpperDir)
	if initialized {
		if err := compose.SeedEtc(filepath.Join(e.sysroot.DeploymentDir(current.ID), etcUpperDir), etcUpper); err != nil {
			return nil, failure.Errorf(failure.IoFailure, operation, "seeding etc from %s: %w", current.ID, err)
		}
	}
	work.composed, err = e.composer.Compose(ctx, compose.Target{
		Name:       work.staging.Token,
		TreePath:   tree.Path,
		EtcUpper:   etcUpper,
		EtcWork:    filepath.Join(work.staging.Path, etcWorkDir),
		VarDir:     e.sysroot.VarDir(),
		MountPoint: filepath.Join(work.staging.Path, stagingMountPoint),
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.composer.Validate(work.composed); err != nil {
		return nil, err
	}
	run.enter(Validated)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s cancelled before commit: %w", operation, err)
	}

	transaction, err := e.sysroot.BeginTransaction(operation)
	if err != nil {
		return nil, err
	}
	defer transaction.Release()

	locked, err := transaction.Load()
	if err != nil {
		return nil, err
	}
	if locked.Generation != state.Generation {
		run.logger.Info("deployment list changed since it was read", "read_generation", state.Generation, "locked_generation", locked.Generation)
	}
	if _, err := e.recover(ctx, transaction, locked); err != nil {
		return nil, err
	}
	lockedCurrent, lockedInitialized := locked.Current()
	if lockedInitialized && e.unchanged(operation, lockedCurrent, tree, reference) {
		run.logger.Info("another operation already deployed this tree", "deployment", lockedCurrent.ID)
		return &Result{Operation: operation, Phase: Idle, Deployment: &lockedCurrent, Deployments: locked.Deployments}, nil
	}

	run.enter(Committing)
	deployment := sysroot.Deployment{
		ID:         sysroot.FormatID(tree.Digest, locked.NextSerial),
		Serial:     locked.NextSerial,
		Tree:       tree.Digest,
		Origin:     reference,
		Status:     sysroot.StatusCurrent,
		KernelArgs: slices.Clone(e.kernelArgs),
		CreatedAt:  e.clock.Now().UTC(),
	}
	next := locked.Clone()
	next.NextSerial++
	next.Deployments = arrange(deployment, locked.Deployments, e.policy.RollbackSlots)

	// Release the staging mounts; the bootloader activates the
	// deployment, not this process.
	if err := e.composer.Promote(ctx, work.composed, compose.NextBoot, ""); err != nil {
		return nil, err
	}
	work.composed = nil

	directory := e.sysroot.DeploymentDir(deployment.ID)
	if err := os.Rename(work.staging.Path, directory); err != nil {
		return nil, failure.Errorf(failure.CommitFailure, operation, "moving staging into place: %w", err)
	}
	if err := atomicfile.SyncDirectory(e.sysroot.DeployRoot()); err != nil {
		os.Rename(directory, work.staging.Path)
		return nil, failure.New(failure.CommitFailure, operation, err)
	}
	os.Remove(filepath.Join(directory, ownerFile))
	// From here the directory is deploy/<id>; abort removes it there.
	work.staging.Path = directory

	// The deployment takes over the staging pin. Recovery drops it
	// again if the commit below never lands.
	if err := e.trees.Transfer(tree.Digest, work.staging.Token, deployment.ID); err != nil {
		return nil, err
	}
	if err := e.commitWithBoot(ctx, transaction, locked, next); err != nil {
		if transferErr := e.trees.Transfer(tree.Digest, deployment.ID, work.staging.Token); transferErr != nil {
			run.logger.Warn("returning pin after failed commit", "error", transferErr)
		}
		return nil, err
	}
	committed = true
	run.enter(Committed)
	previous := locked.Booted
	if previous == "" && lockedInitialized {
		previous = lockedCurrent.ID
	}
	e.recordBootCheck(run, previous, deployment.ID)

	run.logger.Info("deployed",
		"deployment", deployment.ID,
		"reference", reference,
		"tree", tree.Digest.Short(),
		"reused_tree", tree.Reused,
		"generation", next.Generation,
	)
	return &Result{
		Operation:   operation,
		Changed:     true,
		Phase:       Committed,
		Deployment:  &next.Deployments[0],
		Deployments: next.Deployments,
	}, nil
}

// unchanged reports whether deploying tree from reference would
// reproduce current.
func (e *Engine) unchanged(operation string, current sysroot.Deployment, tree treestore.Tree, reference string) bool {
	if current.Tree != tree.Digest {
		return false
	}
	return operation == "upgrade" || current.Origin == reference
}

// abort releases everything a failed staging transition acquired. The
// committed state was never touched.
func (e *Engine) abort(run *run, work *staged) {
	if run.phase != Idle {
		run.enter(Aborted)
	}
	if work.composed != nil {
		if err := e.composer.Teardown(work.composed); err != nil {
			run.logger.Warn("tearing down staged composition", "error", err)
		}
	}
	if work.tree != nil && work.staging != nil {
		if err := e.trees.Unpin(work.tree.Digest, work.staging.Token); err != nil {
			run.logger.Warn("releasing staged tree", "error", err)
		}
	}
	if work.staging != nil {
		if err := os.RemoveAll(work.staging.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			run.logger.Warn("removing staging", "path", work.staging.Path, "error", err)
		}
	}
}

// recordBootCheck notes the pending transition so the next boot's
// finalize can tell whether the new deployment booted.
func (e *Engine) recordBootCheck(run *run, previous, next string) {
	err := bootcheck.Write(e.sysroot.BootCheckPath(), bootcheck.State{
		PreviousDeployment: previous,
		NewDeployment:      next,
		Operation:          run.operation,
		Timestamp:          e.clock.Now().UTC(),
	})
	if err != nil {
		// The commit stands; finalize then treats the next boot as
		// unrelated instead of detecting a fallback.
		run.logger.Warn("recording boot check", "error", err)
	}
}
