// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"context"
	"path/filepath"

	"github.com/bureau-foundation/rootswap/bootmeta"
	"github.com/bureau-foundation/rootswap/compose"
	"github.com/bureau-foundation/rootswap/lib/bootcheck"
	"github.com/bureau-foundation/rootswap/lib/failure"
	"github.com/bureau-foundation/rootswap/sysroot"
	"github.com/bureau-foundation/rootswap/treestore"
)

// MountRoot composes a committed deployment and moves the composed
// root onto destination. An initramfs calls it before switching root.
// An empty id selects the deployment named on the kernel command
// line.
func (e *Engine) MountRoot(ctx context.Context, id, destination string) (*sysroot.Deployment, error) {
	const operation = "mount-root"
	if id == "" {
		booted, found, err := bootmeta.ReadBootedDeployment(e.cmdlinePath)
		if err != nil {
			return nil, failure.New(failure.IoFailure, operation, err)
		}
		if !found {
			return nil, failure.Errorf(failure.NotFound, operation, "no deployment given and kernel command line has no %s argument", bootmeta.DeploymentArgument)
		}
		id = booted
	}

	// The lock keeps prune from removing the deployment while it is
	// being mounted.
	transaction, err := e.sysroot.BeginTransaction(operation)
	if err != nil {
		return nil, err
	}
	defer transaction.Release()

	state, err := transaction.Load()
	if err != nil {
		return nil, err
	}
	deployment, _, found := state.Find(id)
	if !found {
		return nil, failure.Errorf(failure.NotFound, operation, "no deployment %s", id)
	}
	if !e.trees.Has(deployment.Tree) {
		return nil, failure.Errorf(failure.IntegrityFailure, operation, "tree %s of %s is missing from the tree store", deployment.Tree.Short(), id)
	}

	directory := e.sysroot.DeploymentDir(id)
	composed, err := e.composer.Compose(ctx, compose.Target{
		Name:       id,
		TreePath:   e.trees.ObjectPath(deployment.Tree),
		EtcUpper:   filepath.Join(directory, etcUpperDir),
		EtcWork:    filepath.Join(directory, etcWorkDir),
		VarDir:     e.sysroot.VarDir(),
		MountPoint: filepath.Join(directory, stagingMountPoint),
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.composer.Validate(composed); err != nil {
		e.composer.Teardown(composed)
		return nil, err
	}
	if err := e.composer.Promote(ctx, composed, compose.Live, destination); err != nil {
		e.composer.Teardown(composed)
		return nil, err
	}
	e.logger.Info("mounted deployment root", "deployment", id, "destination", destination)
	return &deployment, nil
}

// StatusReport is a lock-free snapshot of the sysroot.
type StatusReport struct {
	Generation  uint64               `json:"generation"`
	Booted      string               `json:"booted,omitempty"`
	Deployments []sysroot.Deployment `json:"deployments"`

	// PendingBootCheck is the transition the next finalize will
	// settle, if any.
	PendingBootCheck *bootcheck.State `json:"pending_boot_check,omitempty"`

	Trees []treestore.TreeInfo `json:"trees"`
}

// Status reads the committed state without taking the lock. It sees
// either the state before or after any concurrent commit, never a mix.
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	state, err := e.sysroot.Load()
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		Generation:  state.Generation,
		Booted:      state.Booted,
		Deployments: state.Deployments,
	}
	pending, found, err := bootcheck.Check(e.sysroot.BootCheckPath(), bootCheckLifetime, e.clock.Now())
	if err != nil {
		e.logger.Warn("reading boot check", "error", err)
	} else if found {
		report.PendingBootCheck = &pending
	}
	report.Trees, err = e.trees.Trees()
	if err != nil {
		return nil, err
	}
	return report, nil
}
