// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"context"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/rootswap/lib/digest"
	"github.com/bureau-foundation/rootswap/lib/failure"
	"github.com/bureau-foundation/rootswap/sysroot"
)

// stagingMountPoint is where a staging or deployment directory's
// composed root is mounted.
const stagingMountPoint = "root"

// RecoveryReport describes what crash recovery repaired.
type RecoveryReport struct {
	// PreviousHolder is set when the lock was reclaimed from a holder
	// that died.
	PreviousHolder *sysroot.Lease `json:"previous_holder,omitempty"`

	// Orphans lists removed directories.
	Orphans []string `json:"orphans,omitempty"`

	// Temporaries counts removed temporary files and extractions.
	Temporaries int `json:"temporaries,omitempty"`

	// PinsAdded and PinsRemoved count tree store pin repairs.
	PinsAdded   int `json:"pins_added,omitempty"`
	PinsRemoved int `json:"pins_removed,omitempty"`

	// BootRegenerated is true when the boot metadata disagreed with
	// the list and was rewritten.
	BootRegenerated bool `json:"boot_regenerated,omitempty"`
}

// Repaired reports whether recovery changed anything.
func (r *RecoveryReport) Repaired() bool {
	return len(r.Orphans) > 0 || r.Temporaries > 0 || r.PinsAdded > 0 || r.PinsRemoved > 0 || r.BootRegenerated
}

// Recover takes the lock and runs crash recovery on its own.
func (e *Engine) Recover(ctx context.Context) (*RecoveryReport, error) {
	transaction, err := e.sysroot.BeginTransaction("recover")
	if err != nil {
		return nil, err
	}
	defer transaction.Release()
	state, err := transaction.Load()
	if err != nil {
		return nil, err
	}
	return e.recover(ctx, transaction, state)
}

// recover repairs whatever a crashed operation left behind. It must
// run under the lock, against the state loaded under that lock. The
// list is authoritative: everything else is made to agree with it.
func (e *Engine) recover(ctx context.Context, transaction *sysroot.Transaction, state *sysroot.State) (*RecoveryReport, error) {
	report := &RecoveryReport{PreviousHolder: transaction.RecoveredFrom()}

	removed, err := transaction.RemoveStaleTemporaries()
	if err != nil {
		return report, failure.New(failure.IoFailure, "recover", err)
	}
	report.Temporaries += removed
	removed, err = e.trees.RemoveAbandonedCheckouts()
	if err != nil {
		return report, err
	}
	report.Temporaries += removed

	orphans, err := e.sysroot.Orphans(state)
	if err != nil {
		return report, err
	}
	for _, orphan := range orphans {
		if err := e.composer.TeardownPath(filepath.Join(orphan.Path, stagingMountPoint)); err != nil {
			return report, err
		}
		if err := os.RemoveAll(orphan.Path); err != nil {
			return report, failure.Errorf(failure.IoFailure, "recover", "removing %s: %w", orphan, err)
		}
		report.Orphans = append(report.Orphans, orphan.String())
		e.logger.Warn("removed orphaned directory", "orphan", orphan.String())
	}

	// Stagings that survived the orphan pass belong to live processes
	// and keep their pins. A staging exists before its token pins
	// anything, so checking at reconcile time cannot miss one.
	stagingRoot := e.sysroot.StagingRoot()
	expected := make(map[digest.Digest][]string)
	for _, deployment := range state.Deployments {
		expected[deployment.Tree] = append(expected[deployment.Tree], deployment.ID)
	}
	report.PinsAdded, report.PinsRemoved, err = e.trees.Reconcile(expected, func(holder string) bool {
		_, err := os.Stat(filepath.Join(stagingRoot, holder))
		return err == nil
	})
	if err != nil {
		return report, err
	}

	if state.Initialized() {
		inSync, err := e.bootInSync(ctx, state)
		if err != nil {
			e.logger.Warn("boot metadata unreadable, regenerating", "error", err)
		}
		if !inSync {
			if err := e.writeBoot(ctx, state.Deployments); err != nil {
				return report, err
			}
			report.BootRegenerated = true
			e.logger.Warn("boot metadata disagreed with the deployment list and was regenerated")
		}
	}

	if report.Repaired() || report.PreviousHolder != nil {
		attributes := []any{
			"orphans", len(report.Orphans),
			"temporaries", report.Temporaries,
			"pins_added", report.PinsAdded,
			"pins_removed", report.PinsRemoved,
			"boot_regenerated", report.BootRegenerated,
		}
		if report.PreviousHolder != nil {
			attributes = append(attributes, "previous_holder", report.PreviousHolder.String())
		}
		e.logger.Info("crash recovery complete", attributes...)
	}
	return report, nil
}
