// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/rootswap/sysroot"
)

func TestRecoverCleanSysroot(t *testing.T) {
	env := newTestEnvironment(t, DefaultPolicy())
	env.deploy(t, "a")
	report, err := env.engine.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.Repaired() {
		t.Errorf("recovery repaired a clean sysroot: %+v", report)
	}
}

func TestRecoverRemovesUncommittedDeployment(t *testing.T) {
	env := newTestEnvironment(t, DefaultPolicy())
	env.deploy(t, "a")

	// An upgrade that died after moving its staging into place but
	// before committing the list.
	reference, tree := env.image(t, "b")
	orphan := sysroot.FormatID(tree, 2)
	if _, err := env.trees.Checkout(context.Background(), reference, orphan); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(env.sysroot.DeploymentDir(orphan), etcUpperDir), 0o755); err != nil {
		t.Fatal(err)
	}

	report, err := env.engine.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(report.Orphans) != 1 || report.PinsRemoved != 1 {
		t.Errorf("report = %+v, want one orphan and one pin removed", report)
	}
	env.checkConsistent(t)
}

func TestRecoverRemovesAbandonedStaging(t *testing.T) {
	env := newTestEnvironment(t, DefaultPolicy())
	env.deploy(t, "a")

	// A staging whose process died mid-composition: no live owner,
	// a pinned tree, and its base still mounted.
	token := "6f1c8a52-5d0e-4d4b-9b73-0a4e3c0b9e11"
	staging := filepath.Join(env.sysroot.StagingRoot(), token)
	if err := os.MkdirAll(filepath.Join(staging, stagingMountPoint), 0o755); err != nil {
		t.Fatal(err)
	}
	reference, tree := env.image(t, "b")
	if _, err := env.trees.Checkout(context.Background(), reference, token); err != nil {
		t.Fatal(err)
	}
	if err := env.backend.Bind(env.trees.ObjectPath(tree), filepath.Join(staging, stagingMountPoint), true); err != nil {
		t.Fatal(err)
	}

	report, err := env.engine.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(report.Orphans) != 1 || report.PinsRemoved != 1 {
		t.Errorf("report = %+v, want one orphan and one pin removed", report)
	}
	env.checkConsistent(t)
}

func TestRecoverRestoresMissingPin(t *testing.T) {
	env := newTestEnvironment(t, DefaultPolicy())
	deployment := env.deploy(t, "a").Deployment
	if err := env.trees.Unpin(deployment.Tree, deployment.ID); err != nil {
		t.Fatal(err)
	}

	report, err := env.engine.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.PinsAdded != 1 {
		t.Errorf("PinsAdded = %d, want 1", report.PinsAdded)
	}
	env.checkConsistent(t)
}

func TestRecoverRegeneratesBootMetadata(t *testing.T) {
	env := newTestEnvironment(t, DefaultPolicy())
	env.deploy(t, "a")
	env.deploy(t, "b")

	// A commit that failed after writing the boot order of a list
	// that never became current.
	entries := env.boot.Entries()
	if err := env.boot.WriteBootOrder(context.Background(), entries[1:]); err != nil {
		t.Fatal(err)
	}

	report, err := env.engine.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !report.BootRegenerated {
		t.Error("boot metadata not regenerated")
	}
	env.checkConsistent(t)
}

func TestRecoverReportsDeadHolder(t *testing.T) {
	env := newTestEnvironment(t, DefaultPolicy())
	env.deploy(t, "a")
	lease := []byte(`{"holder":"dead","pid":-1,"hostname":"","operation":"upgrade","acquired_at":"2026-03-01T11:00:00Z"}` + "\n")
	if err := os.WriteFile(env.sysroot.LockPath(), lease, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := env.engine.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if report.PreviousHolder == nil || report.PreviousHolder.Operation != "upgrade" {
		t.Errorf("PreviousHolder = %+v", report.PreviousHolder)
	}
}

func TestUpgradeRecoversBeforeCommitting(t *testing.T) {
	env := newTestEnvironment(t, DefaultPolicy())
	env.deploy(t, "a")
	stale := filepath.Join(env.sysroot.DeployRoot(), "0123456789abcdef.9")
	if err := os.Mkdir(stale, 0o755); err != nil {
		t.Fatal(err)
	}

	env.deploy(t, "b")
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("upgrade left an orphaned deployment directory in place")
	}
	env.checkConsistent(t)
}
