// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rootswap/lib/atomicfile"
	"github.com/bureau-foundation/rootswap/lib/clock"
	"github.com/bureau-foundation/rootswap/lib/digest"
	"github.com/bureau-foundation/rootswap/lib/failure"
)

var testTime = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

func openTestSysroot(t *testing.T) *Sysroot {
	t.Helper()
	root, err := Open(t.TempDir(), Options{Clock: clock.Fake(testTime)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return root
}

func testDeployment(serial uint64, status Status, content string) Deployment {
	tree := digest.Sum([]byte(content))
	return Deployment{
		ID:        FormatID(tree, serial),
		Serial:    serial,
		Tree:      tree,
		Origin:    "/images/" + content + ".tar",
		Status:    status,
		CreatedAt: testTime,
	}
}

func commitState(t *testing.T, root *Sysroot, state *State) {
	t.Helper()
	transaction, err := root.BeginTransaction("test")
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	defer transaction.Release()
	if err := transaction.Commit(state); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func TestOpenCreatesLayout(t *testing.T) {
	root := openTestSysroot(t)
	for _, path := range []string{root.DeployRoot(), root.StagingRoot(), root.TreesDir(), root.VarDir(), filepath.Dir(root.StatePath())} {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", path, err)
		}
	}

	deployments, err := root.ListDeployments()
	if err != nil {
		t.Fatal(err)
	}
	if len(deployments) != 0 {
		t.Errorf("fresh sysroot has %d deployments", len(deployments))
	}
}

func TestCommitAndList(t *testing.T) {
	root := openTestSysroot(t)

	state := NewState()
	state.Deployments = []Deployment{
		testDeployment(2, StatusCurrent, "b"),
		testDeployment(1, StatusRollback, "a"),
	}
	state.NextSerial = 3
	commitState(t, root, state)

	if state.Generation != 1 {
		t.Errorf("generation after first commit = %d, want 1", state.Generation)
	}

	deployments, err := root.ListDeployments()
	if err != nil {
		t.Fatal(err)
	}
	if len(deployments) != 2 {
		t.Fatalf("listed %d deployments, want 2", len(deployments))
	}
	if deployments[0].ID != state.Deployments[0].ID || deployments[0].Status != StatusCurrent {
		t.Errorf("deployment 0 = %+v", deployments[0])
	}
	if deployments[1].Status != StatusRollback {
		t.Errorf("deployment 1 status = %s, want rollback", deployments[1].Status)
	}

	// A second handle sees the same committed state.
	reopened, err := Open(root.Root(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := reopened.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Generation != 1 || loaded.NextSerial != 3 {
		t.Errorf("reopened generation=%d next_serial=%d", loaded.Generation, loaded.NextSerial)
	}
}

func TestCommitRejectsInvalidState(t *testing.T) {
	root := openTestSysroot(t)
	state := NewState()
	state.NextSerial = 3
	state.Deployments = []Deployment{
		testDeployment(1, StatusCurrent, "a"),
		testDeployment(2, StatusCurrent, "b"),
	}

	transaction, err := root.BeginTransaction("test")
	if err != nil {
		t.Fatal(err)
	}
	defer transaction.Release()

	err = transaction.Commit(state)
	if !failure.Is(err, failure.CommitFailure) {
		t.Fatalf("Commit(two current) = %v, want commit failure", err)
	}
	if _, statErr := os.Stat(root.StatePath()); !os.IsNotExist(statErr) {
		t.Error("invalid state was written to disk")
	}
}

func TestOpenCorruptState(t *testing.T) {
	directory := t.TempDir()
	if err := os.MkdirAll(filepath.Join(directory, stateDir), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"unparseable", "{deployments: ["},
		{"wrong version", `{"format_version": 99, "next_serial": 1, "deployments": []}`},
		{"no current", `{"format_version": 1, "next_serial": 2, "deployments": [{"id": "x", "serial": 1, "status": "stale"}]}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(directory, stateDir, stateFile)
			if err := os.WriteFile(path, []byte(test.content), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := Open(directory, Options{})
			if !failure.Is(err, failure.CorruptState) {
				t.Errorf("Open = %v, want corrupt state", err)
			}
		})
	}
}

func TestBeginTransactionContention(t *testing.T) {
	root := openTestSysroot(t)

	first, err := root.BeginTransaction("upgrade")
	if err != nil {
		t.Fatal(err)
	}

	_, err = root.BeginTransaction("prune")
	if !failure.Is(err, failure.LockContention) {
		t.Fatalf("second BeginTransaction = %v, want lock contention", err)
	}
	var contention *LockContentionError
	if !errors.As(err, &contention) {
		t.Fatalf("error %v does not carry LockContentionError", err)
	}
	if contention.Holder == nil || contention.Holder.Operation != "upgrade" || contention.Holder.PID != os.Getpid() {
		t.Errorf("holder = %+v, want upgrade by this process", contention.Holder)
	}
	if !strings.Contains(err.Error(), "upgrade by pid") {
		t.Errorf("error message %q does not name the holder", err)
	}

	if err := first.Release(); err != nil {
		t.Fatal(err)
	}
	if err := first.Release(); err != nil {
		t.Errorf("second Release: %v", err)
	}

	second, err := root.BeginTransaction("prune")
	if err != nil {
		t.Fatalf("BeginTransaction after release: %v", err)
	}
	defer second.Release()
	if second.RecoveredFrom() != nil {
		t.Error("clean release reported as a crashed holder")
	}
}

func TestBeginTransactionReclaimsDeadHolder(t *testing.T) {
	root := openTestSysroot(t)

	// A holder that died leaves its lease record behind; the kernel
	// has already dropped its flock.
	dead := Lease{Holder: "dead", PID: -1, Operation: "upgrade", AcquiredAt: testTime.Add(-time.Hour)}
	data, err := dead.marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(root.LockPath(), data, 0o644); err != nil {
		t.Fatal(err)
	}

	transaction, err := root.BeginTransaction("status-repair")
	if err != nil {
		t.Fatalf("BeginTransaction: %v", err)
	}
	defer transaction.Release()

	recovered := transaction.RecoveredFrom()
	if recovered == nil || recovered.Holder != "dead" {
		t.Fatalf("RecoveredFrom = %+v, want the dead lease", recovered)
	}
	if recovered.Alive() {
		t.Error("dead holder reported alive")
	}

	current, err := readLeaseFile(root.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	if current == nil || current.Holder != transaction.Lease().Holder {
		t.Errorf("lease record = %+v, want this transaction's lease", current)
	}
}

func TestReleaseClearsLease(t *testing.T) {
	root := openTestSysroot(t)
	transaction, err := root.BeginTransaction("upgrade")
	if err != nil {
		t.Fatal(err)
	}
	if err := transaction.Release(); err != nil {
		t.Fatal(err)
	}
	lease, err := readLeaseFile(root.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	if lease != nil {
		t.Errorf("lease record after release = %+v", lease)
	}
	if _, err := transaction.Load(); err == nil {
		t.Error("Load on a released transaction succeeded")
	}
}

func TestCommitInterruptedBeforeRename(t *testing.T) {
	root := openTestSysroot(t)
	before := NewState()
	before.NextSerial = 2
	before.Deployments = []Deployment{testDeployment(1, StatusCurrent, "a")}
	commitState(t, root, before)

	// Crash after the temporary file is written, before the rename.
	original := writeFile
	t.Cleanup(func() { writeFile = original })
	writeFile = func(path string, data []byte) error {
		temporary := filepath.Join(filepath.Dir(path), ".atomic-deployments.json-crash")
		if err := os.WriteFile(temporary, data[:len(data)/2], 0o644); err != nil {
			return err
		}
		return errors.New("power lost")
	}

	after := before.Clone()
	after.NextSerial = 3
	after.Deployments = []Deployment{testDeployment(2, StatusCurrent, "b"), testDeployment(1, StatusRollback, "a")}

	transaction, err := root.BeginTransaction("upgrade")
	if err != nil {
		t.Fatal(err)
	}
	if err := transaction.Commit(after); !failure.Is(err, failure.CommitFailure) {
		t.Fatalf("Commit = %v, want commit failure", err)
	}
	transaction.Release()

	deployments, err := root.ListDeployments()
	if err != nil {
		t.Fatal(err)
	}
	if len(deployments) != 1 || deployments[0].ID != before.Deployments[0].ID {
		t.Errorf("list after interrupted commit = %+v, want pre-commit list", deployments)
	}

	writeFile = original
	recovery, err := root.BeginTransaction("recover")
	if err != nil {
		t.Fatal(err)
	}
	defer recovery.Release()
	removed, err := recovery.RemoveStaleTemporaries()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed %d stale temporaries, want 1", removed)
	}
}

func TestCommitInterruptedAfterRename(t *testing.T) {
	root := openTestSysroot(t)
	before := NewState()
	before.NextSerial = 2
	before.Deployments = []Deployment{testDeployment(1, StatusCurrent, "a")}
	commitState(t, root, before)

	// Crash after the rename, before the directory fsync completes.
	original := writeFile
	t.Cleanup(func() { writeFile = original })
	writeFile = func(path string, data []byte) error {
		if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		return errors.New("power lost")
	}

	after := before.Clone()
	after.NextSerial = 3
	after.Deployments = []Deployment{testDeployment(2, StatusCurrent, "b"), testDeployment(1, StatusRollback, "a")}

	transaction, err := root.BeginTransaction("upgrade")
	if err != nil {
		t.Fatal(err)
	}
	transaction.Commit(after)
	transaction.Release()

	deployments, err := root.ListDeployments()
	if err != nil {
		t.Fatal(err)
	}
	if len(deployments) != 2 || deployments[0].ID != after.Deployments[0].ID {
		t.Errorf("list after post-rename crash = %+v, want post-commit list", deployments)
	}
}

func TestOrphans(t *testing.T) {
	root := openTestSysroot(t)
	state := NewState()
	state.NextSerial = 2
	live := testDeployment(1, StatusCurrent, "a")
	state.Deployments = []Deployment{live}
	commitState(t, root, state)

	for _, id := range []string{live.ID, "ffffffffffffffff.9"} {
		if err := os.MkdirAll(root.DeploymentDir(id), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	ownStaging, err := root.CreateStaging("upgrade")
	if err != nil {
		t.Fatal(err)
	}

	abandoned, err := root.CreateStaging("upgrade")
	if err != nil {
		t.Fatal(err)
	}
	deadOwner := abandoned.Owner
	deadOwner.PID = -1
	data, err := deadOwner.marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(abandoned.Path, ownerFile), data, 0o644); err != nil {
		t.Fatal(err)
	}

	deadCreation := creatingPrefix + "2147483646-" + "dead"
	liveCreation := creatingPrefix + strconv.Itoa(os.Getpid()) + "-" + "live"
	for _, name := range []string{deadCreation, liveCreation} {
		if err := os.Mkdir(filepath.Join(root.StagingRoot(), name), 0o755); err != nil {
			t.Fatal(err)
		}
	}

	orphans, err := root.Orphans(state)
	if err != nil {
		t.Fatal(err)
	}

	found := make(map[string]OrphanKind)
	for _, orphan := range orphans {
		found[orphan.Name] = orphan.Kind
	}
	if found["ffffffffffffffff.9"] != OrphanDeployment {
		t.Error("unlisted deployment directory not reported")
	}
	if found[abandoned.Token] != OrphanStaging {
		t.Error("staging with dead owner not reported")
	}
	if _, ok := found[live.ID]; ok {
		t.Error("live deployment reported as orphan")
	}
	if _, ok := found[ownStaging.Token]; ok {
		t.Error("staging owned by a live process reported as orphan")
	}
	if found[deadCreation] != OrphanStaging {
		t.Error("half-created staging of a dead process not reported")
	}
	if _, ok := found[liveCreation]; ok {
		t.Error("staging still being created reported as orphan")
	}
}
