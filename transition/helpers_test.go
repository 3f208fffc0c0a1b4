// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/rootswap/bootmeta"
	"github.com/bureau-foundation/rootswap/compose"
	"github.com/bureau-foundation/rootswap/lib/clock"
	"github.com/bureau-foundation/rootswap/lib/digest"
	"github.com/bureau-foundation/rootswap/lib/testutil"
	"github.com/bureau-foundation/rootswap/sysroot"
	"github.com/bureau-foundation/rootswap/treestore"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// testEnvironment is an engine over a temporary sysroot with a fake
// mount backend and an in-memory boot writer.
type testEnvironment struct {
	engine  *Engine
	sysroot *sysroot.Sysroot
	trees   *treestore.Store
	backend *compose.FakeBackend
	boot    *bootmeta.MemoryWriter
	clock   *clock.FakeClock
	images  string
}

func newTestEnvironment(t *testing.T, policy Policy) *testEnvironment {
	t.Helper()
	directory := testutil.TempDir(t)
	fakeClock := clock.Fake(testEpoch)

	root, err := sysroot.Open(filepath.Join(directory, "sysroot"), sysroot.Options{Clock: fakeClock})
	if err != nil {
		t.Fatalf("sysroot.Open: %v", err)
	}
	trees, err := treestore.Open(root.TreesDir(), treestore.Options{Fetcher: &treestore.ArchiveFetcher{}})
	if err != nil {
		t.Fatalf("treestore.Open: %v", err)
	}

	backend := compose.NewFakeBackend()
	boot := bootmeta.NewMemoryWriter()
	engine, err := New(Config{
		Sysroot:     root,
		Trees:       trees,
		Composer:    compose.NewEngine(compose.Options{Backend: backend, Policy: compose.DefaultPolicy()}),
		Boot:        boot,
		Policy:      policy,
		KernelArgs:  []string{"rw", "quiet"},
		Title:       "Test OS",
		CmdlinePath: filepath.Join(directory, "cmdline"),
		Clock:       fakeClock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	images := filepath.Join(directory, "images")
	if err := os.Mkdir(images, 0o755); err != nil {
		t.Fatal(err)
	}
	return &testEnvironment{
		engine:  engine,
		sysroot: root,
		trees:   trees,
		backend: backend,
		boot:    boot,
		clock:   fakeClock,
		images:  images,
	}
}

// image writes a bootable OS tree archive named <name>.tar with its
// digest file and returns its reference and digest.
func (env *testEnvironment) image(t *testing.T, name string) (string, digest.Digest) {
	t.Helper()
	data := osArchive(t, name)
	path := filepath.Join(env.images, name+".tar")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	sum := digest.Sum(data)
	if err := os.WriteFile(path+".blake3", []byte(sum.String()+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, sum
}

func osArchive(t *testing.T, release string) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := tar.NewWriter(&buffer)
	modified := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	directories := []string{"etc/", "var/", "usr/", "usr/bin/", "usr/etc/", "usr/lib/", "usr/lib/modules/", "usr/lib/modules/6.1.0/"}
	for _, name := range directories {
		header := &tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755, ModTime: modified}
		if err := writer.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
	}
	files := []struct{ name, body string }{
		{"usr/lib/os-release", "ID=test\nVERSION_ID=" + release + "\n"},
		{"usr/lib/modules/6.1.0/vmlinuz", "kernel " + release},
		{"usr/lib/modules/6.1.0/initramfs.img", "initramfs " + release},
		{"usr/bin/init", "#!/bin/sh\n"},
		{"usr/etc/hostname", release + "\n"},
	}
	for _, file := range files {
		header := &tar.Header{Name: file.name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(file.body)), ModTime: modified}
		if err := writer.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		if _, err := writer.Write([]byte(file.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return buffer.Bytes()
}

// deploy upgrades to a fresh image and fails the test on error.
func (env *testEnvironment) deploy(t *testing.T, name string) *Result {
	t.Helper()
	reference, _ := env.image(t, name)
	result, err := env.engine.Switch(context.Background(), reference)
	if err != nil {
		t.Fatalf("Switch(%s): %v", name, err)
	}
	return result
}

func (env *testEnvironment) state(t *testing.T) *sysroot.State {
	t.Helper()
	state, err := env.sysroot.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return state
}

// statuses renders the list as "id:status" pairs for comparison.
func statuses(deployments []sysroot.Deployment) []string {
	var rendered []string
	for _, deployment := range deployments {
		rendered = append(rendered, deployment.ID+":"+string(deployment.Status))
	}
	return rendered
}

// checkConsistent verifies everything outside the list agrees with
// it: every listed deployment has its directory and pinned tree, no
// other deployment directories or stagings exist, no mounts remain,
// and the boot order lists exactly the bootable deployments.
func (env *testEnvironment) checkConsistent(t *testing.T) {
	t.Helper()
	state := env.state(t)
	if err := state.Validate(); err != nil {
		t.Errorf("committed state invalid: %v", err)
	}

	listed := make(map[string]bool)
	for _, deployment := range state.Deployments {
		listed[deployment.ID] = true
		if _, err := os.Stat(env.sysroot.DeploymentDir(deployment.ID)); err != nil {
			t.Errorf("deployment %s has no directory: %v", deployment.ID, err)
		}
		holders, err := env.trees.Holders(deployment.Tree)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Contains(holders, deployment.ID) {
			t.Errorf("tree of %s is not pinned by it (holders %v)", deployment.ID, holders)
		}
		if !env.trees.Has(deployment.Tree) {
			t.Errorf("tree of %s is missing", deployment.ID)
		}
	}

	entries, err := os.ReadDir(env.sysroot.DeployRoot())
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		if !listed[entry.Name()] {
			t.Errorf("unlisted deployment directory %s", entry.Name())
		}
	}
	entries, err = os.ReadDir(env.sysroot.StagingRoot())
	if err != nil {
		t.Fatal(err)
	}
	for _, entry := range entries {
		t.Errorf("leftover staging %s", entry.Name())
	}
	if mounts := env.backend.Mounts(); len(mounts) != 0 {
		t.Errorf("mounts left behind: %v", mounts)
	}

	trees, err := env.trees.Trees()
	if err != nil {
		t.Fatal(err)
	}
	for _, tree := range trees {
		for _, holder := range tree.Holders {
			if !listed[holder] {
				t.Errorf("tree %s pinned by unlisted holder %s", tree.Digest.Short(), holder)
			}
		}
	}

	order, err := env.boot.ReadBootOrder(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var want []string
	for _, deployment := range bootable(state.Deployments) {
		want = append(want, deployment.ID)
	}
	if !slices.Equal(order, want) {
		t.Errorf("boot order = %v, want %v", order, want)
	}
}

// buildArchive builds a tar from name to body; names ending in "/"
// are directories.
func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)

	var buffer bytes.Buffer
	writer := tar.NewWriter(&buffer)
	for _, name := range names {
		header := &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(files[name])), ModTime: testEpoch}
		if name[len(name)-1] == '/' {
			header.Typeflag, header.Mode, header.Size = tar.TypeDir, 0o755, 0
		}
		if err := writer.WriteHeader(header); err != nil {
			t.Fatal(err)
		}
		if header.Typeflag == tar.TypeReg {
			if _, err := writer.Write([]byte(files[name])); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return buffer.Bytes()
}

func sumOf(data []byte) string {
	return digest.Sum(data).String()
}
