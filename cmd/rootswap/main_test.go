// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/rootswap/cmd/rootswap/cli"
	"github.com/bureau-foundation/rootswap/compose"
	"github.com/bureau-foundation/rootswap/lib/clock"
	"github.com/bureau-foundation/rootswap/lib/config"
	"github.com/bureau-foundation/rootswap/lib/digest"
	"github.com/bureau-foundation/rootswap/lib/failure"
	"github.com/bureau-foundation/rootswap/lib/testutil"
	"github.com/bureau-foundation/rootswap/transition"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// harness runs the command tree against a temporary sysroot with a
// fake mount backend, a fake clock, and captured output.
type harness struct {
	directory  string
	configPath string
	clock      *clock.FakeClock
	output     bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	directory := testutil.TempDir(t)
	h := &harness{directory: directory, clock: clock.Fake(testEpoch)}

	boot := filepath.Join(directory, "boot")
	if err := os.Mkdir(boot, 0o755); err != nil {
		t.Fatal(err)
	}
	h.configPath = filepath.Join(directory, "rootswap.yaml")
	configText := "paths:\n" +
		"  sysroot: " + filepath.Join(directory, "sysroot") + "\n" +
		"  boot: " + boot + "\n" +
		"  cmdline: " + filepath.Join(directory, "cmdline") + "\n" +
		"boot:\n" +
		"  kernel_args: [rw]\n" +
		"  title: Test OS\n"
	if err := os.WriteFile(h.configPath, []byte(configText), 0o644); err != nil {
		t.Fatal(err)
	}

	previousStdout, previousClock, previousBackend := stdout, processClock, mountBackend
	stdout = &h.output
	processClock = h.clock
	mountBackend = func() compose.Backend { return compose.NewFakeBackend() }
	t.Cleanup(func() {
		stdout, processClock, mountBackend = previousStdout, previousClock, previousBackend
	})
	return h
}

// run executes a command line with --config added after the command
// name and returns its output and exit code.
func (h *harness) run(t *testing.T, args ...string) (string, int) {
	t.Helper()
	h.output.Reset()
	if len(args) > 0 {
		args = append([]string{args[0], "--config", h.configPath}, args[1:]...)
	}
	command := root()
	command.Output = &bytes.Buffer{}
	err := command.Execute(context.Background(), args)
	code, _ := cli.ExitCode(err)
	return h.output.String(), code
}

// image writes a bootable OS archive with its digest file and returns
// its path.
func (h *harness) image(t *testing.T, release string) string {
	t.Helper()
	var buffer bytes.Buffer
	writer := tar.NewWriter(&buffer)
	for _, name := range []string{"etc/", "var/", "usr/", "usr/bin/", "usr/lib/", "usr/lib/modules/", "usr/lib/modules/6.1.0/"} {
		if err := writer.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755, ModTime: testEpoch}); err != nil {
			t.Fatal(err)
		}
	}
	for name, body := range map[string]string{
		"usr/lib/os-release":            "ID=test\nVERSION_ID=" + release + "\n",
		"usr/lib/modules/6.1.0/vmlinuz": "kernel " + release,
		"usr/bin/init":                  "#!/bin/sh\n",
	} {
		if err := writer.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body)), ModTime: testEpoch}); err != nil {
			t.Fatal(err)
		}
		if _, err := writer.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(h.directory, "os-"+release+".tar")
	if err := os.WriteFile(path, buffer.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path+".blake3", []byte(digest.Sum(buffer.Bytes()).String()+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func (h *harness) status(t *testing.T) transition.StatusReport {
	t.Helper()
	output, code := h.run(t, "status", "--json")
	if code != 0 {
		t.Fatalf("status --json exited %d", code)
	}
	var report transition.StatusReport
	if err := json.Unmarshal([]byte(output), &report); err != nil {
		t.Fatalf("decoding status: %v\n%s", err, output)
	}
	return report
}

func TestStatusOnEmptySysroot(t *testing.T) {
	h := newHarness(t)

	output, code := h.run(t, "status")
	if code != 0 {
		t.Fatalf("status exited %d", code)
	}
	if !strings.Contains(output, "Generation 0") || !strings.Contains(output, "No deployments.") {
		t.Errorf("unexpected status output:\n%s", output)
	}

	report := h.status(t)
	if report.Generation != 0 || len(report.Deployments) != 0 {
		t.Errorf("empty status = %+v, want generation 0 and an empty deployment list", report)
	}
}

func TestUpgradeRollbackPrune(t *testing.T) {
	h := newHarness(t)

	first := h.image(t, "1")
	output, code := h.run(t, "switch", first)
	if code != 0 {
		t.Fatalf("switch exited %d: %s", code, output)
	}
	if !strings.Contains(output, "is the next boot target") {
		t.Errorf("switch output = %q", output)
	}

	// Upgrading follows the origin: the same archive is a no-op.
	output, code = h.run(t, "upgrade")
	if code != 0 || !strings.Contains(output, "no changes") {
		t.Errorf("upgrade to the running tree = (%q, %d), want a no-op", output, code)
	}

	h.clock.Advance(time.Hour)
	second := h.image(t, "2")
	if _, code := h.run(t, "upgrade", second); code != 0 {
		t.Fatalf("upgrade exited %d", code)
	}

	report := h.status(t)
	if len(report.Deployments) != 2 {
		t.Fatalf("deployments = %+v, want 2", report.Deployments)
	}
	newID, oldID := report.Deployments[0].ID, report.Deployments[1].ID
	if report.Deployments[0].Origin != second || report.Deployments[1].Status != "rollback" {
		t.Errorf("after upgrade: %+v", report.Deployments)
	}

	text, _ := h.run(t, "status")
	for _, want := range []string{newID, oldID, "current", "rollback", "1 hour ago", "Trees (2)"} {
		if !strings.Contains(text, want) {
			t.Errorf("status output missing %q:\n%s", want, text)
		}
	}

	if _, code := h.run(t, "rollback"); code != 0 {
		t.Fatalf("rollback exited %d", code)
	}
	report = h.status(t)
	if report.Deployments[0].ID != oldID || report.Deployments[1].ID != newID {
		t.Errorf("after rollback: %+v", report.Deployments)
	}

	// Nothing is stale with one rollback slot.
	output, code = h.run(t, "prune")
	if code != 0 || !strings.Contains(output, "nothing to prune") {
		t.Errorf("prune = (%q, %d), want nothing to prune", output, code)
	}
}

func TestPinAndUnpin(t *testing.T) {
	h := newHarness(t)
	if _, code := h.run(t, "switch", h.image(t, "1")); code != 0 {
		t.Fatalf("switch exited %d", code)
	}
	id := h.status(t).Deployments[0].ID

	output, code := h.run(t, "pin", id)
	if code != 0 || !strings.Contains(output, id+" pinned") {
		t.Errorf("pin = (%q, %d)", output, code)
	}
	if !h.status(t).Deployments[0].Pinned {
		t.Error("deployment not pinned after pin")
	}
	if _, code := h.run(t, "unpin", id); code != 0 {
		t.Errorf("unpin exited %d", code)
	}
	if h.status(t).Deployments[0].Pinned {
		t.Error("deployment still pinned after unpin")
	}

	if _, code := h.run(t, "pin", "0000000000000000.9"); code != failure.ExitNotFound {
		t.Errorf("pin of unknown deployment exited %d, want %d", code, failure.ExitNotFound)
	}
}

func TestFinalizeFromCmdline(t *testing.T) {
	h := newHarness(t)
	if _, code := h.run(t, "switch", h.image(t, "1")); code != 0 {
		t.Fatalf("switch exited %d", code)
	}
	id := h.status(t).Deployments[0].ID

	// Without a kernel command line argument there is nothing to
	// finalize against.
	if err := os.WriteFile(filepath.Join(h.directory, "cmdline"), []byte("rw quiet\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, code := h.run(t, "finalize"); code != failure.ExitNotFound {
		t.Errorf("finalize without argument exited %d, want %d", code, failure.ExitNotFound)
	}

	cmdline := "rw quiet rootswap.deployment=" + id + "\n"
	if err := os.WriteFile(filepath.Join(h.directory, "cmdline"), []byte(cmdline), 0o644); err != nil {
		t.Fatal(err)
	}
	output, code := h.run(t, "finalize", "--json")
	if code != 0 {
		t.Fatalf("finalize exited %d: %s", code, output)
	}
	var result transition.Result
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		t.Fatalf("decoding finalize result: %v", err)
	}
	if result.Outcome != "succeeded" || result.Deployment == nil || result.Deployment.ID != id {
		t.Errorf("finalize result = %+v", result)
	}
	if report := h.status(t); report.Booted != id || report.PendingBootCheck != nil {
		t.Errorf("after finalize: booted %q, pending %+v", report.Booted, report.PendingBootCheck)
	}
}

func TestExitCodes(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"rollback without deployments", []string{"rollback"}, failure.ExitNoRollbackAvailable},
		{"upgrade without origin", []string{"upgrade"}, failure.ExitNotFound},
		{"switch to missing archive", []string{"switch", filepath.Join(h.directory, "missing.tar")}, failure.ExitNotFound},
		{"switch without reference", []string{"switch"}, failure.ExitUsage},
		{"pin without id", []string{"pin"}, failure.ExitUsage},
		{"unknown flag", []string{"status", "--jsno"}, failure.ExitUsage},
		{"mount-root without destination", []string{"mount-root"}, failure.ExitUsage},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, code := h.run(t, test.args...); code != test.want {
				t.Errorf("rootswap %v exited %d, want %d", test.args, code, test.want)
			}
		})
	}

	err := root().Execute(context.Background(), []string{"upgarde"})
	if code, _ := cli.ExitCode(err); code != failure.ExitUsage {
		t.Errorf("unknown command exited %d, want %d", code, failure.ExitUsage)
	}
}

func TestIntegrityFailureExitCode(t *testing.T) {
	h := newHarness(t)
	path := h.image(t, "1")
	if err := os.WriteFile(path+".blake3", []byte(digest.Sum([]byte("other")).String()+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, code := h.run(t, "switch", path); code != failure.ExitIntegrityFailure {
		t.Errorf("switch with a wrong digest exited %d, want %d", code, failure.ExitIntegrityFailure)
	}
	if report := h.status(t); len(report.Deployments) != 0 || len(report.Trees) != 0 {
		t.Errorf("failed switch left state behind: %+v", report)
	}
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	h.output.Reset()
	if err := root().Execute(context.Background(), []string{"version", "--json"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	var info versionInfo
	if err := json.Unmarshal(h.output.Bytes(), &info); err != nil {
		t.Fatalf("decoding version: %v", err)
	}
	if info.Version == "" || info.Digest == "" {
		t.Errorf("version info = %+v, want version and digest", info)
	}
}

func TestWaitForLock(t *testing.T) {
	fake := clock.Fake(testEpoch)
	previous := processClock
	processClock = fake
	t.Cleanup(func() { processClock = previous })

	cfg := config.Default()
	cfg.Lock.WaitTimeout = "10s"
	opened := &session{config: cfg, logger: slog.New(slog.DiscardHandler)}
	contention := failure.Errorf(failure.LockContention, "sysroot.lock", "held by another operation")

	t.Run("gives up at the timeout", func(t *testing.T) {
		attempts := 0
		done := make(chan error, 1)
		go func() {
			done <- waitForLock(context.Background(), opened, true, func() error {
				attempts++
				return contention
			})
		}()
		// Backoffs of 1s, 2s, and 4s fit in 10s; the next 8s does not.
		for _, backoff := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
			fake.WaitForTimers(1)
			fake.Advance(backoff)
		}
		err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for waitForLock to give up")
		if !failure.Is(err, failure.LockContention) {
			t.Errorf("waitForLock = %v, want lock contention", err)
		}
		if attempts != 4 {
			t.Errorf("attempts = %d, want 4", attempts)
		}
	})

	t.Run("returns once the lock is free", func(t *testing.T) {
		attempts := 0
		done := make(chan error, 1)
		go func() {
			done <- waitForLock(context.Background(), opened, true, func() error {
				attempts++
				if attempts == 1 {
					return contention
				}
				return nil
			})
		}()
		fake.WaitForTimers(1)
		fake.Advance(time.Second)
		if err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for waitForLock"); err != nil {
			t.Errorf("waitForLock = %v, want success", err)
		}
		if attempts != 2 {
			t.Errorf("attempts = %d, want 2", attempts)
		}
	})

	t.Run("without wait fails immediately", func(t *testing.T) {
		attempts := 0
		err := waitForLock(context.Background(), opened, false, func() error {
			attempts++
			return contention
		})
		if !failure.Is(err, failure.LockContention) || attempts != 1 {
			t.Errorf("waitForLock(wait=false) = %v after %d attempts", err, attempts)
		}
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		attempts := 0
		notFound := failure.Errorf(failure.NotFound, "upgrade", "no such image")
		err := waitForLock(context.Background(), opened, true, func() error {
			attempts++
			return notFound
		})
		if err != notFound || attempts != 1 {
			t.Errorf("waitForLock = %v after %d attempts, want the error after one", err, attempts)
		}
	})
}
