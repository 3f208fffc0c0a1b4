// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMakeWritable(t *testing.T) {
	directory := TempDir(t)
	sealed := filepath.Join(directory, "tree", "usr")
	if err := os.MkdirAll(sealed, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{sealed, filepath.Dir(sealed)} {
		if err := os.Chmod(path, 0o555); err != nil {
			t.Fatal(err)
		}
	}

	MakeWritable(directory)

	for _, path := range []string{sealed, filepath.Dir(sealed)} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm()&0o200 == 0 {
			t.Errorf("%s mode = %v, want owner write", path, info.Mode().Perm())
		}
	}
}

func TestRequireReceive(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 7
	if got := RequireReceive(t, ch, time.Second, "buffered value"); got != 7 {
		t.Errorf("RequireReceive = %d, want 7", got)
	}
}

// recordingT captures Fatalf instead of stopping the test.
type recordingT struct {
	failed  bool
	message string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
	panic(r)
}

func TestRequireClosedTimesOut(t *testing.T) {
	recorder := &recordingT{}
	func() {
		defer func() { recover() }()
		RequireClosed(recorder, make(chan struct{}), time.Millisecond, "ready %d", 3)
	}()
	if !recorder.failed {
		t.Fatal("RequireClosed did not fail on an open channel")
	}
	if want := "timed out after 1ms waiting for channel close: ready 3"; recorder.message != want {
		t.Errorf("message = %q, want %q", recorder.message, want)
	}
}
