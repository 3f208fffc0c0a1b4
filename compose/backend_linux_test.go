// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadMountPoints(t *testing.T) {
	mountInfo := `22 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw
35 22 0:31 / /sysroot/deploy/abc.1/root ro,relatime shared:2 - ext4 /dev/sda1 ro
36 35 0:32 / /mnt/with\040space rw - overlay overlay rw,lowerdir=/a,upperdir=/b,workdir=/c
`
	path := filepath.Join(t.TempDir(), "mountinfo")
	if err := os.WriteFile(path, []byte(mountInfo), 0o644); err != nil {
		t.Fatal(err)
	}
	mountPoints, err := readMountPoints(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"/", "/sysroot/deploy/abc.1/root", "/mnt/with space"} {
		if !mountPoints[want] {
			t.Errorf("mount point %q not found in %v", want, mountPoints)
		}
	}
	if mountPoints["/sysroot"] {
		t.Error("parent of a mount point reported as mounted")
	}
}

func TestUnescapeMountInfo(t *testing.T) {
	tests := map[string]string{
		`/plain`:         "/plain",
		`/a\040b`:        "/a b",
		`/tab\011here`:   "/tab\there",
		`/back\134slash`: `/back\slash`,
		`/trailing\04`:   `/trailing\04`,
	}
	for input, want := range tests {
		if got := unescapeMountInfo(input); got != want {
			t.Errorf("unescapeMountInfo(%q) = %q, want %q", input, got, want)
		}
	}
}
