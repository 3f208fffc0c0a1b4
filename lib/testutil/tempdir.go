// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

// TempDir returns a temporary directory that is removed when the test
// completes, even if the test left read-only directories inside it.
func TempDir(t *testing.T) string {
	t.Helper()
	directory := t.TempDir()
	// Cleanups run last-registered first, so this runs before the
	// removal registered by t.TempDir.
	t.Cleanup(func() { MakeWritable(directory) })
	return directory
}

// MakeWritable adds owner write and search permission to every
// directory under root. Errors are ignored: this is best-effort
// preparation for removal.
func MakeWritable(root string) {
	filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if entry.IsDir() {
			if info, err := entry.Info(); err == nil {
				os.Chmod(path, info.Mode().Perm()|0o700)
			}
		}
		return nil
	})
}
