// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// temporaryPrefix marks in-flight writes. Files with this prefix are
// never valid targets and are safe to delete when no writer holds the
// sysroot lock.
const temporaryPrefix = ".atomic-"

// WriteFile atomically replaces path with data. The parent directory
// must already exist. The file is created with mode perm.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	directory := filepath.Dir(path)

	file, err := os.CreateTemp(directory, temporaryPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := file.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(temporaryPath)
		}
	}()

	// Write, sync, close, in that order.
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("writing temporary file for %s: %w", path, err)
	}
	if err := file.Chmod(perm); err != nil {
		file.Close()
		return fmt.Errorf("setting mode on temporary file for %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("syncing temporary file for %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing temporary file for %s: %w", path, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}
	success = true

	if err := SyncDirectory(directory); err != nil {
		return fmt.Errorf("syncing directory after replacing %s: %w", path, err)
	}
	return nil
}

// SyncDirectory fsyncs a directory so that entries created, renamed,
// or removed in it are durable.
func SyncDirectory(path string) error {
	directory, err := os.Open(path)
	if err != nil {
		return err
	}
	defer directory.Close()
	return directory.Sync()
}

// RemoveTemporaries deletes temporary files left in directory by
// writers that died before renaming. Returns the number removed. The
// caller must hold whatever lock serializes writers to directory.
func RemoveTemporaries(directory string) (int, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), temporaryPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(directory, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing stale temporary %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// IsTemporary reports whether name is an in-flight temporary created by
// WriteFile.
func IsTemporary(name string) bool {
	return strings.HasPrefix(name, temporaryPrefix)
}
