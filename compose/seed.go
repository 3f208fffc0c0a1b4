// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// overlayXattrPrefix marks the extended attributes overlayfs keeps in
// an upper directory (opaque directories, redirects).
const overlayXattrPrefix = "trusted.overlay."

// SeedEtc copies a previous deployment's private etc directory into a
// new, empty one, so machine-local configuration carries forward.
// The copy is independent: later edits on either side do not leak
// into the other. Overlay whiteouts (0:0 character devices) and
// overlay extended attributes are preserved where the caller has the
// privilege to create them. A missing source seeds nothing.
func SeedEtc(from, to string) error {
	if _, err := os.Lstat(from); errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(to, 0o755)
	}
	return filepath.WalkDir(from, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		destination := filepath.Join(to, relative)
		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch mode := info.Mode(); {
		case mode.IsDir():
			if err := os.MkdirAll(destination, mode.Perm()); err != nil {
				return err
			}
			if err := os.Chmod(destination, mode.Perm()); err != nil {
				return err
			}
		case mode&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, destination); err != nil {
				return err
			}
		case mode.IsRegular():
			if err := copyFile(path, destination, mode.Perm()); err != nil {
				return err
			}
		case mode&fs.ModeCharDevice != 0:
			if err := copyWhiteout(info, destination); err != nil {
				return fmt.Errorf("copying whiteout %s: %w", relative, err)
			}
		default:
			return nil
		}

		if stat, ok := info.Sys().(*syscall.Stat_t); ok && os.Geteuid() == 0 {
			if err := os.Lchown(destination, int(stat.Uid), int(stat.Gid)); err != nil {
				return err
			}
		}
		copyOverlayXattrs(path, destination)
		return nil
	})
}

func copyFile(source, destination string, perm fs.FileMode) error {
	input, err := os.Open(source)
	if err != nil {
		return err
	}
	defer input.Close()
	output, err := os.OpenFile(destination, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(output, input); err != nil {
		output.Close()
		return err
	}
	if err := output.Close(); err != nil {
		return err
	}
	return os.Chmod(destination, perm)
}

// copyWhiteout recreates an overlay whiteout. Other character devices
// have no place in an etc upper and are skipped.
func copyWhiteout(info fs.FileInfo, destination string) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok || stat.Rdev != 0 {
		return nil
	}
	err := unix.Mknod(destination, unix.S_IFCHR|uint32(info.Mode().Perm()), 0)
	if errors.Is(err, unix.EPERM) {
		// Unprivileged callers cannot create whiteouts; without one
		// the deleted file reappears from the lower layer, which is
		// the safe direction.
		return nil
	}
	return err
}

// copyOverlayXattrs copies overlay attributes, best effort: they exist
// only on filesystems and privilege levels that support them.
func copyOverlayXattrs(source, destination string) {
	size, err := unix.Llistxattr(source, nil)
	if err != nil || size == 0 {
		return
	}
	buffer := make([]byte, size)
	size, err = unix.Llistxattr(source, buffer)
	if err != nil {
		return
	}
	for _, name := range strings.Split(strings.TrimRight(string(buffer[:size]), "\x00"), "\x00") {
		if !strings.HasPrefix(name, overlayXattrPrefix) {
			continue
		}
		valueSize, err := unix.Lgetxattr(source, name, nil)
		if err != nil {
			continue
		}
		value := make([]byte, valueSize)
		valueSize, err = unix.Lgetxattr(source, name, value)
		if err != nil {
			continue
		}
		unix.Lsetxattr(destination, name, value[:valueSize], 0)
	}
}
