// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// mountInfoPath lists the calling process's mounts.
const mountInfoPath = "/proc/self/mountinfo"

// LinuxBackend mounts with mount(2). Requires CAP_SYS_ADMIN.
type LinuxBackend struct{}

// NewLinuxBackend returns the kernel mount backend.
func NewLinuxBackend() *LinuxBackend {
	return &LinuxBackend{}
}

func (*LinuxBackend) Bind(source, target string, readOnly bool) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mounting %s at %s: %w", source, target, err)
	}
	if !readOnly {
		return nil
	}
	// MS_RDONLY is ignored on the initial bind; it takes a remount of
	// the bind mount to apply it.
	flags := uintptr(unix.MS_REMOUNT | unix.MS_BIND | unix.MS_RDONLY)
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		unix.Unmount(target, 0)
		return fmt.Errorf("remounting %s read-only: %w", target, err)
	}
	return nil
}

func (*LinuxBackend) Overlay(lower, upper, work, target string) error {
	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	if err := unix.Mount("overlay", target, "overlay", 0, options); err != nil {
		return fmt.Errorf("mounting overlay at %s (%s): %w", target, options, err)
	}
	return nil
}

func (*LinuxBackend) Move(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("moving mount %s to %s: %w", source, target, err)
	}
	return nil
}

func (*LinuxBackend) Unmount(target string) error {
	err := unix.Unmount(target, 0)
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return ErrNotMounted
	}
	if errors.Is(err, unix.EBUSY) {
		// Something still has the mount open. Detach it so the
		// directory can be removed; the kernel finishes the unmount
		// when the last user lets go.
		if detachErr := unix.Unmount(target, unix.MNT_DETACH); detachErr == nil {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
	return nil
}

func (*LinuxBackend) Mounted(target string) (bool, error) {
	absolute, err := filepath.Abs(target)
	if err != nil {
		return false, err
	}
	mountPoints, err := readMountPoints(mountInfoPath)
	if err != nil {
		return false, err
	}
	return mountPoints[filepath.Clean(absolute)], nil
}

func (*LinuxBackend) ReadOnly(target string) (bool, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(target, &stat); err != nil {
		return false, fmt.Errorf("statfs %s: %w", target, err)
	}
	return stat.Flags&unix.ST_RDONLY != 0, nil
}

// readMountPoints returns the set of mount points in a mountinfo file.
func readMountPoints(path string) (map[string]bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	defer file.Close()

	mountPoints := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		// Field 5 is the mount point, relative to the process root.
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		mountPoints[unescapeMountInfo(fields[4])] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	return mountPoints, nil
}

// unescapeMountInfo decodes the octal escapes (\040 for space and so
// on) the kernel uses in mountinfo paths.
func unescapeMountInfo(field string) string {
	if !strings.Contains(field, `\`) {
		return field
	}
	var builder strings.Builder
	for index := 0; index < len(field); index++ {
		if field[index] == '\\' && index+3 < len(field) {
			if value, err := strconv.ParseUint(field[index+1:index+4], 8, 8); err == nil {
				builder.WriteByte(byte(value))
				index += 3
				continue
			}
		}
		builder.WriteByte(field[index])
	}
	return builder.String()
}
