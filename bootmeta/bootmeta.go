// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootmeta

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DeploymentArgument is the kernel command line key naming the
// deployment an entry boots.
const DeploymentArgument = "rootswap.deployment"

// CmdlinePath is where the running kernel exposes its command line.
const CmdlinePath = "/proc/cmdline"

// Entry is one bootable deployment.
type Entry struct {
	// DeploymentID is the deployment the entry boots.
	DeploymentID string

	// Title is shown in the boot menu.
	Title string

	// Kernel and Initramfs are paths to the images inside the
	// deployment's tree. Initramfs may be empty.
	Kernel    string
	Initramfs string

	// TreeKey names the directory the images are installed under on
	// the boot partition. Entries sharing a tree share images.
	TreeKey string

	// Options are extra kernel arguments.
	Options []string
}

// Writer persists the boot order.
type Writer interface {
	// WriteBootOrder makes entries the complete boot order, entry 0
	// first. Atomic and idempotent.
	WriteBootOrder(ctx context.Context, entries []Entry) error

	// ReadBootOrder returns the deployment ids of the current boot
	// order, entry 0 first. Empty when nothing was ever written.
	ReadBootOrder(ctx context.Context) ([]string, error)
}

// FindKernel locates the kernel and initramfs in a tree, following the
// usr/lib/modules/<version>/vmlinuz convention. With several module
// directories the lexically last version wins.
func FindKernel(treePath string) (kernel, initramfs string, err error) {
	kernels, err := filepath.Glob(filepath.Join(treePath, "usr", "lib", "modules", "*", "vmlinuz"))
	if err != nil {
		return "", "", err
	}
	if len(kernels) == 0 {
		return "", "", fmt.Errorf("no kernel under %s/usr/lib/modules", treePath)
	}
	kernel = kernels[len(kernels)-1]
	candidate := filepath.Join(filepath.Dir(kernel), "initramfs.img")
	if _, err := os.Stat(candidate); err == nil {
		initramfs = candidate
	}
	return kernel, initramfs, nil
}

// BootedFromCmdline returns the deployment id named on a kernel
// command line.
func BootedFromCmdline(cmdline string) (string, bool) {
	for _, field := range strings.Fields(cmdline) {
		if value, found := strings.CutPrefix(field, DeploymentArgument+"="); found && value != "" {
			return value, true
		}
	}
	return "", false
}

// ReadBootedDeployment reads the running kernel's command line at path
// (normally CmdlinePath) and returns the deployment it booted.
func ReadBootedDeployment(path string) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("reading kernel command line: %w", err)
	}
	id, found := BootedFromCmdline(string(data))
	return id, found, nil
}
