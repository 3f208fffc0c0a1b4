// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/rootswap/lib/failure"
)

// Policy configures which structural checks Validate runs.
type Policy struct {
	// RequiredPaths are paths, relative to the tree root, that must
	// exist in the base layer.
	RequiredPaths []string

	// RequireKernel requires a kernel at usr/lib/modules/*/vmlinuz.
	RequireKernel bool

	// InitPaths are candidate init programs; at least one must exist.
	// Empty skips the check.
	InitPaths []string
}

// DefaultPolicy is the policy used when configuration does not
// override it.
func DefaultPolicy() Policy {
	return Policy{
		RequiredPaths: []string{"usr", "usr/lib/os-release"},
		RequireKernel: true,
		InitPaths:     []string{"usr/lib/systemd/systemd", "sbin/init", "usr/sbin/init", "usr/bin/init"},
	}
}

// CheckResult is the outcome of one validation check.
type CheckResult struct {
	Name    string
	Passed  bool
	Message string
}

// Report collects validation results.
type Report struct {
	results []CheckResult
	errors  int
}

// Results returns every check in the order it ran.
func (r *Report) Results() []CheckResult {
	return r.results
}

// HasErrors reports whether any check failed.
func (r *Report) HasErrors() bool {
	return r.errors > 0
}

// Failures returns the failed checks.
func (r *Report) Failures() []CheckResult {
	var failed []CheckResult
	for _, result := range r.results {
		if !result.Passed {
			failed = append(failed, result)
		}
	}
	return failed
}

// Error lists every failed check.
func (r *Report) Error() string {
	var messages []string
	for _, result := range r.Failures() {
		messages = append(messages, result.Name+": "+result.Message)
	}
	return "deployment is not bootable: " + strings.Join(messages, "; ")
}

func (r *Report) pass(name, message string) {
	r.results = append(r.results, CheckResult{Name: name, Passed: true, Message: message})
}

func (r *Report) fail(name, message string) {
	r.results = append(r.results, CheckResult{Name: name, Passed: false, Message: message})
	r.errors++
}

// Validate checks that a composition is structurally bootable. Every
// check runs; the returned report lists them all. When any check
// fails the error is failure.ValidationFailure wrapping the report.
func (e *Engine) Validate(composed *Composed) (*Report, error) {
	report := &Report{}
	tree := composed.Target.TreePath

	for _, required := range e.policy.RequiredPaths {
		name := "path " + required
		if _, err := os.Lstat(filepath.Join(tree, required)); err != nil {
			report.fail(name, fmt.Sprintf("missing from tree: %v", err))
		} else {
			report.pass(name, "present")
		}
	}

	if e.policy.RequireKernel {
		kernels, _ := filepath.Glob(filepath.Join(tree, "usr", "lib", "modules", "*", "vmlinuz"))
		if len(kernels) == 0 {
			report.fail("kernel", "no usr/lib/modules/*/vmlinuz in tree")
		} else {
			relative, _ := filepath.Rel(tree, kernels[len(kernels)-1])
			report.pass("kernel", relative)
		}
	}

	if len(e.policy.InitPaths) > 0 {
		found := ""
		for _, candidate := range e.policy.InitPaths {
			if _, err := os.Lstat(filepath.Join(tree, candidate)); err == nil {
				found = candidate
				break
			}
		}
		if found == "" {
			report.fail("init", "none of "+strings.Join(e.policy.InitPaths, ", ")+" exists")
		} else {
			report.pass("init", found)
		}
	}

	mounted := make(map[string]bool, len(composed.mounted))
	for _, layer := range composed.mounted {
		mounted[layer.Name] = true
	}
	for _, layer := range composed.Layers {
		name := "layer " + layer.Name
		if !mounted[layer.Name] {
			report.fail(name, "not mounted")
			continue
		}
		isMounted, err := e.backend.Mounted(composed.layerTarget(layer.Name))
		if err != nil {
			report.fail(name, err.Error())
			continue
		}
		if !isMounted {
			report.fail(name, "mount point is not mounted")
			continue
		}
		report.pass(name, "mounted")
	}

	if mounted[LayerBase] {
		readOnly, err := e.backend.ReadOnly(composed.root)
		switch {
		case err != nil:
			report.fail("base read-only", err.Error())
		case !readOnly:
			report.fail("base read-only", "base layer is writable")
		default:
			report.pass("base read-only", "read-only")
		}
	}

	if report.HasErrors() {
		return report, failure.New(failure.ValidationFailure, "compose.validate", report)
	}
	return report, nil
}

// layerTarget returns where the named layer is mounted now.
func (c *Composed) layerTarget(name string) string {
	for _, layer := range c.mounted {
		if layer.Name == name {
			return layer.Target
		}
	}
	return ""
}
