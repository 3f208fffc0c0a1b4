// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mutability declares whether a layer may be written through.
type Mutability string

const (
	ReadOnly  Mutability = "read-only"
	ReadWrite Mutability = "read-write"
)

// LayerKind is the mount mechanism of a layer.
type LayerKind string

const (
	// KindBind bind-mounts Source at Target.
	KindBind LayerKind = "bind"

	// KindOverlay mounts an overlay of Upper over Source at Target.
	KindOverlay LayerKind = "overlay"
)

// Layer names.
const (
	LayerBase = "base"
	LayerEtc  = "etc"
	LayerVar  = "var"
)

// Layer is one mount in a composition.
type Layer struct {
	Name       string
	Kind       LayerKind
	Mutability Mutability

	// Source is the bind source or the overlay's lower directory.
	Source string

	// Upper and Work are the overlay's upper and work directories.
	Upper string
	Work  string

	// Target is the absolute mount point.
	Target string
}

// String describes the layer for logs and errors.
func (l Layer) String() string {
	if l.Kind == KindOverlay {
		return fmt.Sprintf("%s (overlay %s over %s at %s, %s)", l.Name, l.Upper, l.Source, l.Target, l.Mutability)
	}
	return fmt.Sprintf("%s (bind %s at %s, %s)", l.Name, l.Source, l.Target, l.Mutability)
}

// Target is what a composition assembles.
type Target struct {
	// Name identifies the composition in logs: a deployment id or a
	// staging token.
	Name string

	// TreePath is the read-only tree checkout.
	TreePath string

	// EtcLower overrides the etc overlay's lower directory. Empty
	// means TreePath/usr/etc; Compose resolves it with EtcLower.
	EtcLower string

	// EtcUpper and EtcWork are the deployment's private etc directory
	// and its overlay work directory. Must be on the same filesystem.
	EtcUpper string
	EtcWork  string

	// VarDir is the shared var directory.
	VarDir string

	// MountPoint is where the composed root is assembled.
	MountPoint string
}

// EtcLower returns the directory holding a tree's default
// configuration: usr/etc when the tree has one, otherwise etc.
func EtcLower(treePath string) string {
	usrEtc := filepath.Join(treePath, "usr", "etc")
	if info, err := os.Stat(usrEtc); err == nil && info.IsDir() {
		return usrEtc
	}
	return filepath.Join(treePath, "etc")
}

// Plan returns the layers of target in mount order.
func Plan(target Target) ([]Layer, error) {
	fields := []struct{ name, value string }{
		{"tree path", target.TreePath},
		{"etc upper", target.EtcUpper},
		{"etc work", target.EtcWork},
		{"var directory", target.VarDir},
		{"mount point", target.MountPoint},
	}
	for _, field := range fields {
		if field.value == "" {
			return nil, fmt.Errorf("composition %s: %s is required", target.Name, field.name)
		}
		if !filepath.IsAbs(field.value) {
			return nil, fmt.Errorf("composition %s: %s %q must be absolute", target.Name, field.name, field.value)
		}
		if err := validateMountPath(field.value, field.name); err != nil {
			return nil, err
		}
	}

	lower := target.EtcLower
	if lower == "" {
		lower = filepath.Join(target.TreePath, "usr", "etc")
	}
	if err := validateMountPath(lower, "etc lower"); err != nil {
		return nil, err
	}

	return []Layer{
		{
			Name:       LayerBase,
			Kind:       KindBind,
			Mutability: ReadOnly,
			Source:     target.TreePath,
			Target:     target.MountPoint,
		},
		{
			Name:       LayerEtc,
			Kind:       KindOverlay,
			Mutability: ReadWrite,
			Source:     lower,
			Upper:      target.EtcUpper,
			Work:       target.EtcWork,
			Target:     filepath.Join(target.MountPoint, "etc"),
		},
		{
			Name:       LayerVar,
			Kind:       KindBind,
			Mutability: ReadWrite,
			Source:     target.VarDir,
			Target:     filepath.Join(target.MountPoint, "var"),
		},
	}, nil
}

// validateMountPath rejects paths that would corrupt overlay mount
// options, which separate fields with commas and lower layers with
// colons.
func validateMountPath(path, field string) error {
	if strings.ContainsAny(path, ",:") {
		return fmt.Errorf("%s %q contains a comma or colon, which overlay mount options cannot carry", field, path)
	}
	if strings.ContainsAny(path, "\x00\n\r") {
		return fmt.Errorf("%s %q contains invalid characters (null or newline)", field, path)
	}
	return nil
}
