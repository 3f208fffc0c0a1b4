// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/bureau-foundation/rootswap/lib/failure"
)

// PromoteMode selects what Promote does with a validated composition.
type PromoteMode string

const (
	// NextBoot leaves activation to the bootloader: the boot metadata
	// already points at the deployment, so the staging mounts are
	// released.
	NextBoot PromoteMode = "next-boot"

	// Live moves the composed root onto a destination, typically the
	// directory an initramfs switches root into.
	Live PromoteMode = "live"
)

// Options configures NewEngine.
type Options struct {
	// Backend performs the mounts. Required.
	Backend Backend

	// Policy configures Validate. The zero value checks nothing
	// beyond mount state; use DefaultPolicy for the standard checks.
	Policy Policy

	// Logger receives operational logs. Nil discards them.
	Logger *slog.Logger
}

// Engine composes deployments.
type Engine struct {
	backend Backend
	policy  Policy
	logger  *slog.Logger
}

// NewEngine returns an engine over options.Backend.
func NewEngine(options Options) *Engine {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{backend: options.Backend, policy: options.Policy, logger: logger}
}

// Composed is a mounted composition.
type Composed struct {
	Target Target
	Layers []Layer

	// mounted holds the layers currently mounted, in mount order.
	// Targets are rewritten when a Live promote moves the root.
	mounted []Layer

	// root is where the composed root is mounted now: the target's
	// mount point, or the promote destination after a Live promote.
	root string
}

// Root returns where the composed root is currently mounted.
func (c *Composed) Root() string { return c.root }

// Mounted returns the layers currently mounted, in mount order.
func (c *Composed) Mounted() []Layer { return slices.Clone(c.mounted) }

// Compose mounts target's layers in order. On failure every layer
// already mounted is unmounted and the error is returned; the
// composition never ends half-mounted.
func (e *Engine) Compose(ctx context.Context, target Target) (*Composed, error) {
	if target.EtcLower == "" && target.TreePath != "" {
		target.EtcLower = EtcLower(target.TreePath)
	}
	layers, err := Plan(target)
	if err != nil {
		return nil, failure.New(failure.ValidationFailure, "compose", err)
	}

	// The etc and var mount points live inside the read-only base, so
	// the tree must already provide them.
	for _, name := range []string{"etc", "var"} {
		info, err := os.Stat(filepath.Join(target.TreePath, name))
		if err != nil || !info.IsDir() {
			return nil, failure.Errorf(failure.ValidationFailure, "compose", "tree %s has no /%s directory to mount over", target.TreePath, name)
		}
	}
	if _, err := os.Stat(layers[1].Source); err != nil {
		return nil, failure.Errorf(failure.ValidationFailure, "compose", "etc lower directory: %w", err)
	}

	for _, directory := range []string{target.EtcUpper, target.EtcWork, target.MountPoint} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, failure.Errorf(failure.IoFailure, "compose", "creating %s: %w", directory, err)
		}
	}

	composed := &Composed{Target: target, Layers: layers, root: target.MountPoint}
	for _, layer := range layers {
		if err := ctx.Err(); err != nil {
			e.unwind(composed)
			return nil, fmt.Errorf("composing %s: %w", target.Name, err)
		}
		if err := e.mount(layer); err != nil {
			e.unwind(composed)
			return nil, failure.Errorf(failure.IoFailure, "compose", "layer %s: %w", layer.Name, err)
		}
		composed.mounted = append(composed.mounted, layer)
		e.logger.Debug("mounted layer", "composition", target.Name, "layer", layer.String())
	}
	e.logger.Info("composed deployment root", "composition", target.Name, "mount_point", target.MountPoint, "layers", len(layers))
	return composed, nil
}

func (e *Engine) mount(layer Layer) error {
	switch layer.Kind {
	case KindBind:
		return e.backend.Bind(layer.Source, layer.Target, layer.Mutability == ReadOnly)
	case KindOverlay:
		return e.backend.Overlay(layer.Source, layer.Upper, layer.Work, layer.Target)
	default:
		return fmt.Errorf("unknown layer kind %q", layer.Kind)
	}
}

// unwind unmounts whatever a failed Compose mounted.
func (e *Engine) unwind(composed *Composed) {
	if err := e.Teardown(composed); err != nil {
		e.logger.Warn("unwinding partial composition", "composition", composed.Target.Name, "error", err)
	}
}

// Promote activates a validated composition. NextBoot releases the
// staging mounts. Live moves the composed root, with its layers, onto
// destination; the composition then lives at destination and
// Teardown unmounts it there.
func (e *Engine) Promote(ctx context.Context, composed *Composed, mode PromoteMode, destination string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch mode {
	case NextBoot, "":
		return e.Teardown(composed)
	case Live:
		if destination == "" {
			return failure.Errorf(failure.IoFailure, "compose.promote", "live promote needs a destination")
		}
		if len(composed.mounted) == 0 {
			return failure.Errorf(failure.IoFailure, "compose.promote", "composition %s is not mounted", composed.Target.Name)
		}
		if err := os.MkdirAll(destination, 0o755); err != nil {
			return failure.Errorf(failure.IoFailure, "compose.promote", "creating %s: %w", destination, err)
		}
		if err := e.backend.Move(composed.root, destination); err != nil {
			return failure.New(failure.IoFailure, "compose.promote", err)
		}
		source := composed.root
		for index, layer := range composed.mounted {
			relative, err := filepath.Rel(source, layer.Target)
			if err != nil {
				return failure.New(failure.IoFailure, "compose.promote", err)
			}
			composed.mounted[index].Target = filepath.Join(destination, relative)
		}
		composed.root = destination
		e.logger.Info("promoted deployment root", "composition", composed.Target.Name, "destination", destination)
		return nil
	default:
		return failure.Errorf(failure.IoFailure, "compose.promote", "unknown promote mode %q", mode)
	}
}

// Teardown unmounts the composition in reverse order and removes its
// mount point (after a Live promote, the destination is left in
// place). Layers that are already unmounted are skipped, so Teardown
// is safe to call more than once and after a crash.
func (e *Engine) Teardown(composed *Composed) error {
	if composed == nil {
		return nil
	}
	var errs []error
	for index := len(composed.mounted) - 1; index >= 0; index-- {
		layer := composed.mounted[index]
		err := e.backend.Unmount(layer.Target)
		if err != nil && !errors.Is(err, ErrNotMounted) {
			errs = append(errs, fmt.Errorf("layer %s: %w", layer.Name, err))
			continue
		}
		composed.mounted = composed.mounted[:index]
	}
	if len(errs) > 0 {
		return failure.New(failure.IoFailure, "compose.teardown", errors.Join(errs...))
	}
	if composed.root == composed.Target.MountPoint {
		if err := os.Remove(composed.Target.MountPoint); err != nil && !os.IsNotExist(err) {
			return failure.Errorf(failure.IoFailure, "compose.teardown", "removing mount point: %w", err)
		}
	}
	return nil
}

// TeardownPath unmounts anything the standard layers of a composition
// rooted at mountPoint could have left mounted, and removes the mount
// point. Crash recovery uses it for compositions whose Composed value
// died with its process.
func (e *Engine) TeardownPath(mountPoint string) error {
	composed := &Composed{
		Target: Target{Name: filepath.Base(filepath.Dir(mountPoint)), MountPoint: mountPoint},
		root:   mountPoint,
		mounted: []Layer{
			{Name: LayerBase, Target: mountPoint},
			{Name: LayerEtc, Target: filepath.Join(mountPoint, "etc")},
			{Name: LayerVar, Target: filepath.Join(mountPoint, "var")},
		},
	}
	return e.Teardown(composed)
}
