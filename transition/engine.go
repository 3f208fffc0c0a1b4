// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import (
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/rootswap/bootmeta"
	"github.com/bureau-foundation/rootswap/compose"
	"github.com/bureau-foundation/rootswap/lib/clock"
	"github.com/bureau-foundation/rootswap/lib/digest"
	"github.com/bureau-foundation/rootswap/sysroot"
	"github.com/bureau-foundation/rootswap/treestore"
)

// Policy is the retention policy.
type Policy struct {
	// RollbackSlots is how many superseded deployments stay bootable
	// as Rollback. The rest become Stale.
	RollbackSlots int

	// RetainStale is how many Stale, unpinned deployments prune keeps
	// (most recent first).
	RetainStale int
}

// DefaultPolicy keeps one rollback and no stale deployments.
func DefaultPolicy() Policy {
	return Policy{RollbackSlots: 1, RetainStale: 0}
}

// Config wires an Engine to its collaborators.
type Config struct {
	Sysroot  *sysroot.Sysroot
	Trees    *treestore.Store
	Composer *compose.Engine
	Boot     bootmeta.Writer

	Policy Policy

	// KernelArgs are recorded on new deployments and written to their
	// boot entries.
	KernelArgs []string

	// Title is the boot menu title.
	Title string

	// CmdlinePath is read by Finalize when no booted id is given.
	// Empty means bootmeta.CmdlinePath.
	CmdlinePath string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Engine runs deployment transitions on one sysroot.
type Engine struct {
	sysroot     *sysroot.Sysroot
	trees       *treestore.Store
	composer    *compose.Engine
	boot        bootmeta.Writer
	policy      Policy
	kernelArgs  []string
	title       string
	cmdlinePath string
	clock       clock.Clock
	logger      *slog.Logger
}

// New returns an engine over config.
func New(config Config) (*Engine, error) {
	if config.Sysroot == nil || config.Trees == nil || config.Composer == nil || config.Boot == nil {
		return nil, fmt.Errorf("transition engine needs a sysroot, tree store, composer, and boot writer")
	}
	if config.Policy.RollbackSlots < 0 || config.Policy.RetainStale < 0 {
		return nil, fmt.Errorf("retention counts must not be negative")
	}
	engine := &Engine{
		sysroot:     config.Sysroot,
		trees:       config.Trees,
		composer:    config.Composer,
		boot:        config.Boot,
		policy:      config.Policy,
		kernelArgs:  config.KernelArgs,
		title:       config.Title,
		cmdlinePath: config.CmdlinePath,
		clock:       config.Clock,
		logger:      config.Logger,
	}
	if engine.cmdlinePath == "" {
		engine.cmdlinePath = bootmeta.CmdlinePath
	}
	if engine.clock == nil {
		engine.clock = clock.Real()
	}
	if engine.logger == nil {
		engine.logger = slog.New(slog.DiscardHandler)
	}
	return engine, nil
}

// Phase is a transition's position in the state machine.
type Phase int

const (
	Idle Phase = iota
	Staging
	Validated
	Committing
	Committed
	Aborted
)

// String returns the phase name.
func (phase Phase) String() string {
	switch phase {
	case Idle:
		return "idle"
	case Staging:
		return "staging"
	case Validated:
		return "validated"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("phase(%d)", int(phase))
	}
}

// Result describes a completed operation.
type Result struct {
	Operation string `json:"operation"`

	// Changed is false when the operation found nothing to do.
	Changed bool `json:"changed"`

	// Phase is where the state machine stopped.
	Phase Phase `json:"-"`

	// Deployment is the deployment the operation acted on: the new
	// Current for upgrade, switch, rollback, and finalize.
	Deployment *sysroot.Deployment `json:"deployment,omitempty"`

	// Deployments is the committed list after the operation.
	Deployments []sysroot.Deployment `json:"deployments"`

	// Pruned lists deployment ids removed by prune.
	Pruned []string `json:"pruned,omitempty"`

	// CollectedTrees lists trees deleted from the tree store.
	CollectedTrees []digest.Digest `json:"collected_trees,omitempty"`

	// Outcome is the boot check outcome reported by finalize.
	Outcome string `json:"outcome,omitempty"`
}

// run tracks one operation's phase for logging.
type run struct {
	operation string
	phase     Phase
	logger    *slog.Logger
}

func (e *Engine) newRun(operation string) *run {
	return &run{operation: operation, phase: Idle, logger: e.logger.With("operation", operation)}
}

func (r *run) enter(phase Phase) {
	r.logger.Debug("transition phase", "from", r.phase.String(), "to", phase.String())
	r.phase = phase
}
