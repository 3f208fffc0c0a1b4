// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/rootswap/lib/clock"
	"github.com/bureau-foundation/rootswap/lib/failure"
)

// Directory and file names within the sysroot root.
const (
	stateDir      = "state"
	stateFile     = "deployments.json"
	lockFile      = "lock"
	bootCheckFile = "bootcheck.json"
	deployDir     = "deploy"
	stagingDir    = "staging"
	treesDir      = "trees"
	varDir        = "var"
	ownerFile     = "owner.json"
)

// Options configures Open.
type Options struct {
	// Logger receives operational logs. Nil discards them.
	Logger *slog.Logger

	// Clock stamps leases. Nil uses the real clock.
	Clock clock.Clock
}

// Sysroot is a handle on one machine's deployment state.
type Sysroot struct {
	root   string
	logger *slog.Logger
	clock  clock.Clock
}

// Open opens the sysroot at root, creating its directory layout if it
// does not exist, and verifies that the persisted deployment list is
// readable and satisfies its invariants. A missing state file is an
// uninitialized sysroot, not an error.
func Open(root string, options Options) (*Sysroot, error) {
	if root == "" {
		return nil, failure.Errorf(failure.IoFailure, "sysroot.open", "sysroot path is required")
	}
	absolute, err := filepath.Abs(root)
	if err != nil {
		return nil, failure.New(failure.IoFailure, "sysroot.open", err)
	}

	for _, directory := range []string{
		absolute,
		filepath.Join(absolute, stateDir),
		filepath.Join(absolute, deployDir),
		filepath.Join(absolute, stagingDir),
		filepath.Join(absolute, treesDir),
		filepath.Join(absolute, varDir),
	} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, failure.Errorf(failure.IoFailure, "sysroot.open", "creating %s: %w", directory, err)
		}
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}

	sysroot := &Sysroot{root: absolute, logger: logger, clock: clk}
	if _, err := sysroot.Load(); err != nil {
		return nil, err
	}
	return sysroot, nil
}

// Root returns the absolute sysroot path.
func (s *Sysroot) Root() string { return s.root }

// StatePath returns the path of the deployment list.
func (s *Sysroot) StatePath() string { return filepath.Join(s.root, stateDir, stateFile) }

// LockPath returns the path of the lease record.
func (s *Sysroot) LockPath() string { return filepath.Join(s.root, stateDir, lockFile) }

// BootCheckPath returns the path of the pending boot check record.
func (s *Sysroot) BootCheckPath() string { return filepath.Join(s.root, stateDir, bootCheckFile) }

// DeployRoot returns the directory holding committed deployments.
func (s *Sysroot) DeployRoot() string { return filepath.Join(s.root, deployDir) }

// DeploymentDir returns the directory of the deployment with id.
func (s *Sysroot) DeploymentDir(id string) string { return filepath.Join(s.root, deployDir, id) }

// StagingRoot returns the directory holding in-flight stagings.
func (s *Sysroot) StagingRoot() string { return filepath.Join(s.root, stagingDir) }

// TreesDir returns the tree store root.
func (s *Sysroot) TreesDir() string { return filepath.Join(s.root, treesDir) }

// VarDir returns the shared /var directory.
func (s *Sysroot) VarDir() string { return filepath.Join(s.root, varDir) }

// Load reads the committed state without taking the lock. Because
// writers replace the file atomically, the result is always some
// complete committed state.
func (s *Sysroot) Load() (*State, error) {
	data, err := os.ReadFile(s.StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, failure.Errorf(failure.IoFailure, "sysroot.load", "reading %s: %w", s.StatePath(), err)
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, failure.Errorf(failure.CorruptState, "sysroot.load", "parsing %s: %w", s.StatePath(), err)
	}
	if state.Deployments == nil {
		state.Deployments = []Deployment{}
	}
	if err := state.Validate(); err != nil {
		return nil, failure.Errorf(failure.CorruptState, "sysroot.load", "%s: %w", s.StatePath(), err)
	}
	return state, nil
}

// ListDeployments returns the committed boot order. Lock-free.
func (s *Sysroot) ListDeployments() ([]Deployment, error) {
	state, err := s.Load()
	if err != nil {
		return nil, err
	}
	return state.Deployments, nil
}

// writeState validates and atomically persists state.
func (s *Sysroot) writeState(state *State) error {
	if err := state.Validate(); err != nil {
		return failure.Errorf(failure.CommitFailure, "sysroot.commit", "refusing to write invalid state: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return failure.Errorf(failure.CommitFailure, "sysroot.commit", "encoding state: %w", err)
	}
	data = append(data, '\n')
	if err := writeFile(s.StatePath(), data); err != nil {
		return failure.New(failure.CommitFailure, "sysroot.commit", err)
	}
	return nil
}
