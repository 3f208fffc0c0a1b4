// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"errors"
	"fmt"
	"sort"
)

// FormatVersion is the version of the state file format. The format is
// stable: newer binaries read every older version.
const FormatVersion = 1

// State is the persisted content of state/deployments.json.
type State struct {
	// FormatVersion is always FormatVersion when written.
	FormatVersion int `json:"format_version"`

	// Generation increases by one on every commit. Used to detect that
	// the list changed between a lock-free read and a locked reload.
	Generation uint64 `json:"generation"`

	// NextSerial is the serial the next committed deployment receives.
	NextSerial uint64 `json:"next_serial"`

	// Booted is the id of the deployment the running system booted,
	// as recorded by the last finalize. Empty before the first
	// finalize and on systems not booted from this sysroot.
	Booted string `json:"booted,omitempty"`

	// Deployments is the boot order. Index 0 boots next.
	Deployments []Deployment `json:"deployments"`
}

// NewState returns the state of a sysroot that has never committed.
func NewState() *State {
	return &State{
		FormatVersion: FormatVersion,
		NextSerial:    1,
		Deployments:   []Deployment{},
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	clone := *s
	clone.Deployments = make([]Deployment, len(s.Deployments))
	for index, deployment := range s.Deployments {
		clone.Deployments[index] = deployment.clone()
	}
	return &clone
}

// Initialized reports whether the sysroot has ever committed a
// deployment.
func (s *State) Initialized() bool {
	return len(s.Deployments) > 0
}

// Current returns the Current deployment, or false on an uninitialized
// sysroot.
func (s *State) Current() (Deployment, bool) {
	for _, deployment := range s.Deployments {
		if deployment.Status == StatusCurrent {
			return deployment, true
		}
	}
	return Deployment{}, false
}

// Rollback returns the highest-priority Rollback deployment.
func (s *State) Rollback() (Deployment, bool) {
	for _, deployment := range s.Deployments {
		if deployment.Status == StatusRollback {
			return deployment, true
		}
	}
	return Deployment{}, false
}

// Find returns the deployment with the given id and its boot ordinal.
func (s *State) Find(id string) (Deployment, int, bool) {
	for index, deployment := range s.Deployments {
		if deployment.ID == id {
			return deployment, index, true
		}
	}
	return Deployment{}, -1, false
}

// BootedDeployment returns the deployment recorded as booted.
func (s *State) BootedDeployment() (Deployment, bool) {
	if s.Booted == "" {
		return Deployment{}, false
	}
	deployment, _, found := s.Find(s.Booted)
	return deployment, found
}

// LiveTrees returns, for each tree referenced by the list, the number
// of deployments referencing it. This is the pin count the tree store
// should hold for each tree.
func (s *State) LiveTrees() map[string]int {
	counts := make(map[string]int)
	for _, deployment := range s.Deployments {
		counts[deployment.Tree.String()]++
	}
	return counts
}

// Normalize stable-sorts the list into status order (Current, then
// Rollback, then Stale) without reordering deployments that share a
// status.
func (s *State) Normalize() {
	sort.SliceStable(s.Deployments, func(i, j int) bool {
		return s.Deployments[i].Status.rank() < s.Deployments[j].Status.rank()
	})
}

// Validate checks the list invariants. The returned error joins every
// violation found.
func (s *State) Validate() error {
	var errs []error

	if s.FormatVersion != FormatVersion {
		errs = append(errs, fmt.Errorf("format_version is %d, this binary understands %d", s.FormatVersion, FormatVersion))
	}
	if s.NextSerial == 0 {
		errs = append(errs, fmt.Errorf("next_serial must be at least 1"))
	}

	ids := make(map[string]bool, len(s.Deployments))
	serials := make(map[uint64]bool, len(s.Deployments))
	counts := make(map[Status]int)
	previousRank := -1

	for index, deployment := range s.Deployments {
		if !deployment.Status.Valid() {
			errs = append(errs, fmt.Errorf("deployment %d (%s): invalid status %q", index, deployment.ID, deployment.Status))
			continue
		}
		counts[deployment.Status]++

		if deployment.Tree.IsZero() {
			errs = append(errs, fmt.Errorf("deployment %d (%s): missing tree digest", index, deployment.ID))
		}
		if want := FormatID(deployment.Tree, deployment.Serial); deployment.ID != want {
			errs = append(errs, fmt.Errorf("deployment %d: id %q does not match tree and serial (want %q)", index, deployment.ID, want))
		}
		if ids[deployment.ID] {
			errs = append(errs, fmt.Errorf("deployment %d: duplicate id %q", index, deployment.ID))
		}
		ids[deployment.ID] = true
		if serials[deployment.Serial] {
			errs = append(errs, fmt.Errorf("deployment %d (%s): duplicate serial %d", index, deployment.ID, deployment.Serial))
		}
		serials[deployment.Serial] = true
		if deployment.Serial == 0 || deployment.Serial >= s.NextSerial {
			errs = append(errs, fmt.Errorf("deployment %d (%s): serial %d outside [1, %d)", index, deployment.ID, deployment.Serial, s.NextSerial))
		}

		rank := deployment.Status.rank()
		if rank < previousRank {
			errs = append(errs, fmt.Errorf("deployment %d (%s): %s listed after a lower-priority status", index, deployment.ID, deployment.Status))
		}
		previousRank = rank
	}

	if counts[StatusStaged] > 1 {
		errs = append(errs, fmt.Errorf("%d staged deployments, at most one allowed", counts[StatusStaged]))
	}
	if len(s.Deployments) > 0 {
		if counts[StatusCurrent] != 1 {
			errs = append(errs, fmt.Errorf("%d current deployments, exactly one required", counts[StatusCurrent]))
		} else if s.Deployments[0].Status != StatusCurrent {
			errs = append(errs, fmt.Errorf("current deployment is not at boot ordinal 0"))
		}
	}
	if s.Booted != "" && !ids[s.Booted] {
		errs = append(errs, fmt.Errorf("booted deployment %q is not in the list", s.Booted))
	}

	return errors.Join(errs...)
}
