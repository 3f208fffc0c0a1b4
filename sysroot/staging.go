// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/rootswap/lib/atomicfile"
	"github.com/bureau-foundation/rootswap/lib/failure"
)

// Staging is a directory in which a deployment is prepared before it
// has an id. Stagings are created without the sysroot lock; each one
// records its owner so that crash recovery can tell an abandoned
// staging from one another live process is still preparing.
type Staging struct {
	// Token names the staging directory.
	Token string

	// Path is the staging directory.
	Path string

	// Owner is the process preparing the staging.
	Owner Lease
}

// creatingPrefix names a staging directory whose owner record is not
// written yet: ".creating-<pid>-<token>". A staging only appears
// under its token once it has an owner.
const creatingPrefix = ".creating-"

// CreateStaging creates a new, empty staging directory owned by the
// calling process.
func (s *Sysroot) CreateStaging(operation string) (*Staging, error) {
	token := uuid.NewString()
	path := filepath.Join(s.StagingRoot(), token)
	creating := filepath.Join(s.StagingRoot(), creatingPrefix+strconv.Itoa(os.Getpid())+"-"+token)
	if err := os.Mkdir(creating, 0o755); err != nil {
		return nil, failure.Errorf(failure.IoFailure, "sysroot.staging", "creating %s: %w", path, err)
	}

	owner := newLease(operation, s.clock.Now())
	owner.Holder = token
	data, err := owner.marshal()
	if err != nil {
		os.RemoveAll(creating)
		return nil, failure.New(failure.IoFailure, "sysroot.staging", err)
	}
	if err := atomicfile.WriteFile(filepath.Join(creating, ownerFile), data, 0o644); err != nil {
		os.RemoveAll(creating)
		return nil, failure.New(failure.IoFailure, "sysroot.staging", err)
	}
	if err := os.Rename(creating, path); err != nil {
		os.RemoveAll(creating)
		return nil, failure.Errorf(failure.IoFailure, "sysroot.staging", "creating %s: %w", path, err)
	}
	return &Staging{Token: token, Path: path, Owner: owner}, nil
}

// OrphanKind says where an orphaned directory was found.
type OrphanKind string

const (
	// OrphanDeployment is a deploy/<id> directory absent from the list:
	// a commit that died after moving the staging into place but
	// before the list was replaced, or a prune that died after the
	// list was replaced but before the directory was removed.
	OrphanDeployment OrphanKind = "deployment"

	// OrphanStaging is a staging directory whose owner is gone.
	OrphanStaging OrphanKind = "staging"
)

// Orphan is a directory that no committed deployment or live staging
// owns.
type Orphan struct {
	Kind OrphanKind
	Name string
	Path string
}

// Orphans lists directories not owned by state or by a live staging.
// Only meaningful under the lock.
func (s *Sysroot) Orphans(state *State) ([]Orphan, error) {
	var orphans []Orphan

	live := make(map[string]bool, len(state.Deployments))
	for _, deployment := range state.Deployments {
		live[deployment.ID] = true
	}
	entries, err := os.ReadDir(s.DeployRoot())
	if err != nil {
		return nil, failure.Errorf(failure.IoFailure, "sysroot.orphans", "reading %s: %w", s.DeployRoot(), err)
	}
	for _, entry := range entries {
		if live[entry.Name()] || atomicfile.IsTemporary(entry.Name()) {
			continue
		}
		orphans = append(orphans, Orphan{
			Kind: OrphanDeployment,
			Name: entry.Name(),
			Path: filepath.Join(s.DeployRoot(), entry.Name()),
		})
	}

	entries, err = os.ReadDir(s.StagingRoot())
	if err != nil {
		return nil, failure.Errorf(failure.IoFailure, "sysroot.orphans", "reading %s: %w", s.StagingRoot(), err)
	}
	for _, entry := range entries {
		path := filepath.Join(s.StagingRoot(), entry.Name())
		if rest, found := strings.CutPrefix(entry.Name(), creatingPrefix); found {
			pidText, _, _ := strings.Cut(rest, "-")
			pid, _ := strconv.Atoi(pidText)
			if (Lease{PID: pid}).Alive() {
				continue
			}
			orphans = append(orphans, Orphan{Kind: OrphanStaging, Name: entry.Name(), Path: path})
			continue
		}
		owner, err := readLeaseFile(filepath.Join(path, ownerFile))
		if err == nil && owner != nil && owner.Alive() {
			continue
		}
		orphans = append(orphans, Orphan{Kind: OrphanStaging, Name: entry.Name(), Path: path})
	}
	return orphans, nil
}

// String describes the orphan for logs.
func (o Orphan) String() string {
	return fmt.Sprintf("%s %s", o.Kind, o.Name)
}
