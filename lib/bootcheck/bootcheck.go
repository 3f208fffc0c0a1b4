// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package bootcheck

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bureau-foundation/rootswap/lib/atomicfile"
)

// State records a committed transition that has not been booted yet.
type State struct {
	// PreviousDeployment is the id of the deployment the machine was
	// running when the transition committed. Empty on a fresh sysroot.
	PreviousDeployment string `json:"previous_deployment"`

	// NewDeployment is the id of the deployment committed at boot
	// ordinal 0.
	NewDeployment string `json:"new_deployment"`

	// Operation is the transition that produced NewDeployment
	// ("upgrade", "switch", "rollback"). Diagnostic only.
	Operation string `json:"operation"`

	// Timestamp is when the transition committed.
	Timestamp time.Time `json:"timestamp"`
}

// Outcome is the result of comparing a State with the booted
// deployment.
type Outcome int

const (
	// Unrelated means the booted deployment is neither side of the
	// recorded transition (the operator picked another entry by hand).
	Unrelated Outcome = iota

	// Succeeded means the new deployment is running.
	Succeeded

	// FellBack means the previous deployment is running: the new one
	// did not boot.
	FellBack
)

// String returns the outcome's name.
func (outcome Outcome) String() string {
	switch outcome {
	case Succeeded:
		return "succeeded"
	case FellBack:
		return "fell-back"
	default:
		return "unrelated"
	}
}

// Evaluate classifies a boot of bootedDeployment against state.
func Evaluate(state State, bootedDeployment string) Outcome {
	switch {
	case bootedDeployment == state.NewDeployment:
		return Succeeded
	case state.PreviousDeployment != "" && bootedDeployment == state.PreviousDeployment:
		return FellBack
	default:
		return Unrelated
	}
}

// Write atomically writes a boot check record. The parent directory
// must already exist.
func Write(path string, state State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling boot check: %w", err)
	}
	data = append(data, '\n')
	if err := atomicfile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing boot check: %w", err)
	}
	return nil
}

// Read reads and parses a boot check record. When the file does not
// exist, the returned error wraps os.ErrNotExist.
func Read(path string) (State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing boot check %s: %w", path, err)
	}
	return state, nil
}

// Check reads a boot check record and reports whether it is recent
// enough to act on: its Timestamp is within maxAge of now. A missing
// or expired record returns a zero State and false. Other errors
// (permission denied, corrupt JSON) are returned so the caller can
// tell "no record" from "record exists but is unreadable".
func Check(path string, maxAge time.Duration, now time.Time) (State, bool, error) {
	state, err := Read(path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, err
	}
	if now.Sub(state.Timestamp) > maxAge {
		return State{}, false, nil
	}
	return state, true, nil
}

// Clear removes a boot check record. Idempotent.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing boot check: %w", err)
	}
	return nil
}
