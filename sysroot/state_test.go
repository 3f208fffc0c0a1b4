// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sysroot

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	current := testDeployment(3, StatusCurrent, "c")
	rollback := testDeployment(2, StatusRollback, "b")
	stale := testDeployment(1, StatusStale, "a")

	tests := []struct {
		name        string
		deployments []Deployment
		booted      string
		wantError   string
	}{
		{name: "empty"},
		{name: "ordered", deployments: []Deployment{current, rollback, stale}, booted: rollback.ID},
		{name: "current not first", deployments: []Deployment{rollback, current}, wantError: "lower-priority"},
		{name: "no current", deployments: []Deployment{rollback}, wantError: "exactly one required"},
		{name: "two current", deployments: []Deployment{current, testDeployment(4, StatusCurrent, "d")}, wantError: "exactly one required"},
		{name: "stale before rollback", deployments: []Deployment{current, stale, rollback}, wantError: "lower-priority"},
		{name: "duplicate serial", deployments: []Deployment{current, testDeployment(3, StatusRollback, "x")}, wantError: "duplicate serial"},
		{name: "booted missing", deployments: []Deployment{current}, booted: "0000000000000000.1", wantError: "not in the list"},
		{
			name: "two staged",
			deployments: []Deployment{
				current,
				testDeployment(5, StatusStaged, "e"),
				testDeployment(6, StatusStaged, "f"),
			},
			wantError: "staged",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			state := NewState()
			state.NextSerial = 10
			state.Deployments = test.deployments
			state.Booted = test.booted

			err := state.Validate()
			if test.wantError == "" {
				if err != nil {
					t.Errorf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), test.wantError) {
				t.Errorf("Validate = %v, want error containing %q", err, test.wantError)
			}
		})
	}
}

func TestValidateIDMismatch(t *testing.T) {
	deployment := testDeployment(1, StatusCurrent, "a")
	deployment.ID = "0123456789abcdef.1"
	state := NewState()
	state.NextSerial = 2
	state.Deployments = []Deployment{deployment}
	if err := state.Validate(); err == nil || !strings.Contains(err.Error(), "does not match") {
		t.Errorf("Validate = %v, want id mismatch", err)
	}
}

func TestValidateSerialBeyondCounter(t *testing.T) {
	state := NewState()
	state.NextSerial = 2
	state.Deployments = []Deployment{testDeployment(5, StatusCurrent, "a")}
	if err := state.Validate(); err == nil || !strings.Contains(err.Error(), "outside") {
		t.Errorf("Validate = %v, want serial range error", err)
	}
}

func TestNormalize(t *testing.T) {
	state := NewState()
	stale := testDeployment(1, StatusStale, "a")
	current := testDeployment(3, StatusCurrent, "c")
	rollback := testDeployment(2, StatusRollback, "b")
	state.Deployments = []Deployment{stale, current, rollback}
	state.Normalize()

	want := []string{current.ID, rollback.ID, stale.ID}
	for index, deployment := range state.Deployments {
		if deployment.ID != want[index] {
			t.Errorf("position %d = %s, want %s", index, deployment.ID, want[index])
		}
	}
}

func TestLiveTrees(t *testing.T) {
	first := testDeployment(1, StatusRollback, "same")
	second := testDeployment(2, StatusCurrent, "same")
	state := NewState()
	state.Deployments = []Deployment{second, first}

	counts := state.LiveTrees()
	if len(counts) != 1 || counts[first.Tree.String()] != 2 {
		t.Errorf("LiveTrees = %v, want one tree with two references", counts)
	}
}

func TestParseID(t *testing.T) {
	deployment := testDeployment(42, StatusCurrent, "z")
	short, serial, err := ParseID(deployment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if short != deployment.Tree.Short() || serial != 42 {
		t.Errorf("ParseID = %s, %d", short, serial)
	}
	for _, bad := range []string{"", "abc", "0123456789abcdef", "0123456789abcdef.x", "short.1"} {
		if _, _, err := ParseID(bad); err == nil {
			t.Errorf("ParseID(%q) succeeded", bad)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	state := NewState()
	deployment := testDeployment(1, StatusCurrent, "a")
	deployment.KernelArgs = []string{"quiet"}
	state.Deployments = []Deployment{deployment}

	clone := state.Clone()
	clone.Deployments[0].KernelArgs[0] = "debug"
	clone.Deployments[0].Status = StatusStale
	if state.Deployments[0].KernelArgs[0] != "quiet" || state.Deployments[0].Status != StatusCurrent {
		t.Error("Clone shares memory with the original")
	}
}
