// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bureau-foundation/rootswap/lib/failure"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantPrint bool
	}{
		{"success", nil, 0, false},
		{"exit error", &ExitError{Code: 4}, 4, false},
		{"usage", Usagef("unknown command %q", "x"), 2, true},
		{"wrapped usage", fmt.Errorf("parsing: %w", Usagef("bad")), 2, true},
		{"lock contention", failure.Errorf(failure.LockContention, "sysroot.lock", "held"), 3, true},
		{"no rollback", failure.Errorf(failure.NoRollbackAvailable, "rollback", "none"), 8, true},
		{"unclassified", errors.New("boom"), 1, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			code, print := ExitCode(test.err)
			if code != test.wantCode || print != test.wantPrint {
				t.Errorf("ExitCode(%v) = (%d, %v), want (%d, %v)", test.err, code, print, test.wantCode, test.wantPrint)
			}
		})
	}
}
