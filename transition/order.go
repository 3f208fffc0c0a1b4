// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transition

import "github.com/bureau-foundation/rootswap/sysroot"

// arrange builds a boot order with current first. The others keep
// their relative order: the first rollbackSlots become Rollback and
// the rest Stale. A deployment once Stale is never promoted back to
// Rollback by a later arrangement; only explicit rollback and
// finalize choose what boots.
func arrange(current sysroot.Deployment, others []sysroot.Deployment, rollbackSlots int) []sysroot.Deployment {
	current.Status = sysroot.StatusCurrent
	order := []sysroot.Deployment{current}
	slots := rollbackSlots
	for _, deployment := range others {
		if deployment.ID == current.ID {
			continue
		}
		if slots > 0 && deployment.Status != sysroot.StatusStale {
			deployment.Status = sysroot.StatusRollback
			slots--
		} else {
			deployment.Status = sysroot.StatusStale
		}
		order = append(order, deployment)
	}
	return order
}

// without returns deployments minus the ones whose id is in ids.
func without(deployments []sysroot.Deployment, ids ...string) []sysroot.Deployment {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []sysroot.Deployment
	for _, deployment := range deployments {
		if !drop[deployment.ID] {
			kept = append(kept, deployment)
		}
	}
	return kept
}

// bootable returns the deployments that get boot entries: Current and
// Rollback. Stale deployments are waiting to be pruned and cannot be
// chosen at boot.
func bootable(deployments []sysroot.Deployment) []sysroot.Deployment {
	var entries []sysroot.Deployment
	for _, deployment := range deployments {
		if deployment.Status == sysroot.StatusCurrent || deployment.Status == sysroot.StatusRollback {
			entries = append(entries, deployment)
		}
	}
	return entries
}
