// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package lifecycle implements the block lifecycle engine (§4.6): the
// bounded worker pool driving boot/free/destroy, the block state machine,
// and start_job/sync_jobs.
package lifecycle

import "github.com/SchedMD/slurm-sub061/internal/block"

// transitions enumerates every (from, to) pair the §4.6 diagram allows.
// Anything not listed here is forbidden; CanTransition is the single
// source of truth other packages and tests consult rather than
// re-deriving the diagram by hand.
var transitions = map[block.State]map[block.State]bool{
	block.StateFree: {
		block.StateConfiguring: true, // request_boot
		block.StateError:       true, // admin_fail
	},
	block.StateConfiguring: {
		block.StateReady: true, // ack
		block.StateError: true, // boot fail
	},
	block.StateReady: {
		block.StateDeallocating: true, // request_free
		block.StateError:        true, // admin_fail / hardware down
		block.StateRebooting:    true, // image change (§4.6 step 4)
		block.StateBusy:         true, // modifying in flight
	},
	block.StateDeallocating: {
		block.StateFree:  true, // ack
		block.StateError: true, // bridge failure leaves it stuck
	},
	block.StateRebooting: {
		block.StateFree:  true, // freed before image rewrite
		block.StateError: true,
	},
	block.StateBusy: {
		block.StateFree:  true,
		block.StateReady: true,
		block.StateError: true,
	},
	block.StateError: {
		block.StateFree: true, // admin or reconciler recovery
	},
}

// CanTransition reports whether moving a block from `from` to `to` is a
// legal state-machine edge. A state transitioning to itself is always
// legal (a no-op retry of the same request).
func CanTransition(from, to block.State) bool {
	if from == to {
		return true
	}
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Transition moves b from its current state to to, returning false
// without modifying b if the edge is not allowed.
func Transition(b *block.Block, to block.State) bool {
	if !CanTransition(b.State, to) {
		return false
	}
	b.State = to
	return true
}
