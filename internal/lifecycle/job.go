// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import "github.com/SchedMD/slurm-sub061/internal/block"

// Job is the lifecycle engine's view of a job: just enough to drive
// start/terminate/sync without depending on the (out-of-scope) RPC
// layer's richer job record.
type Job struct {
	ID     int64
	User   string
	Images block.Images
}

// RemoveUserResult is the typed outcome of an owner-handover or
// owner-teardown step, folded in from the original's
// REMOVE_USER_{ERR,NONE,FOUND} taxonomy (see SPEC_FULL.md supplemented
// features): "found but already the right user" is success, not failure,
// so a bare error return would lose that distinction.
type RemoveUserResult int

const (
	// RemoveUserErr means the controller call failed outright.
	RemoveUserErr RemoveUserResult = iota
	// RemoveUserNone means the block had no owner to remove.
	RemoveUserNone
	// RemoveUserFound means an owner was present and removed.
	RemoveUserFound
)

// Effect names the side effect the job bridge must apply after a
// lifecycle operation returns (§9: "model explicitly as a returned
// action" rather than a goto-style error path).
type Effect int

const (
	EffectNone Effect = iota
	EffectRequeue
	EffectFail
	EffectDrain
)

// Result is what a lifecycle operation reports back: the effect the
// caller must apply, and the error (if any) driving that effect.
type Result struct {
	Effect Effect
	Err    error
}
