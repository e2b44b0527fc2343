// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package allocate

import (
	"context"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/registry"
)

// StaticAllocator implements the static layout policy (§4.5): only the
// blocks declared in the configuration exist; place(req) never creates or
// destroys a block.
type StaticAllocator struct {
	Registry *registry.Registry
	Estimate JobEndEstimator
}

func NewStaticAllocator(reg *registry.Registry, estimate JobEndEstimator) *StaticAllocator {
	return &StaticAllocator{Registry: reg, Estimate: estimate}
}

// Place iterates main in ascending node count (the registry's List order)
// and returns the first block that is free-or-unused, matches geometry
// and connection type, and does not overlap a block currently running a
// job.
func (a *StaticAllocator) Place(ctx context.Context, req Request) (Result, error) {
	candidates := a.Registry.List(func(b *block.Block) bool { return fits(b, req) })
	if len(candidates) == 0 {
		return Result{Outcome: OutcomeImpossible}, geometryImpossible(req)
	}

	for _, b := range candidates {
		if b.Running() {
			continue
		}
		if len(overlappingRunning(a.Registry, b)) > 0 {
			continue
		}
		return Result{Outcome: OutcomePlaced, Block: b}, nil
	}

	// Nothing fits right now; find the one that frees up soonest.
	first := candidates[0]
	est := estimatedStart(a.Registry, first, a.Estimate)
	best := first
	for _, b := range candidates[1:] {
		t := estimatedStart(a.Registry, b, a.Estimate)
		if t.Before(est) {
			est = t
			best = b
		}
	}

	return Result{Outcome: OutcomeWillRun, Block: best, EstimatedStart: est}, nil
}
