// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package allocate

import (
	"context"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	"github.com/SchedMD/slurm-sub061/internal/topology"
)

// OverlapAllocator implements the overlap layout policy (§4.5): like
// static, but relaxes invariant 3(a) so a block may start when no
// *overlapping* block has a job, verified against the topology model's
// wiring feasibility check.
type OverlapAllocator struct {
	Registry *registry.Registry
	Topology *topology.Topology
	Estimate JobEndEstimator
	DenyPass []topology.PassDim
}

func NewOverlapAllocator(reg *registry.Registry, topo *topology.Topology, estimate JobEndEstimator, denyPass []topology.PassDim) *OverlapAllocator {
	return &OverlapAllocator{Registry: reg, Topology: topo, Estimate: estimate, DenyPass: denyPass}
}

// Place behaves like StaticAllocator.Place (a candidate already running a
// job is never reusable) except invariant 3(a)'s neighbor restriction is
// relaxed: a candidate is rejected only when an *overlapping* block has a
// job actually running on it, not merely configured, and it is probed
// against the topology's wiring feasibility before being accepted.
func (a *OverlapAllocator) Place(ctx context.Context, req Request) (Result, error) {
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
		if !a.wireable(b) {
			continue
		}
		return Result{Outcome: OutcomePlaced, Block: b}, nil
	}

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

// wireable probes whether b's midplane set can be wired against the
// topology's current reservations, reserving then immediately releasing
// b's own nodes to avoid leaving topology state mutated by a failed
// placement attempt. The midplane sets of job-running blocks are not
// reserved by this probe, so it does not check that b and those blocks
// can be wired at the same time.
func (a *OverlapAllocator) wireable(b *block.Block) bool {
	if err := a.Topology.Reserve(b.Nodes, b.ConnType, a.DenyPass); err != nil {
		return false
	}
	a.Topology.Release(b.Nodes)
	return true
}
