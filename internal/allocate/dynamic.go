// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package allocate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	"github.com/SchedMD/slurm-sub061/internal/topology"
)

// DynamicAllocator implements the dynamic layout policy (§4.5 step 3): if
// no existing free block fits, synthesize one from the topology model.
type DynamicAllocator struct {
	Registry         *registry.Registry
	Topology         *topology.Topology
	Estimate         JobEndEstimator
	DenyPass         []topology.PassDim
	NodesPerMidplane int
	CPUsPerNode      int
	NodecardSize     int
	NIPerNodecard    int
	DefaultImages    block.Images
}

func NewDynamicAllocator(reg *registry.Registry, topo *topology.Topology, estimate JobEndEstimator, denyPass []topology.PassDim, cpusPerNode, nodecardSize, niPerNodecard int, defaultImages block.Images) *DynamicAllocator {
	return &DynamicAllocator{
		Registry:         reg,
		Topology:         topo,
		Estimate:         estimate,
		DenyPass:         denyPass,
		NodesPerMidplane: topo.NodesPerMidplane(),
		CPUsPerNode:      cpusPerNode,
		NodecardSize:     nodecardSize,
		NIPerNodecard:    niPerNodecard,
		DefaultImages:    defaultImages,
	}
}

// Place first tries to reuse an existing free block exactly as
// StaticAllocator would; failing that, it carves a new one out of the
// topology model.
func (a *DynamicAllocator) Place(ctx context.Context, req Request) (Result, error) {
	reused := a.Registry.List(func(b *block.Block) bool {
		return fits(b, req) && !b.Running() && len(overlappingRunning(a.Registry, b)) == 0
	})
	if len(reused) > 0 {
		return Result{Outcome: OutcomePlaced, Block: reused[0]}, nil
	}

	if req.MinNodes >= a.NodesPerMidplane {
		return a.placeMidplaneRectangle(req)
	}
	return a.placeSmallBlock(req)
}

func (a *DynamicAllocator) placeMidplaneRectangle(req Request) (Result, error) {
	midplanes := req.MinNodes / a.NodesPerMidplane
	if midplanes < 1 {
		midplanes = 1
	}
	dims := a.Topology.Dims()
	max := block.Coord{X: dims.X, Y: dims.Y, Z: dims.Z}
	min := minGeometryForCount(midplanes, dims)

	rect, err := a.Topology.FindRectangle(min, max, req.Geometry, req.Rotate)
	if err != nil {
		if errors.Is(err, topology.ErrNoRectangle) {
			return a.willRunAcrossFleet(req), nil
		}
		return Result{}, err
	}

	if err := a.Topology.Reserve(rect.Nodes, req.ConnType, a.DenyPass); err != nil {
		return a.willRunAcrossFleet(req), nil
	}

	b := a.newBlock(rect.Nodes, nil, rect.Geometry, rect.Start, req)
	toDestroy := a.destroyOverlapping(b)
	a.Registry.Insert(b)
	return Result{Outcome: OutcomePlaced, Block: b, ToDestroy: toDestroy}, nil
}

func (a *DynamicAllocator) placeSmallBlock(req Request) (Result, error) {
	dims := a.Topology.Dims()
	for x := 0; x < dims.X; x++ {
		for y := 0; y < dims.Y; y++ {
			for z := 0; z < dims.Z; z++ {
				coord := block.Coord{X: x, Y: y, Z: z}
				used := a.ionodesUsedAt(coord)
				bitmap := a.Topology.FreeIonodeRange(req.MinNodes, used)
				if bitmap == nil {
					continue
				}
				nodes := []block.Coord{coord}
				b := a.newBlock(nodes, bitmap, block.Coord{X: 1, Y: 1, Z: 1}, coord, req)
				b.ConnType = block.ConnSmall
				toDestroy := a.destroyOverlapping(b)
				a.Registry.Insert(b)
				return Result{Outcome: OutcomePlaced, Block: b, ToDestroy: toDestroy}, nil
			}
		}
	}
	return a.willRunAcrossFleet(req), nil
}

func (a *DynamicAllocator) ionodesUsedAt(coord block.Coord) []bool {
	var used []bool
	for _, b := range a.Registry.Main() {
		if !b.IsSmall() || len(b.Nodes) != 1 || b.Nodes[0] != coord {
			continue
		}
		if len(used) == 0 {
			used = make([]bool, len(b.Ionodes))
		}
		for i, set := range b.Ionodes {
			if set && i < len(used) {
				used[i] = true
			}
		}
	}
	return used
}

func (a *DynamicAllocator) newBlock(nodes []block.Coord, ionodes []bool, geometry, start block.Coord, req Request) *block.Block {
	b := &block.Block{
		ID:         "pending-" + uuid.New().String(),
		Nodes:      nodes,
		Ionodes:    ionodes,
		Geometry:   geometry,
		Start:      start,
		ConnType:   req.ConnType,
		Images:     a.imagesFor(req),
		State:      block.StateFree,
		JobRunning: block.NoJob,
	}
	b.DeriveCounts(a.NodesPerMidplane, a.CPUsPerNode, a.NodecardSize, a.NIPerNodecard)
	return b
}

func (a *DynamicAllocator) imagesFor(req Request) block.Images {
	var zero block.Images
	if req.Images != zero {
		return req.Images
	}
	return a.DefaultImages
}

// destroyOverlapping marks every free-and-unused block overlapping the
// new block for destruction (§4.5 step 4), removing it from the registry
// immediately; the caller (lifecycle engine) is responsible for issuing
// the controller-side destroy_block/remove_block calls.
func (a *DynamicAllocator) destroyOverlapping(newBlock *block.Block) []*block.Block {
	var toDestroy []*block.Block
	for _, b := range a.Registry.Main() {
		if b.ID == newBlock.ID || b.Running() {
			continue
		}
		if newBlock.OverlapsNodes(b) || newBlock.OverlapsIonodes(b) {
			toDestroy = append(toDestroy, b)
			a.Registry.Remove(b.ID)
		}
	}
	return toDestroy
}

// minGeometryForCount picks a minimum rectangle bound whose volume is at
// least count midplanes, preferring a single-axis run (X, then Y, then Z)
// before spreading across two or three axes, so FindRectangle's
// smallest-volume-first tie-break still lands on a block of the requested
// size rather than the smallest rectangle available anywhere on the grid.
func minGeometryForCount(count int, dims topology.Dims) block.Coord {
	if count <= dims.X {
		return block.Coord{X: count, Y: 1, Z: 1}
	}
	if count <= dims.X*dims.Y {
		y := (count + dims.X - 1) / dims.X
		return block.Coord{X: dims.X, Y: y, Z: 1}
	}
	z := (count + dims.X*dims.Y - 1) / (dims.X * dims.Y)
	if z > dims.Z {
		z = dims.Z
	}
	return block.Coord{X: dims.X, Y: dims.Y, Z: z}
}

// willRunAcrossFleet reports WILL_RUN with the earliest time any
// currently running job anywhere might free up enough room (§4.5 step 5:
// "the earliest time any overlapping running job ends" — with no
// candidate block yet synthesized, this degrades to the fleet-wide
// earliest end time, since any of them freeing up could open a rectangle).
func (a *DynamicAllocator) willRunAcrossFleet(req Request) Result {
	running := a.Registry.JobRunning()
	if len(running) == 0 {
		return Result{Outcome: OutcomeImpossible}
	}
	var earliest time.Time
	for i, b := range running {
		var end time.Time
		if a.Estimate != nil {
			end = a.Estimate(b.JobRunning)
		}
		if i == 0 || end.Before(earliest) {
			earliest = end
		}
	}
	return Result{Outcome: OutcomeWillRun, EstimatedStart: earliest}
}
