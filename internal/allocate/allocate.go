// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package allocate implements the allocator (C6, §4.5): the static,
// overlap, and dynamic layout policies that match a job request to a
// block, estimate a start time when nothing fits yet, or report a
// request as never satisfiable.
package allocate

import (
	"context"
	"time"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	bgerrors "github.com/SchedMD/slurm-sub061/pkg/errors"
)

// Outcome is the result kind of one Place call.
type Outcome int

const (
	// OutcomePlaced means req was bound to an existing or newly
	// constructed free block, ready to boot.
	OutcomePlaced Outcome = iota
	// OutcomeWillRun means nothing fits right now, but req would fit once
	// EstimatedStart is reached.
	OutcomeWillRun
	// OutcomeImpossible means no block configuration could ever satisfy
	// req (GEOMETRY_IMPOSSIBLE, §7).
	OutcomeImpossible
)

// Request is a job placement request. Normalize rounds its node count to
// a legal size and keeps Rotate/Reboot as given; no maximum CPU count is
// derived (the request carries only CPUsPerNode).
type Request struct {
	JobID      int64
	MinNodes   int
	MaxNodes   int
	Geometry   block.Coord // zero value means "no geometry hint"
	ConnType   block.ConnType
	Images     block.Images
	Rotate     bool
	Reboot     bool
	CPUsPerNode int
}

// Result is the outcome of one Place call.
type Result struct {
	Outcome        Outcome
	Block          *block.Block
	EstimatedStart time.Time
	// ToDestroy lists blocks the dynamic allocator marked free-and-unused
	// for destruction to make room for the new block (§4.5 step 4).
	ToDestroy []*block.Block
}

// JobEndEstimator reports the estimated completion time of the job
// currently running on a block, used to compute WILL_RUN estimates. The
// scheduler (out of scope here) owns the real estimate; tests and the
// composition root supply this.
type JobEndEstimator func(jobID int64) time.Time

// Allocator is the layout-policy interface selected once at startup
// (§4.5) and never changed thereafter.
type Allocator interface {
	Place(ctx context.Context, req Request) (Result, error)
}

// fits reports whether a block's geometry/conn-type could ever satisfy
// req, independent of its current running state.
func fits(b *block.Block, req Request) bool {
	if b.ConnType != req.ConnType {
		return false
	}
	if b.NodeCnt < req.MinNodes {
		return false
	}
	if req.MaxNodes > 0 && b.NodeCnt > req.MaxNodes {
		return false
	}
	return true
}

func overlappingRunning(reg *registry.Registry, b *block.Block) []*block.Block {
	var out []*block.Block
	for _, other := range reg.JobRunning() {
		if other.ID == b.ID {
			continue
		}
		if b.OverlapsNodes(other) || b.OverlapsIonodes(other) {
			out = append(out, other)
		}
	}
	return out
}

func estimatedStart(reg *registry.Registry, b *block.Block, estimate JobEndEstimator) time.Time {
	var latest time.Time
	running := overlappingRunning(reg, b)
	if b.Running() {
		running = append(running, b)
	}
	for _, other := range running {
		var end time.Time
		if estimate != nil {
			end = estimate(other.JobRunning)
		} else {
			end = time.Now()
		}
		if end.After(latest) {
			latest = end
		}
	}
	return latest
}

func geometryImpossible(req Request) error {
	return bgerrors.GeometryImpossible(
		"no block configuration can ever satisfy the requested geometry/connection type")
}
