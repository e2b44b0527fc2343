// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package jobbridge exposes the five operations §4.8 names as the RPC
// layer's entry points into this core: submit_job, start_job, job_ready,
// term_job, and sync_jobs. Everything above this package (the RPC
// transport itself) is out of scope (§1); jobbridge is the last in-scope
// seam before it.
package jobbridge

import (
	"context"
	"sync"
	"time"

	"github.com/SchedMD/slurm-sub061/internal/allocate"
	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/lifecycle"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	"github.com/SchedMD/slurm-sub061/internal/topology"
	bgerrors "github.com/SchedMD/slurm-sub061/pkg/errors"
	"github.com/SchedMD/slurm-sub061/pkg/metrics"
)

// Readiness is job_ready's three-way answer (§4.8).
type Readiness int

const (
	NotReady Readiness = iota
	Ready
	ReadyError
)

// Mode distinguishes a real submission from a feasibility probe
// (submit_job's test_only argument, §4.8).
type Mode int

const (
	ModeCommit Mode = iota
	ModeTestOnly
)

// SubmitRequest is submit_job's argument set: the job id, a geometry
// hint bitmap (nil means "anywhere"), the node-count range, and the
// requested connection type/images.
type SubmitRequest struct {
	JobID    int64
	Geometry block.Coord
	MinNodes int
	MaxNodes int
	ConnType block.ConnType
	Images   block.Images
	Rotate   bool
	Mode     Mode
}

// SubmitResult is submit_job's return value.
type SubmitResult struct {
	BlockID        string
	EstimatedStart time.Time
	Outcome        allocate.Outcome
}

// Bridge wires the allocator and lifecycle engine behind the five
// operations the RPC layer drives (§4.8).
type Bridge struct {
	Registry  *registry.Registry
	Topology  *topology.Topology
	Allocator allocate.Allocator
	Lifecycle *lifecycle.Engine
	Metrics   metrics.Collector

	// LayoutMode labels RecordAllocation calls ("static"/"overlap"/
	// "dynamic"); purely descriptive, set by internal/engine from
	// internal/config.Config.LayoutMode.
	LayoutMode string

	CPUsPerNode int

	// pendingMu guards pending: submit_job/start_job/job_ready/term_job/
	// sync_jobs are this core's concurrent RPC-layer seam (§4.8/§5), so
	// they can race each other's reads and writes of the map without it.
	pendingMu sync.Mutex

	// pending tracks the block a submit_job call committed a job to,
	// keyed by job id, so start_job/term_job/job_ready don't need the
	// caller to keep passing a block id around (§4.8 only takes `job`).
	pending map[int64]string
}

// New builds a job bridge over an already-constructed allocator and
// lifecycle engine.
func New(reg *registry.Registry, topo *topology.Topology, alloc allocate.Allocator, eng *lifecycle.Engine, cpusPerNode int) *Bridge {
	return &Bridge{
		Registry:    reg,
		Topology:    topo,
		Allocator:   alloc,
		Lifecycle:   eng,
		Metrics:     metrics.NoOpCollector{},
		CPUsPerNode: cpusPerNode,
		pending:     make(map[int64]string),
	}
}

// outcomeLabel maps an allocator Outcome to the string label recorded in
// metrics, so the /metrics endpoint reads "placed"/"will_run"/
// "impossible" rather than an opaque int.
func outcomeLabel(o allocate.Outcome) string {
	switch o {
	case allocate.OutcomePlaced:
		return "placed"
	case allocate.OutcomeWillRun:
		return "will_run"
	case allocate.OutcomeImpossible:
		return "impossible"
	default:
		return "unknown"
	}
}

// SubmitJob places req via the configured allocator; in ModeTestOnly it
// reports the outcome without committing the placement (§4.8).
func (b *Bridge) SubmitJob(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	normalized := allocate.Normalize(allocate.Request{
		JobID:       req.JobID,
		MinNodes:    req.MinNodes,
		MaxNodes:    req.MaxNodes,
		Geometry:    req.Geometry,
		ConnType:    req.ConnType,
		Images:      req.Images,
		Rotate:      req.Rotate,
		CPUsPerNode: b.CPUsPerNode,
	}, b.Topology)

	res, err := b.Allocator.Place(ctx, normalized)
	if err != nil {
		return SubmitResult{}, err
	}
	b.Metrics.RecordAllocation(b.LayoutMode, outcomeLabel(res.Outcome))

	result := SubmitResult{Outcome: res.Outcome, EstimatedStart: res.EstimatedStart}
	if res.Outcome != allocate.OutcomePlaced || res.Block == nil {
		return result, nil
	}
	result.BlockID = res.Block.ID

	if req.Mode == ModeTestOnly {
		return result, nil
	}

	for _, d := range res.ToDestroy {
		b.Lifecycle.EnqueueDestroy(d.ID)
	}
	b.pendingMu.Lock()
	b.pending[req.JobID] = res.Block.ID
	b.pendingMu.Unlock()
	return result, nil
}

// StartJob enqueues the start action and returns immediately (§4.8);
// start_job's real work — boot, image rewrite, owner handover — runs on
// the lifecycle engine's worker pool.
func (b *Bridge) StartJob(job *lifecycle.Job) error {
	b.pendingMu.Lock()
	blockID, ok := b.pending[job.ID]
	b.pendingMu.Unlock()
	if !ok {
		return bgerrors.ResourcesBusy("start_job: no block committed by submit_job for this job")
	}
	b.Lifecycle.EnqueueStart(job, blockID)
	return nil
}

// JobReady reports the block's current readiness for job.ID (§4.8).
func (b *Bridge) JobReady(jobID int64) Readiness {
	b.pendingMu.Lock()
	blockID, ok := b.pending[jobID]
	b.pendingMu.Unlock()
	if !ok {
		return NotReady
	}
	blk, ok := b.Registry.Find(blockID)
	if !ok {
		return ReadyError
	}
	switch blk.State {
	case block.StateReady:
		return Ready
	case block.StateError:
		return ReadyError
	default:
		return NotReady
	}
}

// TermJob enqueues a terminate action: free the block's users, and for a
// small block, release its ionode reservation so the layout can reuse it
// (§4.8, §4.5 step 4's counterpart on the way down).
func (b *Bridge) TermJob(ctx context.Context, jobID int64) {
	b.pendingMu.Lock()
	blockID, ok := b.pending[jobID]
	if ok {
		delete(b.pending, jobID)
	}
	b.pendingMu.Unlock()
	if !ok {
		return
	}

	b.Lifecycle.Pool.Submit(func() {
		ctx := context.Background()
		b.Lifecycle.RemoveAllUsers(ctx, blockID)
		if blk, ok := b.Registry.Find(blockID); ok && blk.IsSmall() {
			b.Topology.Release(blk.Nodes)
		}
		// Destroy runs inline rather than via EnqueueDestroy: this closure
		// already occupies one pool worker slot, and a nested Submit would
		// race a concurrent Drain (the nested task can be silently dropped
		// if draining flips true between this task starting and the
		// nested Submit call).
		b.Lifecycle.Destroy(ctx, blockID)
	})
}

// SyncJobs reconciles the registry against the controller's full running
// set (§4.6/§4.8): every job in jobs is rebound to its block, and any
// block left running with no matching job is torn down as an orphan.
func (b *Bridge) SyncJobs(ctx context.Context, jobs []*lifecycle.Job, jobBlock map[int64]string) []lifecycle.Result {
	b.pendingMu.Lock()
	for jobID, blockID := range jobBlock {
		b.pending[jobID] = blockID
	}
	b.pendingMu.Unlock()
	return b.Lifecycle.SyncJobs(ctx, jobs, jobBlock)
}
