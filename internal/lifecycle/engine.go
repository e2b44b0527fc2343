// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package lifecycle

import (
	"context"
	"time"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/bridge"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	bgerrors "github.com/SchedMD/slurm-sub061/pkg/errors"
	"github.com/SchedMD/slurm-sub061/pkg/logging"
	"github.com/SchedMD/slurm-sub061/pkg/metrics"
	"github.com/SchedMD/slurm-sub061/pkg/retry"
)

// Layout mirrors internal/reconcile.Layout; duplicated rather than
// imported so the engine does not need to depend on the reconciler
// package for a three-value string type.
type Layout string

const (
	LayoutStatic  Layout = "static"
	LayoutOverlap Layout = "overlap"
	LayoutDynamic Layout = "dynamic"
)

// Engine is the lifecycle engine (§4.6): the bounded worker pool plus the
// operations (start_job, boot, free, destroy, sync_jobs) that drive a
// block through its state machine. Every mutation of shared block fields
// happens under Registry's mutex; every controller-bridge call happens
// outside it, per §5's concurrency model.
type Engine struct {
	Registry *registry.Registry
	Bridge   bridge.ControllerBridge
	Logger   logging.Logger
	Layout   Layout
	Metrics  metrics.Collector

	Pool *Pool

	// IncompatibleRetry is the §7 INCOMPATIBLE_STATE policy: MAX_ADD_RETRY
	// = 2 retries with a 3s back-off.
	IncompatibleRetry retry.Policy

	// FreePollInterval and MaxFreePollRetries bound the free_block poll
	// loop (§5: "gives up after MAX_POLL_RETRIES*POLL_INTERVAL and
	// escalates to signal_job(SIGTERM)").
	FreePollInterval   time.Duration
	MaxFreePollRetries int

	// BootPollRetries bounds start_job's synchronous wait for a block to
	// reach ready after boot (standing in for the external prolog's
	// block_ready() poll, since this package has no async job bridge yet).
	BootPollRetries int
}

// transition wraps Transition with a metrics recording, so every edge the
// engine walks a block through is visible at cmd/bgblockd's /metrics
// endpoint without every call site remembering to record it.
func (e *Engine) transition(b *block.Block, to block.State) bool {
	from := b.State
	ok := Transition(b, to)
	if ok {
		e.Metrics.RecordBlockTransition(string(from), string(to))
	}
	return ok
}

// NewEngine builds an Engine with a poolSize-worker pool (§4.6: bounded at
// 30) and the default INCOMPATIBLE_STATE retry policy.
func NewEngine(reg *registry.Registry, br bridge.ControllerBridge, logger logging.Logger, layout Layout, poolSize int) *Engine {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Engine{
		Registry:           reg,
		Bridge:             br,
		Logger:             logger,
		Layout:             layout,
		Metrics:            metrics.NoOpCollector{},
		Pool:               NewPool(poolSize),
		IncompatibleRetry:  retry.NewFixedDelay(2, 3*time.Second),
		FreePollInterval:   time.Second,
		MaxFreePollRetries: 30,
		BootPollRetries:    30,
	}
}

func (e *Engine) locked(id string) (*block.Block, bool) {
	e.Registry.Lock()
	defer e.Registry.Unlock()
	return e.Registry.GetLocked(id)
}

// overlappingRunningLocked returns every other main block overlapping b
// that currently has a real job attached (invariant 3(a) in §3). Caller
// must hold the registry mutex.
func (e *Engine) overlappingRunningLocked(b *block.Block) []*block.Block {
	var out []*block.Block
	for _, o := range e.Registry.MainLocked() {
		if o.ID == b.ID || !o.Running() {
			continue
		}
		if b.OverlapsNodes(o) || b.OverlapsIonodes(o) {
			out = append(out, o)
		}
	}
	return out
}

// freeUnusedOverlappingLocked returns every other main block overlapping
// b that is free and has no job (§4.6 step 3: dynamic-only cleanup of
// blocks the new allocation displaces). Caller must hold the mutex.
func (e *Engine) freeUnusedOverlappingLocked(b *block.Block) []*block.Block {
	var out []*block.Block
	for _, o := range e.Registry.MainLocked() {
		if o.ID == b.ID || o.Running() || o.State != block.StateFree {
			continue
		}
		if b.OverlapsNodes(o) || b.OverlapsIonodes(o) {
			out = append(out, o)
		}
	}
	return out
}

// StartJob implements §4.6's start_job. It runs synchronously; callers
// that want fire-and-forget semantics (the job bridge's start_job, which
// "enqueues a start action and returns immediately") should call
// EnqueueStart instead.
func (e *Engine) StartJob(ctx context.Context, job *Job, blockID string) Result {
	e.Registry.Lock()
	b, ok := e.Registry.GetLocked(blockID)
	if !ok {
		e.Registry.Unlock()
		return Result{Effect: EffectRequeue, Err: bgerrors.ResourcesBusy("block no longer exists")}
	}
	if b.JobRunning > 0 && b.JobRunning != job.ID {
		e.Registry.Unlock()
		return Result{Effect: EffectRequeue, Err: bgerrors.ResourcesBusy("block already running a different job")}
	}

	if overlapping := e.overlappingRunningLocked(b); len(overlapping) > 0 {
		e.Registry.Unlock()
		return Result{Effect: EffectRequeue, Err: bgerrors.ResourcesBusy("overlapping block is running a job")}
	}

	var toDestroy []*block.Block
	if e.Layout == LayoutDynamic {
		toDestroy = e.freeUnusedOverlappingLocked(b)
	}
	e.Registry.Unlock()

	for _, d := range toDestroy {
		e.EnqueueDestroy(d.ID)
	}

	var zeroImages block.Images
	if job.Images != zeroImages && !b.Images.Equal(job.Images) {
		if res := e.rewriteImages(ctx, blockID, job.Images); res.Effect != EffectNone {
			return res
		}
	}

	b, ok = e.locked(blockID)
	if !ok {
		return Result{Effect: EffectRequeue, Err: bgerrors.ResourcesBusy("block no longer exists")}
	}
	if b.State != block.StateReady {
		if res := e.bootSync(ctx, blockID, job); res.Effect != EffectNone {
			return res
		}
	}

	e.Registry.Lock()
	if b, ok = e.Registry.GetLocked(blockID); ok {
		b.TargetName = job.User
	}
	e.Registry.Unlock()

	if err := e.Bridge.SetBlockOwner(ctx, blockID, job.User); err != nil {
		return Result{Effect: EffectFail, Err: bgerrors.OwnerSetFailed(blockID, job.ID, err)}
	}

	e.Registry.Lock()
	if b, ok = e.Registry.GetLocked(blockID); ok {
		b.UserName = b.TargetName
		b.JobRunning = job.ID
	}
	e.Registry.Unlock()

	return Result{Effect: EffectNone}
}

// EnqueueStart submits a start_job ticket to the worker pool; the result
// is logged rather than returned, matching the job bridge's
// fire-and-forget contract (§4.8).
func (e *Engine) EnqueueStart(job *Job, blockID string) {
	e.Pool.Submit(func() {
		res := e.StartJob(context.Background(), job, blockID)
		if res.Effect != EffectNone {
			e.Logger.Warn("lifecycle: start_job side effect", "block_id", blockID, "job_id", job.ID, "effect", res.Effect, "error", res.Err)
		}
	})
}

// rewriteImages implements §4.6 step 4: mark the block modifying, free
// it, rewrite whichever images differ on the controller, then clear
// modifying. Original is retained so a failed rewrite can be restored.
func (e *Engine) rewriteImages(ctx context.Context, blockID string, want block.Images) Result {
	e.Registry.Lock()
	b, ok := e.Registry.GetLocked(blockID)
	if !ok {
		e.Registry.Unlock()
		return Result{Effect: EffectRequeue, Err: bgerrors.ResourcesBusy("block no longer exists")}
	}
	orig := *b
	b.Original = &orig
	b.Modifying = true
	e.transition(b, block.StateRebooting)
	e.Registry.Unlock()

	if res := e.freeSync(ctx, blockID); res.Effect != EffectNone {
		return res
	}

	for field, value := range imageDiff(orig.Images, want) {
		if err := e.Bridge.ModifyBlock(ctx, blockID, field, value); err != nil {
			e.Registry.Lock()
			if b, ok = e.Registry.GetLocked(blockID); ok {
				b.State = block.StateError
				b.Modifying = false
			}
			e.Registry.Unlock()
			return Result{Effect: EffectRequeue, Err: bgerrors.BridgeFailure(blockID, "image rewrite failed", err)}
		}
	}

	e.Registry.Lock()
	if b, ok = e.Registry.GetLocked(blockID); ok {
		b.Images = want
		b.Modifying = false
		b.Original = nil
	}
	e.Registry.Unlock()
	return Result{Effect: EffectNone}
}

func imageDiff(have, want block.Images) map[string]string {
	out := map[string]string{}
	if want.Mloader != "" && want.Mloader != have.Mloader {
		out["mloaderimage"] = want.Mloader
	}
	if want.CnLoad != "" && want.CnLoad != have.CnLoad {
		out["cnloadimage"] = want.CnLoad
	}
	if want.IoLoad != "" && want.IoLoad != have.IoLoad {
		out["ioloadimage"] = want.IoLoad
	}
	if want.Blrts != "" && want.Blrts != have.Blrts {
		out["blrtsimage"] = want.Blrts
	}
	return out
}

// Boot implements §4.6's boot(block): precondition state == free, calls
// create_block, and on success moves the block to configuring and marks
// it booted. On incompatible_state it retries per the §7 policy before
// escalating to BLOCK_ERROR.
func (e *Engine) Boot(ctx context.Context, blockID string) Result {
	b, ok := e.locked(blockID)
	if !ok {
		return Result{Effect: EffectRequeue, Err: bgerrors.ResourcesBusy("block no longer exists")}
	}
	if b.State != block.StateFree {
		return Result{Effect: EffectNone}
	}

	spec := bridge.BlockSpec{
		Nodes:    b.Nodes,
		Ionodes:  b.Ionodes,
		Geometry: b.Geometry,
		Start:    b.Start,
		ConnType: b.ConnType,
		Images:   b.Images,
	}

	var created *block.Block
	err := retry.Do(ctx, e.IncompatibleRetry, func(attempt int) error {
		var callErr error
		created, callErr = e.Bridge.CreateBlock(ctx, spec)
		return callErr
	})
	if err != nil {
		e.Registry.Lock()
		if b, ok = e.Registry.GetLocked(blockID); ok {
			b.MarkBlockError()
		}
		e.Registry.Unlock()
		return Result{Effect: EffectRequeue, Err: bgerrors.IncompatibleState(blockID, "create_block rejected after retry")}
	}

	e.Registry.Lock()
	if b, ok = e.Registry.GetLocked(blockID); ok {
		if created != nil && created.ID != "" {
			renameLocked(e.Registry, b, created.ID)
		}
		e.transition(b, block.StateConfiguring)
		b.BootState = block.BootBooting
		b.BootCount++
	}
	e.Registry.Unlock()
	return Result{Effect: EffectNone}
}

// renameLocked re-keys a block under the controller-assigned id once
// create_block acknowledges it (§4.5 step 3: "fresh id or placeholder,
// filled in after controller ack"). Caller must hold the registry mutex.
func renameLocked(reg *registry.Registry, b *block.Block, newID string) {
	if b.ID == newID {
		return
	}
	reg.RemoveLocked(b.ID)
	b.ID = newID
	reg.InsertLocked(b)
}

// bootSync calls Boot and, on success, polls until the block reaches
// ready or a retry budget is exhausted, standing in for the external
// prolog's block_ready() poll (§4.6: "boot is not waited for" by the
// engine itself, but start_job's caller needs a synchronous outcome).
func (e *Engine) bootSync(ctx context.Context, blockID string, job *Job) Result {
	if res := e.Boot(ctx, blockID); res.Effect != EffectNone {
		return res
	}
	for i := 0; i < e.BootPollRetries; i++ {
		b, ok := e.locked(blockID)
		if !ok {
			return Result{Effect: EffectRequeue, Err: bgerrors.ResourcesBusy("block no longer exists")}
		}
		if b.State == block.StateReady {
			return Result{Effect: EffectNone}
		}
		if b.State == block.StateError {
			return Result{Effect: EffectRequeue, Err: bgerrors.BootFailed(blockID, job.ID, nil)}
		}
		select {
		case <-ctx.Done():
			return Result{Effect: EffectRequeue, Err: ctx.Err()}
		case <-time.After(e.FreePollInterval):
		}
	}
	return Result{Effect: EffectRequeue, Err: bgerrors.BootFailed(blockID, job.ID, nil)}
}

// Free implements §4.6's free(block): loop until state is free or error,
// calling destroy_block each iteration the controller hasn't already
// converged, dropping the mutex across the bridge call and sleeping
// between iterations (§5).
func (e *Engine) Free(ctx context.Context, blockID string) Result {
	for i := 0; i < e.MaxFreePollRetries; i++ {
		e.Registry.Lock()
		b, ok := e.Registry.GetLocked(blockID)
		if !ok {
			e.Registry.Unlock()
			return Result{Effect: EffectNone}
		}
		if b.State == block.StateFree || b.State == block.StateError {
			e.Registry.Unlock()
			return Result{Effect: EffectNone}
		}
		needsCall := b.State != block.StateDeallocating
		if needsCall {
			e.transition(b, block.StateDeallocating)
		}
		e.Registry.Unlock()

		if needsCall {
			if err := e.Bridge.DestroyBlock(ctx, blockID); err != nil {
				e.Logger.Warn("lifecycle: destroy_block failed, will retry", "block_id", blockID, "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return Result{Effect: EffectRequeue, Err: ctx.Err()}
		case <-time.After(e.FreePollInterval):
		}

		e.Registry.Lock()
		if b, ok = e.Registry.GetLocked(blockID); ok && b.State != block.StateFree && b.State != block.StateError {
			if gb, err := e.Bridge.GetBlock(ctx, blockID); err == nil && gb != nil {
				b.State = gb.State
			}
		}
		e.Registry.Unlock()
	}

	if jobID, err := e.signalStuckJob(ctx, blockID); err == nil && jobID > 0 {
		e.Logger.Warn("lifecycle: free_block poll exhausted, escalated SIGTERM", "block_id", blockID, "job_id", jobID)
	}
	return Result{Effect: EffectRequeue, Err: bgerrors.BridgeFailure(blockID, "free_block poll exhausted", nil)}
}

func (e *Engine) freeSync(ctx context.Context, blockID string) Result {
	return e.Free(ctx, blockID)
}

func (e *Engine) signalStuckJob(ctx context.Context, blockID string) (int64, error) {
	b, ok := e.locked(blockID)
	if !ok || b.JobRunning <= 0 {
		return 0, nil
	}
	jobID := b.JobRunning
	return jobID, e.Bridge.SignalJob(ctx, jobID, bridge.SIGTERM)
}

// Destroy implements §4.6's destroy(block): free, then remove_block, then
// remove it from the registry entirely.
func (e *Engine) Destroy(ctx context.Context, blockID string) Result {
	if res := e.Free(ctx, blockID); res.Effect != EffectNone {
		return res
	}
	if err := e.Bridge.RemoveBlock(ctx, blockID); err != nil {
		e.Logger.Warn("lifecycle: remove_block failed, leaving block in freeing list", "block_id", blockID, "error", err)
		return Result{Effect: EffectRequeue, Err: bgerrors.BridgeFailure(blockID, "remove_block failed", err)}
	}
	e.Registry.Remove(blockID)
	return Result{Effect: EffectNone}
}

// EnqueueDestroy submits a destroy ticket to the worker pool.
func (e *Engine) EnqueueDestroy(blockID string) {
	e.Pool.Submit(func() {
		res := e.Destroy(context.Background(), blockID)
		if res.Effect != EffectNone {
			e.Logger.Warn("lifecycle: destroy side effect", "block_id", blockID, "effect", res.Effect, "error", res.Err)
		}
	})
}

// RemoveAllUsers implements the original's remove_all_users, exposed here
// as a typed RemoveUserResult rather than a bare error (see
// SPEC_FULL.md's supplemented-features note): used by term_job to tear
// down the controller-side owner.
func (e *Engine) RemoveAllUsers(ctx context.Context, blockID string) RemoveUserResult {
	b, ok := e.locked(blockID)
	if !ok || b.UserName == "" {
		return RemoveUserNone
	}
	if err := e.Bridge.RemoveBlockUser(ctx, blockID, b.UserName); err != nil {
		return RemoveUserErr
	}
	e.Registry.Lock()
	if b, ok = e.Registry.GetLocked(blockID); ok {
		b.UserName = ""
		b.TargetName = ""
		b.JobRunning = block.NoJob
	}
	e.Registry.Unlock()
	return RemoveUserFound
}

// SyncJobs implements §4.6's sync_jobs: at startup, rebind every running
// job to its block, and enqueue a destroy for every block not referenced
// by any running job.
func (e *Engine) SyncJobs(ctx context.Context, jobs []*Job, jobBlock map[int64]string) []Result {
	var results []Result
	referenced := map[string]bool{}

	for _, job := range jobs {
		blockID, ok := jobBlock[job.ID]
		if !ok {
			results = append(results, Result{Effect: EffectFail, Err: bgerrors.ResourcesBusy("job references no block")})
			continue
		}
		e.Registry.Lock()
		b, ok := e.Registry.GetLocked(blockID)
		if !ok {
			e.Registry.Unlock()
			results = append(results, Result{Effect: EffectFail, Err: bgerrors.ResourcesBusy("block no longer exists")})
			continue
		}
		b.JobRunning = job.ID
		b.UserName = job.User
		b.TargetName = job.User
		if b.State == block.StateFree {
			e.transition(b, block.StateConfiguring)
		}
		e.Registry.Unlock()
		referenced[blockID] = true
		results = append(results, Result{Effect: EffectNone})
	}

	for _, b := range e.Registry.Main() {
		if !referenced[b.ID] && b.JobRunning <= 0 {
			continue
		}
		if !referenced[b.ID] {
			e.EnqueueDestroy(b.ID)
		}
	}
	return results
}
