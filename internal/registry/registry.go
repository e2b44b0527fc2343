// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the block registry (§4.2): the process-wide
// map from block id to block record, its derived index views, and the
// single coarse mutex that guards every mutation.
package registry

import (
	"sort"
	"sync"

	"github.com/SchedMD/slurm-sub061/internal/block"
)

// Registry is the authoritative in-memory set of blocks. All mutation
// goes through the registry's mutex; the only operations allowed to drop
// it mid-call are the lifecycle engine's free/boot paths (§4.2), which use
// Lock/Unlock/GetLocked directly rather than the atomic helpers below.
type Registry struct {
	mu   sync.Mutex
	byID map[string]*block.Block
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*block.Block)}
}

// Lock acquires the registry mutex for callers that need to span more
// than one operation, or that must drop the mutex mid-call (the
// documented bg_free_block/boot_block exception in §4.2 and §9).
func (r *Registry) Lock() { r.mu.Lock() }

// Unlock releases the registry mutex.
func (r *Registry) Unlock() { r.mu.Unlock() }

// GetLocked looks up a block by id. The caller must already hold the
// registry mutex (via Lock). Used by lifecycle workers to re-resolve a
// block by id after re-acquiring the mutex post-bridge-call, per the
// "never retain a record pointer across a blocking call" rule in §3.
func (r *Registry) GetLocked(id string) (*block.Block, bool) {
	b, ok := r.byID[id]
	return b, ok
}

// Insert adds or replaces a block record.
func (r *Registry) Insert(b *block.Block) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.InsertLocked(b)
}

// InsertLocked is Insert for a caller that already holds the mutex via
// Lock (e.g. the lifecycle engine re-keying a block under its
// controller-assigned id in the same critical section it fetched it in).
func (r *Registry) InsertLocked(b *block.Block) {
	r.byID[b.ID] = b
}

// Remove deletes a block record by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RemoveLocked(id)
}

// RemoveLocked is Remove for a caller that already holds the mutex.
func (r *Registry) RemoveLocked(id string) {
	delete(r.byID, id)
}

// Find looks up a block by id, taking the mutex itself.
func (r *Registry) Find(id string) (*block.Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[id]
	return b, ok
}

// FindByGeometry returns a block whose midplane set (or, for small
// blocks, midplane plus ionode bitmap) exactly matches the request. Used
// by the reconciler to match configured blocks against live ones.
func (r *Registry) FindByGeometry(nodes []block.Coord, ionodes []bool) (*block.Block, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.byID {
		if sameNodes(b.Nodes, nodes) && sameIonodes(b.Ionodes, ionodes) {
			return b, true
		}
	}
	return nil, false
}

func sameNodes(a, b []block.Coord) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[block.Coord]struct{}, len(a))
	for _, c := range a {
		set[c] = struct{}{}
	}
	for _, c := range b {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

func sameIonodes(a, b []bool) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// List returns every block matching filter (nil matches everything),
// sorted in ascending node_cnt then id, per §4.2.
func (r *Registry) List(filter func(*block.Block) bool) []*block.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(filter)
}

func (r *Registry) listLocked(filter func(*block.Block) bool) []*block.Block {
	out := make([]*block.Block, 0, len(r.byID))
	for _, b := range r.byID {
		if filter == nil || filter(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeCnt != out[j].NodeCnt {
			return out[i].NodeCnt < out[j].NodeCnt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Main returns every configured block (all of them — "main" in §2/§4.2 is
// the full configured set).
func (r *Registry) Main() []*block.Block {
	return r.List(nil)
}

// MainLocked is Main for a caller that already holds the mutex (the health
// poller, which mutates block state in the same critical section it scans
// in).
func (r *Registry) MainLocked() []*block.Block {
	return r.listLocked(nil)
}

// Booted returns blocks whose state is ready or configuring (invariant 2
// in §3).
func (r *Registry) Booted() []*block.Block {
	return r.List(func(b *block.Block) bool {
		return b.State == block.StateReady || b.State == block.StateConfiguring
	})
}

// JobRunning returns blocks with a real (positive) job attached
// (invariant 1 in §3).
func (r *Registry) JobRunning() []*block.Block {
	return r.List(func(b *block.Block) bool {
		return b.JobRunning > 0
	})
}

// Freeing returns blocks currently in the deallocating state.
func (r *Registry) Freeing() []*block.Block {
	return r.List(func(b *block.Block) bool {
		return b.State == block.StateDeallocating
	})
}

// TotalCPUAccounting sums cpu_cnt over job-running blocks and reports it
// alongside totalCPUs - that sum, for invariant 4 verification in tests.
func (r *Registry) TotalCPUAccounting(totalCPUs int) (running int, unused int) {
	for _, b := range r.JobRunning() {
		running += b.CPUCnt
	}
	return running, totalCPUs - running
}
