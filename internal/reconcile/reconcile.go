// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package reconcile implements the startup reconciler (C5, §4.4): it
// brings the in-memory block registry into agreement with the hardware
// controller before any RPC is accepted, matching configured blocks
// against live ones, adopting or deleting orphans, and marking
// controller-reported error blocks.
package reconcile

import (
	"context"
	"fmt"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/bridge"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	bgerrors "github.com/SchedMD/slurm-sub061/pkg/errors"
	"github.com/SchedMD/slurm-sub061/pkg/logging"
)

// Layout mirrors the three layout-mode strings understood by the
// allocator and the config reader (§4.5/§6), imported here only by value
// to decide the orphan-adoption rule.
type Layout string

const (
	LayoutStatic  Layout = "static"
	LayoutOverlap Layout = "overlap"
	LayoutDynamic Layout = "dynamic"
)

// Options configures one reconciliation pass.
type Options struct {
	Layout Layout
	// Recover, when false, deletes every unmatched orphan regardless of
	// layout mode (§4.4 step 3).
	Recover bool
	// FullSystemBlockID, if non-empty, names the configured full-machine
	// block that is rescued from the orphan list even without a pass-1
	// match (§4.4's tie-break note).
	FullSystemBlockID string
	// LegacyMode skips the image-match requirement when matching
	// configured blocks to live ones (§4.4 step 2's "non-legacy mode"
	// qualifier).
	LegacyMode bool
}

// Run executes one reconciliation pass. configured is the block set
// produced by the configuration reader (static/overlap) or empty
// (dynamic, before any allocation); it is mutated in place and then every
// surviving/adopted block is inserted into reg.
func Run(ctx context.Context, reg *registry.Registry, ctrl bridge.ControllerBridge, configured []*block.Block, opts Options, logger logging.Logger) error {
	live, err := ctrl.GetBlocks(ctx, "")
	if err != nil {
		return bgerrors.ConfigInvalid("reconciler: enumerate controller blocks", err)
	}

	orphans := make(map[string]*block.Block, len(live))
	for _, b := range live {
		orphans[b.ID] = b
	}

	for _, cfg := range configured {
		match := findMatch(cfg, orphans, opts.LegacyMode)
		if match == nil {
			continue
		}
		cfg.ID = match.ID
		cfg.State = match.State
		cfg.BootState = match.BootState
		cfg.JobRunning = match.JobRunning
		cfg.UserName = match.UserName
		delete(orphans, match.ID)
	}

	if opts.FullSystemBlockID != "" {
		if full, ok := orphans[opts.FullSystemBlockID]; ok {
			configured = append(configured, full)
			delete(orphans, opts.FullSystemBlockID)
		}
	}

	for _, orphan := range orphans {
		if opts.Recover && opts.Layout == LayoutDynamic {
			configured = append(configured, orphan)
			continue
		}
		if err := destroyOrphan(ctx, ctrl, orphan, logger); err != nil {
			logger.Error("reconciler: failed to remove orphan block", "block_id", orphan.ID, "error", err)
		}
	}

	for _, b := range configured {
		if b.State == block.StateError {
			b.MarkBlockError()
		}
		reg.Insert(b)
	}

	return nil
}

func findMatch(cfg *block.Block, orphans map[string]*block.Block, legacy bool) *block.Block {
	for _, live := range orphans {
		if !sameNodes(cfg.Nodes, live.Nodes) {
			continue
		}
		if !sameIonodes(cfg.Ionodes, live.Ionodes) {
			continue
		}
		if cfg.ConnType != live.ConnType {
			continue
		}
		if !legacy && !cfg.Images.Equal(live.Images) {
			continue
		}
		return live
	}
	return nil
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

func destroyOrphan(ctx context.Context, ctrl bridge.ControllerBridge, orphan *block.Block, logger logging.Logger) error {
	if err := ctrl.DestroyBlock(ctx, orphan.ID); err != nil {
		return fmt.Errorf("destroy: %w", err)
	}
	if err := ctrl.RemoveBlock(ctx, orphan.ID); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	return nil
}
