// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package bridge defines the interface this core consumes from the
// hardware bridge library (§6). The bridge library itself — the wire
// protocol talking to the controller — is explicitly out of scope (§1);
// every other package in this module depends only on the ControllerBridge
// interface, never on a concrete transport.
package bridge

import (
	"context"

	"github.com/SchedMD/slurm-sub061/internal/block"
)

// HardwareState is the controller's reported state for a base partition or
// nodecard, independent of block lifecycle state.
type HardwareState string

const (
	HardwareUp    HardwareState = "up"
	HardwareDown  HardwareState = "down"
	HardwareError HardwareState = "error"
)

// MachineInfo is the response to get_bg: the machine's overall torus
// geometry and the state of every base partition in it.
type MachineInfo struct {
	Dims            block.Coord
	BasePartitions  []BasePartitionInfo
	NodesPerBP      int
	NodecardSize    int
	Numpsets        int
}

// BasePartitionInfo is one midplane's hardware state, as last reported by
// the MMCS poller's get_bg/get_nodecards calls (§4.7).
type BasePartitionInfo struct {
	Coord block.Coord
	State HardwareState
}

// NodecardInfo is one nodecard's hardware state within a base partition.
type NodecardInfo struct {
	BPCoord block.Coord
	Index   int
	State   HardwareState
}

// JobInfo is the controller's view of a job attached to a block, used by
// get_jobs during reconciliation and sync_jobs.
type JobInfo struct {
	JobID   int64
	BlockID string
	User    string
}

// BlockSpec is the set of fields needed to ask the controller to create a
// new block (§4.5/§4.6 boot).
type BlockSpec struct {
	Nodes    []block.Coord
	Ionodes  []bool
	Geometry block.Coord
	Start    block.Coord
	ConnType block.ConnType
	Images   block.Images
}

// Signal is a Unix-style signal number sent to a job via signal_job.
type Signal int

const (
	SIGTERM Signal = 15
	SIGKILL Signal = 9
)

// ControllerBridge is the hardware controller this core drives. Every
// method may block for seconds (§5); callers never hold the registry
// mutex across one of these calls. All methods return a *pkg/errors.BGError
// on failure, classified per §7's taxonomy.
type ControllerBridge interface {
	// GetBG returns the machine's static geometry and current base
	// partition states (get_bg).
	GetBG(ctx context.Context) (MachineInfo, error)

	// GetBlock returns the controller's current view of one block
	// (get_block).
	GetBlock(ctx context.Context, id string) (*block.Block, error)

	// GetBlocks enumerates blocks known to the controller, optionally
	// filtered by state (get_blocks(state_flag); also the historical
	// get_partitions name in §5's suspension-point list).
	GetBlocks(ctx context.Context, stateFilter block.State) ([]*block.Block, error)

	// GetJobs enumerates jobs the controller knows about, optionally
	// filtered by state (get_jobs(state_flag)).
	GetJobs(ctx context.Context, stateFilter string) ([]JobInfo, error)

	// GetNodecards enumerates the nodecards of one base partition
	// (get_nodecards(bp_id)), used by the MMCS poller to find the
	// ionode range a failed nodecard corresponds to.
	GetNodecards(ctx context.Context, bpID string) ([]NodecardInfo, error)

	// CreateBlock asks the controller to configure a new block
	// (create_block). The returned block carries the controller-assigned
	// id.
	CreateBlock(ctx context.Context, spec BlockSpec) (*block.Block, error)

	// DestroyBlock asks the controller to tear down (but not remove) a
	// block (destroy_block).
	DestroyBlock(ctx context.Context, id string) error

	// RemoveBlock asks the controller to forget a block entirely
	// (remove_block). Only valid once the block is free/deallocated.
	RemoveBlock(ctx context.Context, id string) error

	// ModifyBlock changes one field of a block on the controller
	// (modify_block(field, value)) — used for image rewrites.
	ModifyBlock(ctx context.Context, id, field, value string) error

	// SetBlockOwner changes the controller-side OS owner of a block
	// (set_block_owner).
	SetBlockOwner(ctx context.Context, id, user string) error

	// RemoveBlockUser removes the controller-side OS owner of a block
	// (remove_block_user), used at job termination.
	RemoveBlockUser(ctx context.Context, id, user string) error

	// SignalJob sends a signal to a job running on the controller
	// (signal_job), used to escalate a stuck free_block poll loop.
	SignalJob(ctx context.Context, jobID int64, sig Signal) error
}
