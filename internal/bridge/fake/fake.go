// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package fake provides an in-memory ControllerBridge test double, the one
// acceptable mock in this module: it stands in for hardware that is
// genuinely out of scope (§1), not for a dependency this rewrite chose not
// to wire.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/bridge"
	bgerrors "github.com/SchedMD/slurm-sub061/pkg/errors"
)

// Bridge is an in-memory controller simulation, grounded on the teacher's
// mutex-guarded MockStorage pattern for its REST test server.
type Bridge struct {
	mu sync.Mutex

	machine MachineInfo
	blocks  map[string]*block.Block
	jobs    map[int64]bridge.JobInfo
	nodecards map[string][]bridge.NodecardInfo

	// Errors, keyed by method name, injected for failure-path tests.
	Errors map[string]error

	signaled []SignalCall
}

// MachineInfo is re-exported here only to let callers build the fake's
// initial machine snapshot without importing two packages for one type.
type MachineInfo = bridge.MachineInfo

// SignalCall records one SignalJob invocation for test assertions.
type SignalCall struct {
	JobID int64
	Sig   bridge.Signal
}

// New builds an empty fake bridge with the given machine geometry.
func New(machine MachineInfo) *Bridge {
	return &Bridge{
		machine:   machine,
		blocks:    make(map[string]*block.Block),
		jobs:      make(map[int64]bridge.JobInfo),
		nodecards: make(map[string][]bridge.NodecardInfo),
		Errors:    make(map[string]error),
	}
}

// SeedBlock inserts a block directly into the simulated controller, as if
// it had been configured there before this process started (for
// reconciler tests).
func (b *Bridge) SeedBlock(blk *block.Block) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocks[blk.ID] = blk
}

// SeedNodecards records a base partition's nodecard states, for MMCS
// poller tests.
func (b *Bridge) SeedNodecards(bpID string, nc []bridge.NodecardInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodecards[bpID] = nc
}

// SetBasePartitionState mutates one base partition's hardware state, for
// health poller tests.
func (b *Bridge) SetBasePartitionState(coord block.Coord, state bridge.HardwareState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.machine.BasePartitions {
		if b.machine.BasePartitions[i].Coord == coord {
			b.machine.BasePartitions[i].State = state
			return
		}
	}
	b.machine.BasePartitions = append(b.machine.BasePartitions, bridge.BasePartitionInfo{Coord: coord, State: state})
}

// Signaled returns every SignalJob call observed so far.
func (b *Bridge) Signaled() []SignalCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SignalCall, len(b.signaled))
	copy(out, b.signaled)
	return out
}

func (b *Bridge) injected(method string) error {
	if err, ok := b.Errors[method]; ok {
		return err
	}
	return nil
}

func (b *Bridge) GetBG(ctx context.Context) (bridge.MachineInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("GetBG"); err != nil {
		return bridge.MachineInfo{}, err
	}
	return b.machine, nil
}

func (b *Bridge) GetBlock(ctx context.Context, id string) (*block.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("GetBlock"); err != nil {
		return nil, err
	}
	blk, ok := b.blocks[id]
	if !ok {
		return nil, bgerrors.BridgeFailure(id, "no such block", nil)
	}
	return blk, nil
}

func (b *Bridge) GetBlocks(ctx context.Context, stateFilter block.State) ([]*block.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("GetBlocks"); err != nil {
		return nil, err
	}
	var out []*block.Block
	for _, blk := range b.blocks {
		if stateFilter == "" || blk.State == stateFilter {
			out = append(out, blk)
		}
	}
	return out, nil
}

func (b *Bridge) GetJobs(ctx context.Context, stateFilter string) ([]bridge.JobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("GetJobs"); err != nil {
		return nil, err
	}
	out := make([]bridge.JobInfo, 0, len(b.jobs))
	for _, j := range b.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (b *Bridge) GetNodecards(ctx context.Context, bpID string) ([]bridge.NodecardInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("GetNodecards"); err != nil {
		return nil, err
	}
	return b.nodecards[bpID], nil
}

func (b *Bridge) CreateBlock(ctx context.Context, spec bridge.BlockSpec) (*block.Block, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("CreateBlock"); err != nil {
		return nil, err
	}
	id := "RMP" + uuid.New().String()[:8]
	blk := &block.Block{
		ID:       id,
		Nodes:    spec.Nodes,
		Ionodes:  spec.Ionodes,
		Geometry: spec.Geometry,
		Start:    spec.Start,
		ConnType: spec.ConnType,
		Images:   spec.Images,
		State:    block.StateConfiguring,
		JobRunning: block.NoJob,
	}
	b.blocks[id] = blk
	return blk, nil
}

func (b *Bridge) DestroyBlock(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("DestroyBlock"); err != nil {
		return err
	}
	blk, ok := b.blocks[id]
	if !ok {
		return bgerrors.BridgeFailure(id, "no such block", nil)
	}
	blk.State = block.StateFree
	return nil
}

func (b *Bridge) RemoveBlock(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("RemoveBlock"); err != nil {
		return err
	}
	delete(b.blocks, id)
	return nil
}

func (b *Bridge) ModifyBlock(ctx context.Context, id, field, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("ModifyBlock"); err != nil {
		return err
	}
	blk, ok := b.blocks[id]
	if !ok {
		return bgerrors.BridgeFailure(id, "no such block", nil)
	}
	switch field {
	case "mloaderimage":
		blk.Images.Mloader = value
	case "cnloadimage", "linuximage":
		blk.Images.CnLoad = value
	case "ioloadimage", "ramdiskimage":
		blk.Images.IoLoad = value
	case "blrtsimage":
		blk.Images.Blrts = value
	default:
		return bgerrors.BridgeFailure(id, fmt.Sprintf("unknown field %q", field), nil)
	}
	return nil
}

func (b *Bridge) SetBlockOwner(ctx context.Context, id, user string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("SetBlockOwner"); err != nil {
		return err
	}
	blk, ok := b.blocks[id]
	if !ok {
		return bgerrors.BridgeFailure(id, "no such block", nil)
	}
	blk.UserName = user
	return nil
}

func (b *Bridge) RemoveBlockUser(ctx context.Context, id, user string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("RemoveBlockUser"); err != nil {
		return err
	}
	blk, ok := b.blocks[id]
	if !ok {
		return bgerrors.BridgeFailure(id, "no such block", nil)
	}
	if blk.UserName == user {
		blk.UserName = ""
	}
	return nil
}

func (b *Bridge) SignalJob(ctx context.Context, jobID int64, sig bridge.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.injected("SignalJob"); err != nil {
		return err
	}
	b.signaled = append(b.signaled, SignalCall{JobID: jobID, Sig: sig})
	return nil
}

var _ bridge.ControllerBridge = (*Bridge)(nil)
