// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package health implements the two periodic poll loops in §4.7: the block
// poller, which reconciles controller-reported block state into the
// registry, and the MMCS poller, which watches base-partition and nodecard
// hardware health and drains or errors out whatever it no longer trusts.
// Both loops are grounded on the teacher's ticker-driven poll-diff-emit
// pattern (pkg/watch's JobPoller/NodePoller), generalized from "diff
// against a local job-state map" to "diff against the registry under its
// own mutex".
package health

import (
	"context"
	"time"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/bridge"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	"github.com/SchedMD/slurm-sub061/internal/topology"
	bgerrors "github.com/SchedMD/slurm-sub061/pkg/errors"
	"github.com/SchedMD/slurm-sub061/pkg/logging"
)

// DefaultBlockPollInterval is the on-hardware block poll cadence (§4.7).
const DefaultBlockPollInterval = 3 * time.Second

// DefaultMMCSPollInterval is the on-hardware MMCS poll cadence (§4.7).
const DefaultMMCSPollInterval = 30 * time.Second

// JobFailer notifies the (out-of-scope) scheduler core that a job must be
// failed because its block went into error. Modeled as an interface
// because the actual notification path — a callback into slurmctld — isn't
// part of this core.
type JobFailer interface {
	FailJob(ctx context.Context, jobID int64, reason string) error
}

// NodeDrainer puts a node into the (out-of-scope) node-state service's
// drained state with a timestamped reason, the way set_node_down does for
// a base partition the MMCS poller no longer trusts.
type NodeDrainer interface {
	Drain(ctx context.Context, node string, reason string, at time.Time) error
}

// Event is a state-change notice a poller emits for a downstream push
// consumer (the operator event stream) that would rather be told than
// re-poll the registry itself.
type Event struct {
	BlockID string
	Kind    string
	Reason  string
	At      time.Time
}

// Sink receives poller events. internal/eventstream implements this to
// fan events out to connected operator consoles.
type Sink interface {
	Publish(Event)
}

// BlockPoller implements the block poller of §4.7: it re-reads every
// block's controller state on an interval and reflects any change into the
// registry under the mutex.
type BlockPoller struct {
	Registry *registry.Registry
	Bridge   bridge.ControllerBridge
	Failer   JobFailer
	Sink     Sink
	Logger   logging.Logger
	Interval time.Duration
}

// NewBlockPoller builds a block poller with the §4.7 default interval.
func NewBlockPoller(reg *registry.Registry, br bridge.ControllerBridge, failer JobFailer, logger logging.Logger) *BlockPoller {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &BlockPoller{
		Registry: reg,
		Bridge:   br,
		Failer:   failer,
		Logger:   logger,
		Interval: DefaultBlockPollInterval,
	}
}

// Run polls until ctx is cancelled, the way pkg/watch's pollLoop drives a
// ticker with an initial poll up front.
func (p *BlockPoller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *BlockPoller) poll(ctx context.Context) {
	live, err := p.Bridge.GetBlocks(ctx, "")
	if err != nil {
		p.Logger.Warn("health: block poll failed", "error", err)
		return
	}
	byID := make(map[string]*block.Block, len(live))
	for _, b := range live {
		byID[b.ID] = b
	}

	var toFail []int64
	var events []Event
	p.Registry.Lock()
	for _, b := range p.Registry.MainLocked() {
		cur, ok := byID[b.ID]
		if !ok || cur.State == b.State {
			continue
		}
		prev := b.State
		b.State = cur.State
		if prev == block.StateConfiguring && cur.State == block.StateReady {
			p.Logger.Info("health: block reached ready", "block_id", b.ID)
			events = append(events, Event{BlockID: b.ID, Kind: "block_ready", At: time.Now()})
		}
		if cur.State == block.StateError && b.JobRunning > 0 {
			toFail = append(toFail, b.JobRunning)
			b.MarkBlockError()
			events = append(events, Event{BlockID: b.ID, Kind: "block_error", Reason: "controller reported error", At: time.Now()})
		}
	}
	p.Registry.Unlock()

	for _, jobID := range toFail {
		if p.Bridge != nil {
			if err := p.Bridge.SignalJob(ctx, jobID, bridge.SIGTERM); err != nil {
				p.Logger.Warn("health: signal_job failed", "job_id", jobID, "error", err)
			}
		}
		if p.Failer == nil {
			continue
		}
		if err := p.Failer.FailJob(ctx, jobID, "block entered error state"); err != nil {
			p.Logger.Warn("health: job fail notify failed", "job_id", jobID, "error", err)
		}
	}

	if p.Sink != nil {
		for _, ev := range events {
			p.Sink.Publish(ev)
		}
	}
}

// MMCSPoller implements the MMCS poller of §4.7: it enumerates base
// partitions and their nodecards on an interval, drains any midplane the
// controller no longer reports up, and pushes BLOCK_ERROR onto blocks that
// own an ionode range behind a failed nodecard.
type MMCSPoller struct {
	Registry *registry.Registry
	Bridge   bridge.ControllerBridge
	Drainer  NodeDrainer
	Sink     Sink
	Logger   logging.Logger
	Interval time.Duration

	drained map[block.Coord]bool
}

// NewMMCSPoller builds an MMCS poller with the §4.7 default interval.
func NewMMCSPoller(reg *registry.Registry, br bridge.ControllerBridge, drainer NodeDrainer, logger logging.Logger) *MMCSPoller {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &MMCSPoller{
		Registry: reg,
		Bridge:   br,
		Drainer:  drainer,
		Logger:   logger,
		Interval: DefaultMMCSPollInterval,
		drained:  make(map[block.Coord]bool),
	}
}

// Run polls until ctx is cancelled.
func (p *MMCSPoller) Run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *MMCSPoller) poll(ctx context.Context) {
	machine, err := p.Bridge.GetBG(ctx)
	if err != nil {
		p.Logger.Warn("health: MMCS poll failed", "error", err)
		return
	}

	for _, bp := range machine.BasePartitions {
		if bp.State == bridge.HardwareUp {
			delete(p.drained, bp.Coord)
			continue
		}
		if p.drained[bp.Coord] {
			continue
		}
		p.drained[bp.Coord] = true
		name := topology.EncodeCoord(bp.Coord)
		reason := bgerrors.HardwareDown("MMCS switch not UP").JobFailureReason()
		p.markMidplaneError(bp.Coord)
		if p.Sink != nil {
			p.Sink.Publish(Event{BlockID: name, Kind: "midplane_drained", Reason: reason, At: time.Now()})
		}
		if p.Drainer == nil {
			continue
		}
		if err := p.Drainer.Drain(ctx, name, reason, time.Now()); err != nil {
			p.Logger.Warn("health: drain failed", "node", name, "error", err)
		}
	}

	for _, bp := range machine.BasePartitions {
		nodecards, err := p.Bridge.GetNodecards(ctx, topology.EncodeCoord(bp.Coord))
		if err != nil {
			p.Logger.Warn("health: get_nodecards failed", "bp", topology.EncodeCoord(bp.Coord), "error", err)
			continue
		}
		for _, nc := range nodecards {
			if nc.State == bridge.HardwareUp {
				continue
			}
			p.markNodecardError(nc)
		}
	}
}

// markMidplaneError pushes BLOCK_ERROR onto every block whose footprint
// includes a midplane the controller no longer reports up.
func (p *MMCSPoller) markMidplaneError(coord block.Coord) {
	p.Registry.Lock()
	defer p.Registry.Unlock()
	for _, b := range p.Registry.MainLocked() {
		for _, n := range b.Nodes {
			if n == coord {
				b.MarkBlockError()
				break
			}
		}
	}
}

// markNodecardError pushes BLOCK_ERROR onto every small block whose ionode
// range falls on a failed nodecard's midplane. The precise ionode-to-
// nodecard mapping is the controller's to know (get_nodecards only reports
// an index); any small block on the affected midplane is conservatively
// marked, matching §4.7's "nodecard's ionodes" language.
func (p *MMCSPoller) markNodecardError(nc bridge.NodecardInfo) {
	p.Registry.Lock()
	defer p.Registry.Unlock()
	for _, b := range p.Registry.MainLocked() {
		if len(b.Ionodes) == 0 {
			continue
		}
		for _, n := range b.Nodes {
			if n == nc.BPCoord {
				b.MarkBlockError()
				break
			}
		}
	}
}
