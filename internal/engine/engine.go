// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package engine is the composition root that wires every in-scope module
// (C1-C9) into one running daemon core: it builds the topology model from
// the controller's reported geometry, selects the configured layout's
// allocator, reconciles the registry against live controller state,
// and starts the two health pollers and the event hub that feed it.
// cmd/bgblockd owns process lifecycle (signals, the HTTP listener); this
// package owns everything behind it.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/SchedMD/slurm-sub061/internal/allocate"
	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/bridge"
	"github.com/SchedMD/slurm-sub061/internal/checkpoint"
	"github.com/SchedMD/slurm-sub061/internal/config"
	"github.com/SchedMD/slurm-sub061/internal/eventstream"
	"github.com/SchedMD/slurm-sub061/internal/health"
	"github.com/SchedMD/slurm-sub061/internal/jobbridge"
	"github.com/SchedMD/slurm-sub061/internal/lifecycle"
	"github.com/SchedMD/slurm-sub061/internal/reconcile"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	"github.com/SchedMD/slurm-sub061/internal/topology"
	"github.com/SchedMD/slurm-sub061/pkg/logging"
	"github.com/SchedMD/slurm-sub061/pkg/metrics"
)

// ioRatio is the I/O-node-to-compute-node ratio used to derive legal
// small-block sizes (§4.1). Not presently exposed as a config key; every
// BG/L-class machine in the original's test fixtures used 1/16.
const ioRatio = 0.0625

// niPerNodecard is the ionode-bit-to-nodecard ratio: one bit in a small
// block's ionode bitmap always stands for exactly one nodecard
// (topology.buildSmallBitmaps' doc comment), so this is 1 rather than a
// config-derived value.
const niPerNodecard = 1

// poolSize is the lifecycle engine's worker pool bound (§4.6).
const poolSize = 30

// WorkerPoolSize parameterizes the lifecycle worker pool purely for tests
// that want to exercise saturation without waiting on 30 real workers.
var WorkerPoolSize = poolSize

// Engine owns every wired subsystem behind jobbridge's five RPC-facing
// operations.
type Engine struct {
	Config   *config.Config
	Registry *registry.Registry
	Topology *topology.Topology
	Bridge   bridge.ControllerBridge // instrumented wrapper around the raw bridge
	Lifecycle *lifecycle.Engine
	Allocator allocate.Allocator
	JobBridge *jobbridge.Bridge

	BlockPoller *health.BlockPoller
	MMCSPoller  *health.MMCSPoller
	Events      *eventstream.Hub
	Metrics     metrics.Collector
	Checkpoint  *checkpoint.Store
	Logger      logging.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dependencies are the out-of-core collaborators the spec declares
// out-of-scope (§1) but that the health pollers and job bridge still need
// an interface to call into.
type Dependencies struct {
	JobFailer   health.JobFailer
	NodeDrainer health.NodeDrainer
	Estimate    allocate.JobEndEstimator
}

// New builds and reconciles an Engine. It first calls get_bg to learn the
// machine's geometry, since no other module can be constructed without
// it, then runs the startup reconciler, which enumerates the controller's
// blocks and may destroy orphans; the rest is pure composition.
func New(ctx context.Context, cfg *config.Config, rawBridge bridge.ControllerBridge, deps Dependencies, logger logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	collector := metrics.NewInMemoryCollector()
	instrumented := bridge.Instrument(rawBridge, collector)

	machine, err := instrumented.GetBG(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: get_bg: %w", err)
	}

	topo := topology.New(
		topology.Dims{X: machine.Dims.X, Y: machine.Dims.Y, Z: machine.Dims.Z},
		cfg.BasePartitionNodeCnt,
		cfg.NodeCardNodeCnt,
		cfg.Numpsets,
		ioRatio,
	)

	reg := registry.New()

	configured, err := buildConfiguredBlocks(cfg, topo)
	if err != nil {
		return nil, fmt.Errorf("engine: configured blocks: %w", err)
	}

	layout := lifecycle.Layout(cfg.LayoutMode)
	reconcileOpts := reconcile.Options{
		Layout:  reconcile.Layout(cfg.LayoutMode),
		Recover: true,
	}
	if err := reconcile.Run(ctx, reg, instrumented, configured, reconcileOpts, logger); err != nil {
		return nil, fmt.Errorf("engine: reconcile: %w", err)
	}

	lifecycleEngine := lifecycle.NewEngine(reg, instrumented, logger, layout, WorkerPoolSize)
	lifecycleEngine.Metrics = collector

	defaultImages := block.Images{
		Mloader: cfg.MloaderImage,
		CnLoad:  cfg.CnloadImage,
		IoLoad:  cfg.IoloadImage,
		Blrts:   cfg.BlrtsImage,
	}
	denyPass := parseDenyPass(cfg.DenyPassthrough)

	alloc, err := newAllocator(cfg, reg, topo, denyPass, defaultImages, deps.Estimate)
	if err != nil {
		return nil, err
	}

	jb := jobbridge.New(reg, topo, alloc, lifecycleEngine, cfg.CPUsPerNode)
	jb.Metrics = collector
	jb.LayoutMode = cfg.LayoutMode

	hub := eventstream.NewHub()

	blockPoller := health.NewBlockPoller(reg, instrumented, deps.JobFailer, logger)
	blockPoller.Sink = hub
	mmcsPoller := health.NewMMCSPoller(reg, instrumented, deps.NodeDrainer, logger)
	mmcsPoller.Sink = hub

	return &Engine{
		Config:      cfg,
		Registry:    reg,
		Topology:    topo,
		Bridge:      instrumented,
		Lifecycle:   lifecycleEngine,
		Allocator:   alloc,
		JobBridge:   jb,
		BlockPoller: blockPoller,
		MMCSPoller:  mmcsPoller,
		Events:      hub,
		Metrics:     collector,
		Checkpoint:  checkpoint.New(cfg.StateSaveLocation),
		Logger:      logger,
	}, nil
}

// Run starts the block and MMCS poll loops in the background. It returns
// immediately; call Stop (or cancel ctx) to shut them down.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go func() { defer e.wg.Done(); e.BlockPoller.Run(ctx) }()
	go func() { defer e.wg.Done(); e.MMCSPoller.Run(ctx) }()
}

// Stop cancels the poll loops and waits for them to return.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func newAllocator(cfg *config.Config, reg *registry.Registry, topo *topology.Topology, denyPass []topology.PassDim, defaultImages block.Images, estimate allocate.JobEndEstimator) (allocate.Allocator, error) {
	switch cfg.LayoutMode {
	case "static":
		return allocate.NewStaticAllocator(reg, estimate), nil
	case "overlap":
		return allocate.NewOverlapAllocator(reg, topo, estimate, denyPass), nil
	case "dynamic":
		return allocate.NewDynamicAllocator(reg, topo, estimate, denyPass, cfg.CPUsPerNode, cfg.NodeCardNodeCnt, niPerNodecard, defaultImages), nil
	default:
		return nil, fmt.Errorf("engine: unknown LayoutMode %q", cfg.LayoutMode)
	}
}

func parseDenyPass(raw []string) []topology.PassDim {
	out := make([]topology.PassDim, 0, len(raw))
	for _, s := range raw {
		out = append(out, topology.PassDim(strings.ToLower(strings.TrimSpace(s))))
	}
	return out
}

// buildConfiguredBlocks expands §6's `BPs=` lines into block records: a
// midplane-rectangle block per line, or (when 32CNBlockCnt is set) that
// many non-overlapping small blocks tiling the midplane's ionode space.
// Static/overlap layouts pass the result to the reconciler as the
// "configured" set (§4.4). New calls this for every layout, dynamic
// included; Config.Validate does not reject BPs= lines under dynamic, so
// a dynamic config normally has none and the result is empty.
func buildConfiguredBlocks(cfg *config.Config, topo *topology.Topology) ([]*block.Block, error) {
	var out []*block.Block
	for i, line := range cfg.BPs {
		start, end, err := parseNodeRange(line.Nodes)
		if err != nil {
			return nil, fmt.Errorf("BPs[%d]: %w", i, err)
		}
		nodes := rectangleNodes(start, end)

		if line.SmallCNCount > 0 {
			if len(nodes) != 1 {
				return nil, fmt.Errorf("BPs[%d]: 32CNBlockCnt requires a single-midplane Nodes range", i)
			}
			small, err := buildSmallBlocks(topo, nodes[0], line, cfg.NodeCardNodeCnt, cfg.CPUsPerNode)
			if err != nil {
				return nil, fmt.Errorf("BPs[%d]: %w", i, err)
			}
			out = append(out, small...)
			continue
		}

		b := &block.Block{
			ID:       blockID(line, start, end),
			Nodes:    nodes,
			Geometry: rectangleGeometry(start, end),
			Start:    start,
			ConnType: line.Type,
			State:    block.StateFree,
			JobRunning: block.NoJob,
		}
		b.DeriveCounts(topo.NodesPerMidplane(), cfg.CPUsPerNode, cfg.NodeCardNodeCnt, niPerNodecard)
		out = append(out, b)
	}
	return out, nil
}

func buildSmallBlocks(topo *topology.Topology, mid block.Coord, line config.BPLine, nodecardSize, cpusPerNode int) ([]*block.Block, error) {
	used := make([]bool, 0)
	var out []*block.Block
	for n := 0; n < line.SmallCNCount; n++ {
		bitmap := topo.FreeIonodeRange(nodecardSize, used)
		if bitmap == nil {
			return nil, fmt.Errorf("no room for small block %d of %d on midplane %s", n+1, line.SmallCNCount, mid)
		}
		if len(used) == 0 {
			used = make([]bool, len(bitmap))
		}
		for i, set := range bitmap {
			if set {
				used[i] = true
			}
		}
		b := &block.Block{
			ID:         fmt.Sprintf("%sN%02d", topology.EncodeCoord(mid), n),
			Nodes:      []block.Coord{mid},
			Ionodes:    bitmap,
			ConnType:   block.ConnSmall,
			State:      block.StateFree,
			JobRunning: block.NoJob,
		}
		b.DeriveCounts(topo.NodesPerMidplane(), cpusPerNode, nodecardSize, niPerNodecard)
		out = append(out, b)
	}
	return out, nil
}

func blockID(line config.BPLine, start, end block.Coord) string {
	if line.BlockID != "" {
		return line.BlockID
	}
	return "RMP" + topology.EncodeCoord(start) + topology.EncodeCoord(end)
}

func rectangleGeometry(start, end block.Coord) block.Coord {
	return block.Coord{X: end.X - start.X + 1, Y: end.Y - start.Y + 1, Z: end.Z - start.Z + 1}
}

func rectangleNodes(start, end block.Coord) []block.Coord {
	var nodes []block.Coord
	for x := start.X; x <= end.X; x++ {
		for y := start.Y; y <= end.Y; y++ {
			for z := start.Z; z <= end.Z; z++ {
				nodes = append(nodes, block.Coord{X: x, Y: y, Z: z})
			}
		}
	}
	return nodes
}

// parseNodeRange parses a `Nodes=` value of the form "<lower>x<upper>"
// (e.g. "000xA00"), each side a 3-character base-36 midplane coordinate
// (§2's coordinate serialization), into its inclusive corner pair.
func parseNodeRange(rng string) (start, end block.Coord, err error) {
	lower, upper, ok := strings.Cut(rng, "x")
	if !ok {
		return block.Coord{}, block.Coord{}, fmt.Errorf("Nodes range %q must be <lower>x<upper>", rng)
	}
	start, err = topology.DecodeCoord(lower)
	if err != nil {
		return block.Coord{}, block.Coord{}, err
	}
	end, err = topology.DecodeCoord(upper)
	if err != nil {
		return block.Coord{}, block.Coord{}, err
	}
	if end.X < start.X || end.Y < start.Y || end.Z < start.Z {
		return block.Coord{}, block.Coord{}, fmt.Errorf("Nodes range %q has upper corner below lower corner", rng)
	}
	return start, end, nil
}
