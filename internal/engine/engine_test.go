// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchedMD/slurm-sub061/internal/allocate"
	"github.com/SchedMD/slurm-sub061/internal/block"
	fakebridge "github.com/SchedMD/slurm-sub061/internal/bridge/fake"
	"github.com/SchedMD/slurm-sub061/internal/config"
)

func testMachine() fakebridge.MachineInfo {
	return fakebridge.MachineInfo{Dims: block.Coord{X: 2, Y: 2, Z: 2}}
}

func staticConfig() *config.Config {
	c := config.NewDefault()
	c.LayoutMode = "static"
	c.BPs = []config.BPLine{{Nodes: "000x000", Type: block.ConnTorus, BlockID: "RMP000"}}
	return c
}

func TestNew_StaticLayoutReconcilesConfiguredBlock(t *testing.T) {
	br := fakebridge.New(testMachine())
	eng, err := New(context.Background(), staticConfig(), br, Dependencies{}, nil)
	require.NoError(t, err)

	_, ok := allocate.Allocator(eng.Allocator).(*allocate.StaticAllocator)
	assert.True(t, ok, "static LayoutMode must select StaticAllocator")

	blk, ok := eng.Registry.Find("RMP000")
	require.True(t, ok, "configured block must be reconciled into the registry")
	assert.Equal(t, block.ConnTorus, blk.ConnType)
}

func TestNew_OverlapLayoutSelectsOverlapAllocator(t *testing.T) {
	br := fakebridge.New(testMachine())
	cfg := staticConfig()
	cfg.LayoutMode = "overlap"

	eng, err := New(context.Background(), cfg, br, Dependencies{}, nil)
	require.NoError(t, err)

	_, ok := allocate.Allocator(eng.Allocator).(*allocate.OverlapAllocator)
	assert.True(t, ok, "overlap LayoutMode must select OverlapAllocator")
}

func TestNew_DynamicLayoutSelectsDynamicAllocatorAndNeedsNoBPs(t *testing.T) {
	br := fakebridge.New(testMachine())
	cfg := config.NewDefault()
	cfg.LayoutMode = "dynamic"

	eng, err := New(context.Background(), cfg, br, Dependencies{}, nil)
	require.NoError(t, err)

	_, ok := allocate.Allocator(eng.Allocator).(*allocate.DynamicAllocator)
	assert.True(t, ok, "dynamic LayoutMode must select DynamicAllocator")
	assert.Empty(t, eng.Registry.List(nil), "dynamic layout starts with an empty registry")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	br := fakebridge.New(testMachine())
	cfg := config.NewDefault() // static with no BPs: invalid
	_, err := New(context.Background(), cfg, br, Dependencies{}, nil)
	assert.Error(t, err)
}

func TestNew_SmallBlockLinesTileTheMidplane(t *testing.T) {
	br := fakebridge.New(testMachine())
	cfg := config.NewDefault()
	cfg.LayoutMode = "overlap"
	cfg.BPs = []config.BPLine{{Nodes: "000x000", Type: block.ConnSmall, SmallCNCount: 4}}

	eng, err := New(context.Background(), cfg, br, Dependencies{}, nil)
	require.NoError(t, err)

	blocks := eng.Registry.List(nil)
	require.Len(t, blocks, 4)
	for _, b := range blocks {
		assert.Equal(t, block.ConnSmall, b.ConnType)
		assert.Equal(t, []block.Coord{{X: 0, Y: 0, Z: 0}}, b.Nodes)
	}
}

func TestParseNodeRange_DecodesInclusiveCorners(t *testing.T) {
	start, end, err := parseNodeRange("000xA00")
	require.NoError(t, err)
	assert.Equal(t, block.Coord{X: 0, Y: 0, Z: 0}, start)
	assert.Equal(t, 10, end.X)
}

func TestParseNodeRange_DegenerateSingleMidplane(t *testing.T) {
	start, end, err := parseNodeRange("000x000")
	require.NoError(t, err)
	assert.Equal(t, start, end)
}

func TestParseNodeRange_RejectsMissingSeparator(t *testing.T) {
	_, _, err := parseNodeRange("000000")
	assert.Error(t, err)
}

func TestParseNodeRange_RejectsInvertedCorners(t *testing.T) {
	_, _, err := parseNodeRange("A00x000")
	assert.Error(t, err)
}

func TestRunAndStop_StartsAndStopsPollersCleanly(t *testing.T) {
	br := fakebridge.New(testMachine())
	eng, err := New(context.Background(), staticConfig(), br, Dependencies{}, nil)
	require.NoError(t, err)

	eng.Run(context.Background())
	time.Sleep(5 * time.Millisecond)
	eng.Stop() // must return once both poll loops have exited

	doneCh := make(chan struct{})
	go func() {
		eng.Stop() // idempotent: calling again must not hang or panic
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		t.Fatal("second Stop() call did not return")
	}
}

func TestNew_UnknownLayoutModeRejectedByValidateBeforeAllocatorSelection(t *testing.T) {
	br := fakebridge.New(testMachine())
	cfg := staticConfig()
	cfg.LayoutMode = "chaotic"

	_, err := New(context.Background(), cfg, br, Dependencies{}, nil)
	assert.Error(t, err)
}
