// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bridge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/bridge"
	"github.com/SchedMD/slurm-sub061/internal/bridge/fake"
	"github.com/SchedMD/slurm-sub061/pkg/metrics"
)

func TestInstrumented_RecordsSuccessfulCall(t *testing.T) {
	fb := fake.New(bridge.MachineInfo{Dims: block.Coord{X: 1, Y: 1, Z: 1}})
	collector := metrics.NewInMemoryCollector()
	inst := bridge.Instrument(fb, collector)

	_, err := inst.GetBG(context.Background())
	require.NoError(t, err)

	stats := collector.GetStats()
	assert.Equal(t, int64(1), stats.CallsByOp["GetBG"])
	assert.Equal(t, int64(0), stats.TotalBridgeErrors)
}

func TestInstrumented_RecordsFailedCall(t *testing.T) {
	fb := fake.New(bridge.MachineInfo{Dims: block.Coord{X: 1, Y: 1, Z: 1}})
	fb.Errors = map[string]error{"GetBlock": assertErr{"not found"}}
	collector := metrics.NewInMemoryCollector()
	inst := bridge.Instrument(fb, collector)

	_, err := inst.GetBlock(context.Background(), "RMP000")
	assert.Error(t, err)

	stats := collector.GetStats()
	assert.Equal(t, int64(1), stats.CallsByOp["GetBlock"])
	assert.Equal(t, int64(1), stats.TotalBridgeErrors)
	assert.Equal(t, int64(1), stats.ErrorsByOp["GetBlock"])
}

func TestInstrumented_NilCollectorDefaultsToNoOp(t *testing.T) {
	fb := fake.New(bridge.MachineInfo{Dims: block.Coord{X: 1, Y: 1, Z: 1}})
	inst := bridge.Instrument(fb, nil)

	_, err := inst.GetBG(context.Background())
	assert.NoError(t, err)
}

func TestInstrumented_BoundsCallWithCategoryTimeout(t *testing.T) {
	fb := &blockingBridge{release: make(chan struct{})}
	close(fb.release)
	inst := bridge.Instrument(fb, nil)
	inst.Timeouts.Read = 50 * time.Millisecond

	_, err := inst.GetBlock(context.Background(), "RMP000")
	assert.NoError(t, err)
	assert.NotNil(t, fb.seenCtx)
	_, hasDeadline := fb.seenCtx.Deadline()
	assert.True(t, hasDeadline, "GetBlock must run under a bounded context")
}

// blockingBridge is a minimal ControllerBridge stub used only to observe
// the context GetBlock was actually called with.
type blockingBridge struct {
	release chan struct{}
	seenCtx context.Context
}

func (b *blockingBridge) GetBG(ctx context.Context) (bridge.MachineInfo, error) { return bridge.MachineInfo{}, nil }
func (b *blockingBridge) GetBlock(ctx context.Context, id string) (*block.Block, error) {
	b.seenCtx = ctx
	<-b.release
	return &block.Block{ID: id}, nil
}
func (b *blockingBridge) GetBlocks(ctx context.Context, stateFilter block.State) ([]*block.Block, error) {
	return nil, nil
}
func (b *blockingBridge) GetJobs(ctx context.Context, stateFilter string) ([]bridge.JobInfo, error) {
	return nil, nil
}
func (b *blockingBridge) GetNodecards(ctx context.Context, bpID string) ([]bridge.NodecardInfo, error) {
	return nil, nil
}
func (b *blockingBridge) CreateBlock(ctx context.Context, spec bridge.BlockSpec) (*block.Block, error) {
	return nil, nil
}
func (b *blockingBridge) DestroyBlock(ctx context.Context, id string) error { return nil }
func (b *blockingBridge) RemoveBlock(ctx context.Context, id string) error  { return nil }
func (b *blockingBridge) ModifyBlock(ctx context.Context, id, field, value string) error {
	return nil
}
func (b *blockingBridge) SetBlockOwner(ctx context.Context, id, user string) error    { return nil }
func (b *blockingBridge) RemoveBlockUser(ctx context.Context, id, user string) error  { return nil }
func (b *blockingBridge) SignalJob(ctx context.Context, jobID int64, sig bridge.Signal) error {
	return nil
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }
