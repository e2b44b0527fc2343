// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package fake

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/bridge"
)

func TestCreateGetDestroyRemove(t *testing.T) {
	b := New(MachineInfo{Dims: block.Coord{X: 4, Y: 4, Z: 4}})
	ctx := context.Background()

	created, err := b.CreateBlock(ctx, bridge.BlockSpec{
		Nodes:    []block.Coord{{0, 0, 0}},
		ConnType: block.ConnTorus,
	})
	require.NoError(t, err)
	assert.Equal(t, block.StateConfiguring, created.State)

	got, err := b.GetBlock(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	require.NoError(t, b.DestroyBlock(ctx, created.ID))
	got, err = b.GetBlock(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, block.StateFree, got.State)

	require.NoError(t, b.RemoveBlock(ctx, created.ID))
	_, err = b.GetBlock(ctx, created.ID)
	assert.Error(t, err)
}

func TestModifyBlock_Images(t *testing.T) {
	b := New(MachineInfo{})
	ctx := context.Background()

	created, err := b.CreateBlock(ctx, bridge.BlockSpec{ConnType: block.ConnTorus})
	require.NoError(t, err)

	require.NoError(t, b.ModifyBlock(ctx, created.ID, "mloaderimage", "custom"))
	got, _ := b.GetBlock(ctx, created.ID)
	assert.Equal(t, "custom", got.Images.Mloader)

	err = b.ModifyBlock(ctx, created.ID, "bogus", "x")
	assert.Error(t, err)
}

func TestSetAndRemoveOwner(t *testing.T) {
	b := New(MachineInfo{})
	ctx := context.Background()

	created, err := b.CreateBlock(ctx, bridge.BlockSpec{ConnType: block.ConnTorus})
	require.NoError(t, err)

	require.NoError(t, b.SetBlockOwner(ctx, created.ID, "alice"))
	got, _ := b.GetBlock(ctx, created.ID)
	assert.Equal(t, "alice", got.UserName)

	require.NoError(t, b.RemoveBlockUser(ctx, created.ID, "alice"))
	got, _ = b.GetBlock(ctx, created.ID)
	assert.Equal(t, "", got.UserName)
}

func TestSignalJob_Recorded(t *testing.T) {
	b := New(MachineInfo{})
	ctx := context.Background()

	require.NoError(t, b.SignalJob(ctx, 42, bridge.SIGTERM))
	calls := b.Signaled()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(42), calls[0].JobID)
	assert.Equal(t, bridge.SIGTERM, calls[0].Sig)
}

func TestInjectedError(t *testing.T) {
	b := New(MachineInfo{})
	ctx := context.Background()

	wantErr := assert.AnError
	b.Errors["CreateBlock"] = wantErr

	_, err := b.CreateBlock(ctx, bridge.BlockSpec{})
	assert.ErrorIs(t, err, wantErr)
}

func TestSetBasePartitionState(t *testing.T) {
	b := New(MachineInfo{})
	b.SetBasePartitionState(block.Coord{X: 0, Y: 1, Z: 0}, bridge.HardwareError)

	info, err := b.GetBG(context.Background())
	require.NoError(t, err)
	require.Len(t, info.BasePartitions, 1)
	assert.Equal(t, bridge.HardwareError, info.BasePartitions[0].State)
}
