// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchedMD/slurm-sub061/internal/block"
)

func sampleBlocks() []*block.Block {
	return []*block.Block{
		{
			ID:       "RMP000",
			Nodes:    []block.Coord{{0, 0, 0}, {1, 0, 0}},
			Geometry: block.Coord{X: 2, Y: 1, Z: 1},
			ConnType: block.ConnTorus,
			NodeCnt:  1024,
			CPUCnt:   16384,
			Images: block.Images{
				Mloader: "mloader.elf",
				CnLoad:  "cnk.elf",
				IoLoad:  "cnk-ioload.elf",
			},
			State:      block.StateReady,
			BootState:  block.BootIdle,
			JobRunning: 42,
			UserName:   "alice",
		},
		{
			ID:       "RMP001",
			Nodes:    []block.Coord{{2, 0, 0}},
			Ionodes:  []bool{true, true, false, false},
			ConnType: block.ConnSmall,
			NodeCnt:  128,
			CPUCnt:   2048,
			State:    block.StateFree,
			JobRunning: block.NoJob,
		},
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	blocks := sampleBlocks()
	data, err := encode(blocks)
	require.NoError(t, err)

	got, err := decode(data)
	require.NoError(t, err)
	require.Len(t, got, len(blocks))

	for i, want := range blocks {
		assert.Equal(t, want.ID, got[i].ID)
		assert.Equal(t, want.Nodes, got[i].Nodes)
		assert.Equal(t, want.Ionodes, got[i].Ionodes)
		assert.Equal(t, want.ConnType, got[i].ConnType)
		assert.Equal(t, want.NodeCnt, got[i].NodeCnt)
		assert.Equal(t, want.CPUCnt, got[i].CPUCnt)
		assert.Equal(t, want.Images, got[i].Images)
		assert.Equal(t, want.State, got[i].State)
		assert.Equal(t, want.JobRunning, got[i].JobRunning)
		assert.Equal(t, want.UserName, got[i].UserName)
	}
}

func TestDecode_VersionMismatch(t *testing.T) {
	var buf []byte
	buf = append(buf, 0, 0, 0, 6)
	buf = append(buf, []byte("VER001")...)
	buf = append(buf, 0, 0, 0, 0) // count
	buf = append(buf, 0, 0, 0, 0, 0, 0, 0, 0) // timestamp

	_, err := decode(buf)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestStore_WriteThenRead(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	blocks := sampleBlocks()
	require.NoError(t, s.Write(blocks, false))

	_, err := os.Stat(filepath.Join(dir, "block_state"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "block_state.new"))
	assert.True(t, os.IsNotExist(err))

	got, err := s.Read()
	require.NoError(t, err)
	require.Len(t, got, len(blocks))
	assert.Equal(t, "RMP000", got[0].ID)
}

func TestStore_WriteTwice_LeavesOldTombstone(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	require.NoError(t, s.Write(sampleBlocks(), false))
	require.NoError(t, s.Write(sampleBlocks()[:1], false))

	_, err := os.Stat(filepath.Join(dir, "block_state.old"))
	require.NoError(t, err)

	got, err := s.Read()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestStore_Write_OnlyErrorState(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	blocks := sampleBlocks()
	blocks[0].State = block.StateError
	require.NoError(t, s.Write(blocks, true))

	got, err := s.Read()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "RMP000", got[0].ID)
}

func TestStore_HeartbeatRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	hb := Heartbeat{Timestamp: 1706000000, ServerIndex: 1}
	require.NoError(t, s.WriteHeartbeat(hb))

	got, err := s.ReadHeartbeat()
	require.NoError(t, err)
	assert.Equal(t, hb, got)
}

func TestStore_ReadHeartbeat_CorruptLength(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "heartbeat"), []byte("short"), 0o644))

	s := New(dir)
	_, err := s.ReadHeartbeat()
	assert.Error(t, err)
}
