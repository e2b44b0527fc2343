// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchedMD/slurm-sub061/internal/block"
	"github.com/SchedMD/slurm-sub061/internal/bridge"
	fakebridge "github.com/SchedMD/slurm-sub061/internal/bridge/fake"
	"github.com/SchedMD/slurm-sub061/internal/registry"
)

type recordingFailer struct {
	jobs []int64
}

func (f *recordingFailer) FailJob(ctx context.Context, jobID int64, reason string) error {
	f.jobs = append(f.jobs, jobID)
	return nil
}

type recordingDrainer struct {
	nodes   []string
	reasons []string
}

func (d *recordingDrainer) Drain(ctx context.Context, node, reason string, at time.Time) error {
	d.nodes = append(d.nodes, node)
	d.reasons = append(d.reasons, reason)
	return nil
}

func TestBlockPoller_ReflectsControllerStateChange(t *testing.T) {
	reg := registry.New()
	reg.Insert(&block.Block{ID: "RMP000", State: block.StateConfiguring, JobRunning: block.NoJob})

	br := fakebridge.New(fakebridge.MachineInfo{})
	br.SeedBlock(&block.Block{ID: "RMP000", State: block.StateReady})

	p := NewBlockPoller(reg, br, nil, nil)
	p.poll(context.Background())

	b, ok := reg.Find("RMP000")
	require.True(t, ok)
	assert.Equal(t, block.StateReady, b.State)
}

func TestBlockPoller_FailsJobOnBlockError(t *testing.T) {
	reg := registry.New()
	reg.Insert(&block.Block{ID: "RMP000", State: block.StateReady, JobRunning: 7})

	br := fakebridge.New(fakebridge.MachineInfo{})
	br.SeedBlock(&block.Block{ID: "RMP000", State: block.StateError})

	failer := &recordingFailer{}
	p := NewBlockPoller(reg, br, failer, nil)
	p.poll(context.Background())

	b, _ := reg.Find("RMP000")
	assert.Equal(t, block.StateError, b.State)
	assert.Equal(t, block.BlockError, b.JobRunning)
	assert.Equal(t, []int64{7}, failer.jobs)

	signals := br.Signaled()
	require.Len(t, signals, 1, "a job on an errored block must be signaled SIGTERM, not just failed")
	assert.Equal(t, int64(7), signals[0].JobID)
	assert.Equal(t, bridge.SIGTERM, signals[0].Sig)
}

func TestMMCSPoller_DrainsDownMidplaneOnce(t *testing.T) {
	reg := registry.New()
	coord := block.Coord{X: 0, Y: 0, Z: 1}
	reg.Insert(&block.Block{ID: "RMP001", Nodes: []block.Coord{coord}, State: block.StateReady})

	br := fakebridge.New(fakebridge.MachineInfo{})
	br.SetBasePartitionState(coord, bridge.HardwareDown)

	drainer := &recordingDrainer{}
	p := NewMMCSPoller(reg, br, drainer, nil)

	p.poll(context.Background())
	p.poll(context.Background())

	require.Len(t, drainer.nodes, 1, "repeated poll of an already-drained midplane must not re-drain it")
	assert.Contains(t, drainer.reasons[0], "MMCS switch not UP")
	assert.Contains(t, drainer.reasons[0], "select_bluegene:")

	b, _ := reg.Find("RMP001")
	assert.Equal(t, block.StateError, b.State)
}

func TestMMCSPoller_ClearsDrainStateOnceUp(t *testing.T) {
	reg := registry.New()
	coord := block.Coord{X: 0, Y: 0, Z: 2}
	br := fakebridge.New(fakebridge.MachineInfo{})
	br.SetBasePartitionState(coord, bridge.HardwareDown)

	drainer := &recordingDrainer{}
	p := NewMMCSPoller(reg, br, drainer, nil)
	p.poll(context.Background())
	require.Len(t, drainer.nodes, 1)

	br.SetBasePartitionState(coord, bridge.HardwareUp)
	p.poll(context.Background())

	br.SetBasePartitionState(coord, bridge.HardwareDown)
	p.poll(context.Background())
	assert.Len(t, drainer.nodes, 2, "a midplane that recovers and fails again must be drained again")
}
