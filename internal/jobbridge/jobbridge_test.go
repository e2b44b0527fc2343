// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package jobbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchedMD/slurm-sub061/internal/allocate"
	"github.com/SchedMD/slurm-sub061/internal/block"
	fakebridge "github.com/SchedMD/slurm-sub061/internal/bridge/fake"
	"github.com/SchedMD/slurm-sub061/internal/lifecycle"
	"github.com/SchedMD/slurm-sub061/internal/registry"
	"github.com/SchedMD/slurm-sub061/internal/topology"
	"github.com/SchedMD/slurm-sub061/pkg/metrics"
)

func newTestBridge(t *testing.T) (*Bridge, *registry.Registry, *fakebridge.Bridge) {
	reg := registry.New()
	reg.Insert(&block.Block{ID: "RMP000", ConnType: block.ConnTorus, State: block.StateFree, NodeCnt: 512, JobRunning: block.NoJob})

	topo := topology.New(topology.Dims{X: 2, Y: 2, Z: 2}, 512, 32, 16, 0.0625)
	alloc := allocate.NewStaticAllocator(reg, nil)

	br := fakebridge.New(fakebridge.MachineInfo{})
	eng := lifecycle.NewEngine(reg, br, nil, lifecycle.LayoutStatic, 2)
	eng.FreePollInterval = time.Millisecond
	eng.MaxFreePollRetries = 3

	jb := New(reg, topo, alloc, eng, 1)
	return jb, reg, br
}

func TestSubmitJob_TestOnlyDoesNotCommit(t *testing.T) {
	jb, _, _ := newTestBridge(t)

	res, err := jb.SubmitJob(context.Background(), SubmitRequest{
		JobID: 1, MinNodes: 512, ConnType: block.ConnTorus, Mode: ModeTestOnly,
	})
	require.NoError(t, err)
	assert.Equal(t, allocate.OutcomePlaced, res.Outcome)
	assert.Equal(t, "RMP000", res.BlockID)

	_, ok := jb.pending[1]
	assert.False(t, ok, "test_only submission must not commit the placement")
}

func TestSubmitJob_CommitsAndJobReadyTracksState(t *testing.T) {
	jb, reg, _ := newTestBridge(t)

	res, err := jb.SubmitJob(context.Background(), SubmitRequest{
		JobID: 1, MinNodes: 512, ConnType: block.ConnTorus, Mode: ModeCommit,
	})
	require.NoError(t, err)
	require.Equal(t, allocate.OutcomePlaced, res.Outcome)

	assert.Equal(t, NotReady, jb.JobReady(1))

	reg.Lock()
	b, _ := reg.GetLocked(res.BlockID)
	b.State = block.StateReady
	reg.Unlock()

	assert.Equal(t, Ready, jb.JobReady(1))
}

func TestStartJob_RequiresPriorSubmit(t *testing.T) {
	jb, _, _ := newTestBridge(t)

	err := jb.StartJob(&lifecycle.Job{ID: 99, User: "alice"})
	assert.Error(t, err)
}

func TestTermJob_ClearsPendingAndDestroysBlock(t *testing.T) {
	jb, reg, br := newTestBridge(t)
	br.SeedBlock(&block.Block{ID: "RMP000", State: block.StateFree})

	_, err := jb.SubmitJob(context.Background(), SubmitRequest{
		JobID: 1, MinNodes: 512, ConnType: block.ConnTorus, Mode: ModeCommit,
	})
	require.NoError(t, err)

	jb.TermJob(context.Background(), 1)
	jb.Lifecycle.Pool.Drain()

	_, ok := jb.pending[1]
	assert.False(t, ok)

	_, ok = reg.Find("RMP000")
	assert.False(t, ok)
}

// TestPending_ConcurrentSubmitAndSyncDoNotRace exercises submit_job and
// sync_jobs hitting the same pending map from different goroutines, the
// way the out-of-scope RPC layer would dispatch them. Run under -race.
func TestPending_ConcurrentSubmitAndSyncDoNotRace(t *testing.T) {
	jb, _, _ := newTestBridge(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(jobID int64) {
			defer wg.Done()
			jb.SubmitJob(context.Background(), SubmitRequest{
				JobID: jobID, MinNodes: 512, ConnType: block.ConnTorus, Mode: ModeTestOnly,
			})
		}(int64(i))
		go func(jobID int64) {
			defer wg.Done()
			jb.SyncJobs(context.Background(), nil, map[int64]string{jobID: "RMP000"})
		}(int64(i))
	}
	wg.Wait()
}

func TestSubmitJob_RecordsAllocationOutcome(t *testing.T) {
	jb, _, _ := newTestBridge(t)
	collector := metrics.NewInMemoryCollector()
	jb.Metrics = collector
	jb.LayoutMode = "static"

	_, err := jb.SubmitJob(context.Background(), SubmitRequest{
		JobID: 1, MinNodes: 512, ConnType: block.ConnTorus, Mode: ModeTestOnly,
	})
	require.NoError(t, err)

	stats := collector.GetStats()
	assert.Equal(t, int64(1), stats.AllocationsByOutcome["placed"])
}
