// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"time"

	"github.com/SchedMD/slurm-sub061/internal/block"
	bgcontext "github.com/SchedMD/slurm-sub061/pkg/context"
	"github.com/SchedMD/slurm-sub061/pkg/metrics"
)

// Instrumented wraps a ControllerBridge, bounding every call with a
// category-appropriate deadline (pkg/context) and recording its latency
// and error rate through a metrics.Collector, so cmd/bgblockd's /metrics
// endpoint reflects real bridge traffic without every caller (health
// pollers, the lifecycle engine, the reconciler) remembering to do either
// itself.
type Instrumented struct {
	Bridge    ControllerBridge
	Collector metrics.Collector
	Timeouts  *bgcontext.TimeoutConfig
}

// Instrument wraps br so every call is bounded and recorded. A nil
// collector falls back to metrics.NoOpCollector{}. Timeouts is set to
// bgcontext.DefaultTimeoutConfig(); a Timeouts later set to nil also
// falls back to those defaults.
func Instrument(br ControllerBridge, collector metrics.Collector) *Instrumented {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &Instrumented{Bridge: br, Collector: collector, Timeouts: bgcontext.DefaultTimeoutConfig()}
}

func (i *Instrumented) call(ctx context.Context, op string, opType bgcontext.OperationType) (context.Context, context.CancelFunc) {
	i.Collector.RecordBridgeCall(op)
	return bgcontext.WithTimeout(ctx, opType, i.Timeouts)
}

func (i *Instrumented) record(op string, start time.Time, err error) {
	i.Collector.RecordBridgeResult(op, err, time.Since(start))
}

func (i *Instrumented) GetBG(ctx context.Context) (MachineInfo, error) {
	const op = "GetBG"
	ctx, cancel := i.call(ctx, op, bgcontext.OpRead)
	defer cancel()
	start := time.Now()
	res, err := i.Bridge.GetBG(ctx)
	i.record(op, start, err)
	return res, err
}

func (i *Instrumented) GetBlock(ctx context.Context, id string) (*block.Block, error) {
	const op = "GetBlock"
	ctx, cancel := i.call(ctx, op, bgcontext.OpRead)
	defer cancel()
	start := time.Now()
	res, err := i.Bridge.GetBlock(ctx, id)
	i.record(op, start, err)
	return res, err
}

func (i *Instrumented) GetBlocks(ctx context.Context, stateFilter block.State) ([]*block.Block, error) {
	const op = "GetBlocks"
	ctx, cancel := i.call(ctx, op, bgcontext.OpList)
	defer cancel()
	start := time.Now()
	res, err := i.Bridge.GetBlocks(ctx, stateFilter)
	i.record(op, start, err)
	return res, err
}

func (i *Instrumented) GetJobs(ctx context.Context, stateFilter string) ([]JobInfo, error) {
	const op = "GetJobs"
	ctx, cancel := i.call(ctx, op, bgcontext.OpList)
	defer cancel()
	start := time.Now()
	res, err := i.Bridge.GetJobs(ctx, stateFilter)
	i.record(op, start, err)
	return res, err
}

func (i *Instrumented) GetNodecards(ctx context.Context, bpID string) ([]NodecardInfo, error) {
	const op = "GetNodecards"
	ctx, cancel := i.call(ctx, op, bgcontext.OpRead)
	defer cancel()
	start := time.Now()
	res, err := i.Bridge.GetNodecards(ctx, bpID)
	i.record(op, start, err)
	return res, err
}

func (i *Instrumented) CreateBlock(ctx context.Context, spec BlockSpec) (*block.Block, error) {
	const op = "CreateBlock"
	ctx, cancel := i.call(ctx, op, bgcontext.OpWrite)
	defer cancel()
	start := time.Now()
	res, err := i.Bridge.CreateBlock(ctx, spec)
	i.record(op, start, err)
	return res, err
}

func (i *Instrumented) DestroyBlock(ctx context.Context, id string) error {
	const op = "DestroyBlock"
	ctx, cancel := i.call(ctx, op, bgcontext.OpWrite)
	defer cancel()
	start := time.Now()
	err := i.Bridge.DestroyBlock(ctx, id)
	i.record(op, start, err)
	return err
}

func (i *Instrumented) RemoveBlock(ctx context.Context, id string) error {
	const op = "RemoveBlock"
	ctx, cancel := i.call(ctx, op, bgcontext.OpWrite)
	defer cancel()
	start := time.Now()
	err := i.Bridge.RemoveBlock(ctx, id)
	i.record(op, start, err)
	return err
}

func (i *Instrumented) ModifyBlock(ctx context.Context, id, field, value string) error {
	const op = "ModifyBlock"
	ctx, cancel := i.call(ctx, op, bgcontext.OpWrite)
	defer cancel()
	start := time.Now()
	err := i.Bridge.ModifyBlock(ctx, id, field, value)
	i.record(op, start, err)
	return err
}

func (i *Instrumented) SetBlockOwner(ctx context.Context, id, user string) error {
	const op = "SetBlockOwner"
	ctx, cancel := i.call(ctx, op, bgcontext.OpWrite)
	defer cancel()
	start := time.Now()
	err := i.Bridge.SetBlockOwner(ctx, id, user)
	i.record(op, start, err)
	return err
}

func (i *Instrumented) RemoveBlockUser(ctx context.Context, id, user string) error {
	const op = "RemoveBlockUser"
	ctx, cancel := i.call(ctx, op, bgcontext.OpWrite)
	defer cancel()
	start := time.Now()
	err := i.Bridge.RemoveBlockUser(ctx, id, user)
	i.record(op, start, err)
	return err
}

func (i *Instrumented) SignalJob(ctx context.Context, jobID int64, sig Signal) error {
	const op = "SignalJob"
	ctx, cancel := i.call(ctx, op, bgcontext.OpWrite)
	defer cancel()
	start := time.Now()
	err := i.Bridge.SignalJob(ctx, jobID, sig)
	i.record(op, start, err)
	return err
}

var _ ControllerBridge = (*Instrumented)(nil)
