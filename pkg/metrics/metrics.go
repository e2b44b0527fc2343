// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package metrics collects operational counters for the block-management
// core: controller bridge call latency/error rates, allocator outcomes, and
// block state transitions. Exposed read-only at cmd/bgblockd's /metrics
// endpoint for operators.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the interface for metrics collection.
type Collector interface {
	// RecordBridgeCall records the start of a controller bridge call.
	RecordBridgeCall(op string)

	// RecordBridgeResult records a controller bridge call's completion.
	RecordBridgeResult(op string, err error, duration time.Duration)

	// RecordAllocation records one allocator Place outcome ("placed",
	// "will_run", or "impossible").
	RecordAllocation(layoutMode, outcome string)

	// RecordBlockTransition records a block moving from one state to
	// another (e.g. "free" -> "configuring").
	RecordBlockTransition(from, to string)

	// GetStats returns current metrics statistics.
	GetStats() *Stats

	// Reset resets all metrics.
	Reset()
}

// Stats contains aggregated metrics statistics.
type Stats struct {
	// Bridge call metrics
	TotalBridgeCalls  int64
	ActiveBridgeCalls int64
	CallsByOp         map[string]int64

	TotalBridgeErrors int64
	ErrorsByOp        map[string]int64

	BridgeLatency       DurationStats
	BridgeLatencyByOp   map[string]DurationStats

	// Allocation metrics
	AllocationsByOutcome map[string]int64
	PlacementRatio       float64

	// Block state transitions, keyed "from->to"
	TransitionsByEdge map[string]int64

	// Timing
	StartTime time.Time
	Duration  time.Duration
}

// DurationStats contains statistics for duration measurements.
type DurationStats struct {
	Count   int64
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
	Average time.Duration
}

// InMemoryCollector is an in-memory implementation of Collector.
type InMemoryCollector struct {
	mu sync.RWMutex

	totalBridgeCalls  int64
	activeBridgeCalls int64
	callsByOp         map[string]*int64

	totalBridgeErrors int64
	errorsByOp        map[string]*int64

	bridgeLatency     *durationAggregator
	bridgeLatencyByOp map[string]*durationAggregator

	allocationsByOutcome map[string]*int64

	transitionsByEdge map[string]*int64

	startTime time.Time
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		callsByOp:            make(map[string]*int64),
		errorsByOp:           make(map[string]*int64),
		bridgeLatency:        newDurationAggregator(),
		bridgeLatencyByOp:    make(map[string]*durationAggregator),
		allocationsByOutcome: make(map[string]*int64),
		transitionsByEdge:    make(map[string]*int64),
		startTime:            time.Now(),
	}
}

// RecordBridgeCall records the start of a controller bridge call.
func (c *InMemoryCollector) RecordBridgeCall(op string) {
	atomic.AddInt64(&c.totalBridgeCalls, 1)
	atomic.AddInt64(&c.activeBridgeCalls, 1)
	incrementMapCounter(&c.mu, c.callsByOp, op)
}

// RecordBridgeResult records a controller bridge call's completion.
func (c *InMemoryCollector) RecordBridgeResult(op string, err error, duration time.Duration) {
	atomic.AddInt64(&c.activeBridgeCalls, -1)

	c.bridgeLatency.add(duration)
	c.mu.Lock()
	agg, exists := c.bridgeLatencyByOp[op]
	if !exists {
		agg = newDurationAggregator()
		c.bridgeLatencyByOp[op] = agg
	}
	c.mu.Unlock()
	agg.add(duration)

	if err != nil {
		atomic.AddInt64(&c.totalBridgeErrors, 1)
		incrementMapCounter(&c.mu, c.errorsByOp, op)
	}
}

// RecordAllocation records one allocator Place outcome.
func (c *InMemoryCollector) RecordAllocation(layoutMode, outcome string) {
	incrementMapCounter(&c.mu, c.allocationsByOutcome, outcome)
}

// RecordBlockTransition records a block state transition.
func (c *InMemoryCollector) RecordBlockTransition(from, to string) {
	incrementMapCounter(&c.mu, c.transitionsByEdge, from+"->"+to)
}

// GetStats returns current metrics statistics.
func (c *InMemoryCollector) GetStats() *Stats {
	stats := &Stats{
		TotalBridgeCalls:     atomic.LoadInt64(&c.totalBridgeCalls),
		ActiveBridgeCalls:    atomic.LoadInt64(&c.activeBridgeCalls),
		TotalBridgeErrors:    atomic.LoadInt64(&c.totalBridgeErrors),
		CallsByOp:            c.copyMapCounters(c.callsByOp),
		ErrorsByOp:           c.copyMapCounters(c.errorsByOp),
		BridgeLatency:        c.bridgeLatency.stats(),
		BridgeLatencyByOp:    c.copyDurationStats(c.bridgeLatencyByOp),
		AllocationsByOutcome: c.copyMapCounters(c.allocationsByOutcome),
		TransitionsByEdge:    c.copyMapCounters(c.transitionsByEdge),
		StartTime:            c.startTime,
		Duration:             time.Since(c.startTime),
	}

	placed := stats.AllocationsByOutcome["placed"]
	total := int64(0)
	for _, n := range stats.AllocationsByOutcome {
		total += n
	}
	if total > 0 {
		stats.PlacementRatio = float64(placed) / float64(total)
	}

	return stats
}

// Reset resets all metrics.
func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	atomic.StoreInt64(&c.totalBridgeCalls, 0)
	atomic.StoreInt64(&c.activeBridgeCalls, 0)
	atomic.StoreInt64(&c.totalBridgeErrors, 0)

	c.callsByOp = make(map[string]*int64)
	c.errorsByOp = make(map[string]*int64)
	c.bridgeLatency = newDurationAggregator()
	c.bridgeLatencyByOp = make(map[string]*durationAggregator)
	c.allocationsByOutcome = make(map[string]*int64)
	c.transitionsByEdge = make(map[string]*int64)

	c.startTime = time.Now()
}

// incrementMapCounter safely increments a counter in a map.
func incrementMapCounter(mu *sync.RWMutex, m map[string]*int64, key string) {
	mu.Lock()
	counter, exists := m[key]
	if !exists {
		var v int64
		counter = &v
		m[key] = counter
	}
	mu.Unlock()

	atomic.AddInt64(counter, 1)
}

func (c *InMemoryCollector) copyMapCounters(m map[string]*int64) map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = atomic.LoadInt64(v)
	}
	return result
}

func (c *InMemoryCollector) copyDurationStats(m map[string]*durationAggregator) map[string]DurationStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]DurationStats, len(m))
	for k, v := range m {
		result[k] = v.stats()
	}
	return result
}

// durationAggregator aggregates duration statistics.
type durationAggregator struct {
	mu    sync.Mutex
	count int64
	total time.Duration
	min   time.Duration
	max   time.Duration
}

func newDurationAggregator() *durationAggregator {
	return &durationAggregator{
		min: time.Duration(1<<63 - 1),
	}
}

func (d *durationAggregator) add(duration time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count++
	d.total += duration

	if duration < d.min {
		d.min = duration
	}
	if duration > d.max {
		d.max = duration
	}
}

func (d *durationAggregator) stats() DurationStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := DurationStats{
		Count: d.count,
		Total: d.total,
		Min:   d.min,
		Max:   d.max,
	}

	if d.count > 0 {
		stats.Average = time.Duration(int64(d.total) / d.count)
	} else {
		stats.Min = 0
	}

	return stats
}

// NoOpCollector is a no-op implementation of Collector.
type NoOpCollector struct{}

func (NoOpCollector) RecordBridgeCall(op string)                               {}
func (NoOpCollector) RecordBridgeResult(op string, err error, d time.Duration) {}
func (NoOpCollector) RecordAllocation(layoutMode, outcome string)              {}
func (NoOpCollector) RecordBlockTransition(from, to string)                    {}
func (NoOpCollector) GetStats() *Stats                                        { return &Stats{} }
func (NoOpCollector) Reset()                                                  {}

// Global default collector for packages that record metrics without
// having a collector threaded into every call site. cmd/bgblockd does not
// set it; the engine passes its collector explicitly.
var defaultCollector Collector = &NoOpCollector{}

// SetDefaultCollector sets the default metrics collector.
func SetDefaultCollector(collector Collector) {
	if collector == nil {
		collector = &NoOpCollector{}
	}
	defaultCollector = collector
}

// GetDefaultCollector returns the default metrics collector.
func GetDefaultCollector() Collector {
	return defaultCollector
}
