// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_NilConfigUsesDefault(t *testing.T) {
	c := New(nil)
	defer c.Close()

	require.NotNil(t, c.config)
	assert.Equal(t, 5*time.Second, c.config.DefaultTTL)
}

func TestReadCache_SetAndGet(t *testing.T) {
	c := New(&Config{DefaultTTL: time.Minute, MaxSize: 10})
	defer c.Close()

	c.Set("GET /metrics", nil, []byte("payload"))

	value, found := c.Get("GET /metrics", nil)
	require.True(t, found)
	assert.Equal(t, []byte("payload"), value)
}

func TestReadCache_MissOnUnknownKey(t *testing.T) {
	c := New(&Config{DefaultTTL: time.Minute, MaxSize: 10})
	defer c.Close()

	_, found := c.Get("GET /blocks", map[string]interface{}{"state": "absent"})
	assert.False(t, found)

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Misses)
}

func TestReadCache_ExpiredEntryIsEvictedOnGet(t *testing.T) {
	c := New(&Config{DefaultTTL: time.Millisecond, MaxSize: 10})
	defer c.Close()

	c.Set("GET /blocks", map[string]interface{}{"state": "free"}, []byte("blocks"))
	time.Sleep(5 * time.Millisecond)

	_, found := c.Get("GET /blocks", map[string]interface{}{"state": "free"})
	assert.False(t, found)

	stats := c.GetStats()
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestReadCache_PerOperationTTLOverridesDefault(t *testing.T) {
	c := New(&Config{
		DefaultTTL:     time.Hour,
		MaxSize:        10,
		TTLByOperation: map[string]time.Duration{"GET /metrics": time.Millisecond},
	})
	defer c.Close()

	c.Set("GET /metrics", nil, []byte("stats"))
	time.Sleep(5 * time.Millisecond)

	_, found := c.Get("GET /metrics", nil)
	assert.False(t, found, "GET /metrics' per-operation TTL must override DefaultTTL")
}

func TestReadCache_EvictsLRUWhenFull(t *testing.T) {
	c := New(&Config{DefaultTTL: time.Hour, MaxSize: 2})
	defer c.Close()

	c.Set("GET /blocks", map[string]interface{}{"state": "1"}, []byte("a"))
	c.Set("GET /blocks", map[string]interface{}{"state": "2"}, []byte("b"))
	// Touch state 1 so state 2 becomes the least recently used.
	c.Get("GET /blocks", map[string]interface{}{"state": "1"})
	c.Set("GET /blocks", map[string]interface{}{"state": "3"}, []byte("c"))

	_, found2 := c.Get("GET /blocks", map[string]interface{}{"state": "2"})
	_, found1 := c.Get("GET /blocks", map[string]interface{}{"state": "1"})
	_, found3 := c.Get("GET /blocks", map[string]interface{}{"state": "3"})

	assert.False(t, found2, "least recently used entry should have been evicted")
	assert.True(t, found1)
	assert.True(t, found3)
}

func TestReadCache_Invalidate(t *testing.T) {
	c := New(&Config{DefaultTTL: time.Hour, MaxSize: 10})
	defer c.Close()

	c.Set("GET /blocks", map[string]interface{}{"state": "1"}, []byte("a"))
	c.Set("GET /blocks", map[string]interface{}{"state": "2"}, []byte("b"))
	c.Set("GET /metrics", nil, []byte("stats"))

	n := c.Invalidate("GET /blocks")
	assert.Equal(t, 2, n)

	_, found := c.Get("GET /blocks", map[string]interface{}{"state": "1"})
	assert.False(t, found)

	_, foundMetrics := c.Get("GET /metrics", nil)
	assert.True(t, foundMetrics, "Invalidate must only affect the named operation")
}

func TestReadCache_Clear(t *testing.T) {
	c := New(&Config{DefaultTTL: time.Hour, MaxSize: 10})
	defer c.Close()

	c.Set("GET /metrics", nil, []byte("stats"))
	c.Clear()

	_, found := c.Get("GET /metrics", nil)
	assert.False(t, found)

	stats := c.GetStats()
	assert.Equal(t, int64(0), stats.CurrentItems)
	assert.Equal(t, int64(1), stats.Clears)
}

func TestReadCache_HitRatio(t *testing.T) {
	c := New(&Config{DefaultTTL: time.Hour, MaxSize: 10})
	defer c.Close()

	c.Set("GET /metrics", nil, []byte("stats"))
	c.Get("GET /metrics", nil)
	c.Get("GET /metrics", nil)
	c.Get("GET /metrics", map[string]interface{}{"other": true})

	stats := c.GetStats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 2.0/3.0, stats.HitRatio, 0.001)
}
