// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package eventstream

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchedMD/slurm-sub061/internal/health"
)

func TestHub_PublishFansOutToConnectedClient(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// give the server goroutine a moment to register the client before
	// publishing, since register() happens after the upgrade completes.
	time.Sleep(20 * time.Millisecond)

	h.Publish(health.Event{BlockID: "RMP000", Kind: "block_ready", At: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "block_ready", got.Type)
	assert.Equal(t, "RMP000", got.BlockID)
}

func TestHub_PublishWithNoClientsDoesNotBlock(t *testing.T) {
	h := NewHub()
	h.Publish(health.Event{BlockID: "RMP000", Kind: "block_error", At: time.Now()})
}

func TestHub_UnregisterOnDisconnectStopsDelivery(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	conn.Close()
	time.Sleep(20 * time.Millisecond)

	h.mu.Lock()
	n := len(h.clients)
	h.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestHub_PublishJobEvent(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	h.PublishJobEvent("job_ready", 42, "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "job_ready", got.Type)
	assert.EqualValues(t, 42, got.JobID)
}
